package packstream

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nornax/bolt-driver/dbtype"
)

// ErrMalformed reports framing-level corruption: a declared length runs past
// the buffer, an unrecognized marker byte, or similar. Decoding is strict on
// framing — this always aborts the whole decode, unlike a semantic
// violation inside a structure which becomes BrokenValue.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return "packstream: malformed stream: " + e.Reason }

// Decoder reads packstream-encoded values from an in-memory buffer. Bolt
// messages arrive fully reassembled from the chunked framing layer before
// decoding starts, so the decoder operates on a byte slice rather than a
// streaming io.Reader.
type Decoder struct {
	buf     []byte
	pos     int
	Version Version
}

// NewDecoder wraps buf for decoding against the given negotiated version.
func NewDecoder(buf []byte, version Version) *Decoder {
	return &Decoder{buf: buf, Version: version}
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, &ErrMalformed{Reason: fmt.Sprintf("need %d bytes, have %d", n, len(d.buf)-d.pos)}
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func be16ToInt(b []byte) int { return int(b[0])<<8 | int(b[1]) }
func be32ToUint(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func be64ToUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// Decode reads exactly one value from the buffer.
func (d *Decoder) Decode() (any, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.decodeValue(marker)
}

// AtEnd reports whether the whole buffer has been consumed.
func (d *Decoder) AtEnd() bool { return d.pos >= len(d.buf) }

// DecodeStruct reads one top-level Bolt message: a struct marker, its tag,
// and its fields decoded as plain values (lists/maps/ints/strings and any
// nested packstream value types), without hydrateStruct's message-tag
// rejection. Used for request/response envelopes (HELLO, SUCCESS, RECORD...)
// whose tag space is disjoint from, but shares marker bytes with, the value
// struct tags hydrateStruct understands.
func (d *Decoder) DecodeStruct() (byte, []any, error) {
	marker, err := d.readByte()
	if err != nil {
		return 0, nil, err
	}
	var fieldCount int
	switch {
	case marker >= markerTinyStructMin && marker <= markerTinyStructMax:
		fieldCount = int(marker - markerTinyStructMin)
	case marker == markerStruct8:
		n, err := d.readByte()
		if err != nil {
			return 0, nil, err
		}
		fieldCount = int(n)
	case marker == markerStruct16:
		b, err := d.readN(2)
		if err != nil {
			return 0, nil, err
		}
		fieldCount = be16ToInt(b)
	default:
		return 0, nil, &ErrMalformed{Reason: fmt.Sprintf("expected struct, got marker 0x%02x", marker)}
	}
	tag, err := d.readByte()
	if err != nil {
		return 0, nil, err
	}
	fields := make([]any, fieldCount)
	for i := 0; i < fieldCount; i++ {
		v, err := d.Decode()
		if err != nil {
			return 0, nil, err
		}
		fields[i] = v
	}
	return tag, fields, nil
}

func (d *Decoder) decodeValue(marker byte) (any, error) {
	switch {
	case marker == markerNull:
		return nil, nil
	case marker == markerTrue:
		return true, nil
	case marker == markerFalse:
		return false, nil
	case marker == markerFloat64:
		b, err := d.readN(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(be64ToUint(b)), nil
	case marker < 0x80 || marker >= 0xf0:
		return int64(int8(marker)), nil
	case marker >= markerTinyStringMin && marker <= markerTinyStringMax:
		return d.decodeStringOfLen(int(marker - markerTinyStringMin))
	case marker >= markerTinyListMin && marker <= markerTinyListMax:
		return d.decodeListOfLen(int(marker - markerTinyListMin))
	case marker >= markerTinyMapMin && marker <= markerTinyMapMax:
		return d.decodeMapOfLen(int(marker - markerTinyMapMin))
	case marker >= markerTinyStructMin && marker <= markerTinyStructMax:
		return d.decodeStructOfLen(int(marker - markerTinyStructMin))
	case marker == markerInt8:
		b, err := d.readN(1)
		if err != nil {
			return nil, err
		}
		return int64(int8(b[0])), nil
	case marker == markerInt16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(be16ToInt(b))), nil
	case marker == markerInt32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(be32ToUint(b))), nil
	case marker == markerInt64:
		b, err := d.readN(8)
		if err != nil {
			return nil, err
		}
		return int64(be64ToUint(b)), nil
	case marker == markerBytes8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.readN(int(n))
	case marker == markerBytes16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return d.readN(be16ToInt(b))
	case marker == markerBytes32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return d.readN(int(be32ToUint(b)))
	case marker == markerString8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.decodeStringOfLen(int(n))
	case marker == markerString16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return d.decodeStringOfLen(be16ToInt(b))
	case marker == markerString32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return d.decodeStringOfLen(int(be32ToUint(b)))
	case marker == markerList8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.decodeListOfLen(int(n))
	case marker == markerList16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return d.decodeListOfLen(be16ToInt(b))
	case marker == markerList32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return d.decodeListOfLen(int(be32ToUint(b)))
	case marker == markerMap8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.decodeMapOfLen(int(n))
	case marker == markerMap16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return d.decodeMapOfLen(be16ToInt(b))
	case marker == markerMap32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return d.decodeMapOfLen(int(be32ToUint(b)))
	case marker == markerStruct8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.decodeStructOfLen(int(n))
	case marker == markerStruct16:
		b, err := d.readN(2)
		if err != nil {
			return nil, err
		}
		return d.decodeStructOfLen(be16ToInt(b))
	default:
		return nil, &ErrMalformed{Reason: fmt.Sprintf("unknown marker 0x%02x", marker)}
	}
}

func (d *Decoder) decodeStringOfLen(n int) (string, error) {
	b, err := d.readN(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) decodeListOfLen(n int) ([]any, error) {
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *Decoder) decodeMapOfLen(n int) (map[string]any, error) {
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		marker, err := d.readByte()
		if err != nil {
			return nil, err
		}
		key, err := d.decodeValue(marker)
		if err != nil {
			return nil, err
		}
		ks, ok := key.(string)
		if !ok {
			return nil, &ErrMalformed{Reason: "map key is not a string"}
		}
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		out[ks] = v
	}
	return out, nil
}

func (d *Decoder) decodeStructOfLen(fieldCount int) (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	fields := make([]any, fieldCount)
	for i := 0; i < fieldCount; i++ {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	return d.hydrateStruct(tag, fields)
}

// hydrateStruct converts a raw (tag, fields) structure into a typed value.
// Any failure to satisfy the type's invariants yields a *dbtype.BrokenValue
// instead of propagating the error: a malformed RECORD should not take down
// the whole result cursor; decoding stays lenient about semantic content.
func (d *Decoder) hydrateStruct(tag byte, f []any) (any, error) {
	broken := func(reason string) *dbtype.BrokenValue {
		return &dbtype.BrokenValue{Reason: reason, Tag: tag, Raw: f}
	}
	switch tag {
	case tagNode:
		if len(f) != 4 {
			return broken("node expects 4 fields"), nil
		}
		id, _ := f[0].(int64)
		labels := toStringSlice(f[1])
		props, _ := f[2].(map[string]any)
		elementId, _ := f[3].(string)
		return dbtype.Node{Id: id, ElementId: elementId, Labels: labels, Props: props}, nil
	case tagRelationship:
		if len(f) != 8 {
			return broken("relationship expects 8 fields"), nil
		}
		id, _ := f[0].(int64)
		startId, _ := f[1].(int64)
		endId, _ := f[2].(int64)
		typ, _ := f[3].(string)
		props, _ := f[4].(map[string]any)
		elementId, _ := f[5].(string)
		startElementId, _ := f[6].(string)
		endElementId, _ := f[7].(string)
		return dbtype.Relationship{
			Id: id, ElementId: elementId, StartId: startId, StartElementId: startElementId,
			EndId: endId, EndElementId: endElementId, Type: typ, Props: props,
		}, nil
	case tagUnboundRelationship:
		if len(f) != 4 {
			return broken("unbound relationship expects 4 fields"), nil
		}
		id, _ := f[0].(int64)
		typ, _ := f[1].(string)
		props, _ := f[2].(map[string]any)
		elementId, _ := f[3].(string)
		return dbtype.UnboundRelationship{Id: id, ElementId: elementId, Type: typ, Props: props}, nil
	case tagPath:
		return d.hydratePath(f, broken)
	case tagDate:
		if len(f) != 1 {
			return broken("date expects 1 field"), nil
		}
		days, ok := f[0].(int64)
		if !ok {
			return broken("date day count not an int"), nil
		}
		return dbtype.Date{Time: dateFromDays(days)}, nil
	case tagLocalTime:
		if len(f) != 1 {
			return broken("local time expects 1 field"), nil
		}
		nanos, ok := f[0].(int64)
		if !ok {
			return broken("local time nanos not an int"), nil
		}
		return dbtype.LocalTime{Time: localTimeFromNanos(nanos)}, nil
	case tagTime:
		if len(f) != 2 {
			return broken("time expects 2 fields"), nil
		}
		nanos, ok1 := f[0].(int64)
		offset, ok2 := f[1].(int64)
		if !ok1 || !ok2 {
			return broken("time fields not ints"), nil
		}
		return dbtype.OffsetTime{Time: timeFromNanosAndOffset(nanos, int(offset))}, nil
	case tagLocalDateTime:
		if len(f) != 2 {
			return broken("local datetime expects 2 fields"), nil
		}
		sec, ok1 := f[0].(int64)
		nsec, ok2 := f[1].(int64)
		if !ok1 || !ok2 {
			return broken("local datetime fields not ints"), nil
		}
		return dbtype.LocalDateTime{Time: localDateTimeFromSecNsec(sec, nsec)}, nil
	case tagUTCDateTime, tagLegacyDateTime:
		return d.hydrateOffsetDateTime(tag, f, broken)
	case tagUTCDateTimeZoneId, tagLegacyDateTimeZoneId:
		return d.hydrateZonedDateTime(tag, f, broken)
	case tagDuration:
		if len(f) != 4 {
			return broken("duration expects 4 fields"), nil
		}
		months, ok1 := f[0].(int64)
		days, ok2 := f[1].(int64)
		secs, ok3 := f[2].(int64)
		nanos, ok4 := f[3].(int64)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return broken("duration fields not ints"), nil
		}
		return dbtype.Duration{Months: months, Days: days, Seconds: secs, Nanos: nanos}, nil
	case tagPoint2D:
		if len(f) != 3 {
			return broken("point2d expects 3 fields"), nil
		}
		srid, x, y, ok := threeNumbers(f)
		if !ok {
			return broken("point2d fields not numeric"), nil
		}
		return dbtype.NewPoint2D(srid, x, y), nil
	case tagPoint3D:
		if len(f) != 4 {
			return broken("point3d expects 4 fields"), nil
		}
		srid, x, y, ok := threeNumbers(f[:3])
		if !ok {
			return broken("point3d fields not numeric"), nil
		}
		z, ok := asFloat(f[3])
		if !ok {
			return broken("point3d z not numeric"), nil
		}
		return dbtype.NewPoint3D(srid, x, y, z), nil
	default:
		// Message structs (SUCCESS/RECORD/FAILURE/IGNORED) are hydrated by
		// the bolt layer, which calls hydrateStruct only for value tags; an
		// unrecognized value tag here is a genuine protocol violation.
		return nil, &ErrMalformed{Reason: fmt.Sprintf("unknown struct tag 0x%02x", tag)}
	}
}

// hydrateOffsetDateTime handles both the UTC-fixed (>=5.0) and legacy
// (<5.0) fixed-offset datetime encodings. The version gate enforced at
// encode time means a well-behaved server never sends the wrong form for
// the negotiated version; if it does, the offset arithmetic below still
// produces a valid, if semantically mislabeled, instant — Decode does not
// second-guess the server's choice of tag.
func (d *Decoder) hydrateOffsetDateTime(tag byte, f []any, broken func(string) *dbtype.BrokenValue) (any, error) {
	if len(f) != 3 {
		return broken("offset datetime expects 3 fields"), nil
	}
	sec, ok1 := f[0].(int64)
	nsec, ok2 := f[1].(int64)
	offset, ok3 := f[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return broken("offset datetime fields not ints"), nil
	}
	if tag == tagUTCDateTime {
		sec += offset
	}
	loc := time.FixedZone("", int(offset))
	return dbtype.DateTime{Time: time.Unix(sec, nsec).In(loc)}, nil
}

// hydrateZonedDateTime resolves a named IANA zone; an unknown zone makes the
// whole value a BrokenValue rather than silently shifting the instant.
func (d *Decoder) hydrateZonedDateTime(tag byte, f []any, broken func(string) *dbtype.BrokenValue) (any, error) {
	if len(f) != 3 {
		return broken("zoned datetime expects 3 fields"), nil
	}
	sec, ok1 := f[0].(int64)
	nsec, ok2 := f[1].(int64)
	zoneName, ok3 := f[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return broken("zoned datetime fields malformed"), nil
	}
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return broken("unknown zone id: " + zoneName), nil
	}
	if tag == tagUTCDateTimeZoneId {
		utc := time.Unix(sec, nsec).UTC()
		return dbtype.DateTime{Time: utc.In(loc)}, nil
	}
	// Legacy form stores the wall-clock seconds in the named zone directly.
	naive := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second).Add(time.Duration(nsec))
	return dbtype.DateTime{Time: time.Date(naive.Year(), naive.Month(), naive.Day(), naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), loc)}, nil
}

func (d *Decoder) hydratePath(f []any, broken func(string) *dbtype.BrokenValue) (any, error) {
	if len(f) != 3 {
		return broken("path expects 3 fields"), nil
	}
	rawNodes, ok1 := f[0].([]any)
	rawRels, ok2 := f[1].([]any)
	rawIdx, ok3 := f[2].([]any)
	if !ok1 || !ok2 || !ok3 {
		return broken("path fields malformed"), nil
	}
	nodes := make([]dbtype.Node, len(rawNodes))
	for i, rn := range rawNodes {
		n, ok := rn.(dbtype.Node)
		if !ok {
			return broken("path node entry is not a Node"), nil
		}
		nodes[i] = n
	}
	unbound := make([]dbtype.UnboundRelationship, len(rawRels))
	for i, rr := range rawRels {
		u, ok := rr.(dbtype.UnboundRelationship)
		if !ok {
			return broken("path relationship entry is not an UnboundRelationship"), nil
		}
		unbound[i] = u
	}
	if len(rawIdx)%2 != 0 {
		return broken("path index list has odd length"), nil
	}
	segCount := len(rawIdx) / 2
	outNodes := make([]dbtype.Node, 0, segCount+1)
	outRels := make([]dbtype.Relationship, 0, segCount)
	if len(nodes) == 0 {
		return broken("path has no nodes"), nil
	}
	outNodes = append(outNodes, nodes[0])
	cur := nodes[0]
	for i := 0; i < segCount; i++ {
		relIdxRaw, ok1 := rawIdx[i*2].(int64)
		nodeIdxRaw, ok2 := rawIdx[i*2+1].(int64)
		if !ok1 || !ok2 {
			return broken("path index entry not an int"), nil
		}
		var rel dbtype.UnboundRelationship
		var reversed bool
		relIdx := relIdxRaw
		if relIdx < 0 {
			relIdx = -relIdx
			reversed = true
		}
		if relIdx < 1 || int(relIdx) > len(unbound) {
			return broken("path relationship index out of range"), nil
		}
		rel = unbound[relIdx-1]

		var next dbtype.Node
		if nodeIdxRaw < 0 || int(nodeIdxRaw) >= len(nodes) {
			return broken("path node index out of range"), nil
		}
		next = nodes[nodeIdxRaw]

		var bound dbtype.Relationship
		if reversed {
			bound = rel.Bind(next.Id, cur.Id, next.ElementId, cur.ElementId)
		} else {
			bound = rel.Bind(cur.Id, next.Id, cur.ElementId, next.ElementId)
		}
		outRels = append(outRels, bound)
		outNodes = append(outNodes, next)
		cur = next
	}
	p, err := dbtype.NewPath(outNodes, outRels)
	if err != nil {
		return broken("path alternation invariant violated: " + err.Error()), nil
	}
	return p, nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func threeNumbers(f []any) (uint32, float64, float64, bool) {
	sridI, ok1 := f[0].(int64)
	x, ok2 := asFloat(f[1])
	y, ok3 := asFloat(f[2])
	return uint32(sridI), x, y, ok1 && ok2 && ok3
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

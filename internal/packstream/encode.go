package packstream

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/nornax/bolt-driver/dbtype"
)

// Version gates which datetime struct tags are legal to emit: Bolt >= 5.0
// uses the UTC-fixed encodings, earlier versions use the legacy ones.
type Version struct {
	Major, Minor int
}

func (v Version) usesUTCDateTime() bool { return v.Major > 5 || (v.Major == 5 && v.Minor >= 0) }

// ErrUnencodable reports a value that cannot be serialized
// SerializationError): an oversized structure, a non-UTF-8 map key, or an
// unsupported Go type.
type ErrUnencodable struct {
	Reason string
}

func (e *ErrUnencodable) Error() string { return "packstream: cannot encode value: " + e.Reason }

// Encoder appends packstream-encoded values to an internal byte buffer.
// Encoding never emits BrokenValue: a Go-side BrokenValue passed to
// Encode is itself a caller error, not a tolerated round-trip case.
type Encoder struct {
	buf     []byte
	Version Version
}

// NewEncoder returns an Encoder targeting the given negotiated Bolt version.
func NewEncoder(version Version) *Encoder {
	return &Encoder{Version: version}
}

// Reset clears the internal buffer for reuse across messages.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Bytes returns the encoded buffer accumulated since the last Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) writeByte(b byte)    { e.buf = append(e.buf, b) }
func (e *Encoder) writeBytes(b []byte) { e.buf = append(e.buf, b...) }

// Encode appends the packstream encoding of v to the buffer.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case nil:
		e.writeByte(markerNull)
	case bool:
		if x {
			e.writeByte(markerTrue)
		} else {
			e.writeByte(markerFalse)
		}
	case int:
		e.encodeInt(int64(x))
	case int64:
		e.encodeInt(x)
	case int32:
		e.encodeInt(int64(x))
	case float64:
		e.encodeFloat(x)
	case float32:
		e.encodeFloat(float64(x))
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeBytes(x)
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeMap(x)
	case dbtype.Node:
		return e.encodeNode(x)
	case dbtype.Relationship:
		return e.encodeRelationship(x)
	case dbtype.UnboundRelationship:
		return e.encodeUnboundRelationship(x)
	case dbtype.Path:
		return e.encodePath(x)
	case dbtype.Point:
		return e.encodePoint(x)
	case dbtype.Date:
		return e.encodeDate(x)
	case dbtype.LocalTime:
		return e.encodeLocalTime(x)
	case dbtype.OffsetTime:
		return e.encodeOffsetTime(x)
	case dbtype.LocalDateTime:
		return e.encodeLocalDateTime(x)
	case dbtype.DateTime:
		return e.encodeDateTime(x)
	case dbtype.Duration:
		return e.encodeDuration(x)
	default:
		return e.encodeReflective(v)
	}
	return nil
}

func (e *Encoder) encodeInt(n int64) {
	switch {
	case n >= tinyIntNegMin && n <= tinyIntPosMax:
		e.writeByte(byte(n))
	case n >= math.MinInt8 && n <= math.MaxInt8:
		e.writeByte(markerInt8)
		e.writeByte(byte(n))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		e.writeByte(markerInt16)
		e.writeBytes([]byte{byte(n >> 8), byte(n)})
	case n >= math.MinInt32 && n <= math.MaxInt32:
		e.writeByte(markerInt32)
		e.writeBytes([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	default:
		e.writeByte(markerInt64)
		e.writeBytes(be64(uint64(n)))
	}
}

func (e *Encoder) encodeFloat(f float64) {
	e.writeByte(markerFloat64)
	e.writeBytes(be64(math.Float64bits(f)))
}

func (e *Encoder) encodeString(s string) error {
	if !utf8.ValidString(s) {
		return &ErrUnencodable{Reason: "string is not valid UTF-8"}
	}
	b := []byte(s)
	n := len(b)
	switch {
	case n <= 15:
		e.writeByte(byte(markerTinyStringMin + n))
	case n <= 0xff:
		e.writeByte(markerString8)
		e.writeByte(byte(n))
	case n <= 0xffff:
		e.writeByte(markerString16)
		e.writeBytes([]byte{byte(n >> 8), byte(n)})
	case n <= 0xffffffff:
		e.writeByte(markerString32)
		e.writeBytes(be32(uint32(n)))
	default:
		return &ErrUnencodable{Reason: "string too large"}
	}
	e.writeBytes(b)
	return nil
}

func (e *Encoder) encodeBytes(b []byte) error {
	n := len(b)
	switch {
	case n <= 0xff:
		e.writeByte(markerBytes8)
		e.writeByte(byte(n))
	case n <= 0xffff:
		e.writeByte(markerBytes16)
		e.writeBytes([]byte{byte(n >> 8), byte(n)})
	case n <= 0xffffffff:
		e.writeByte(markerBytes32)
		e.writeBytes(be32(uint32(n)))
	default:
		return &ErrUnencodable{Reason: "byte array too large"}
	}
	e.writeBytes(b)
	return nil
}

func (e *Encoder) encodeList(items []any) error {
	n := len(items)
	switch {
	case n <= 15:
		e.writeByte(byte(markerTinyListMin + n))
	case n <= 0xff:
		e.writeByte(markerList8)
		e.writeByte(byte(n))
	case n <= 0xffff:
		e.writeByte(markerList16)
		e.writeBytes([]byte{byte(n >> 8), byte(n)})
	default:
		e.writeByte(markerList32)
		e.writeBytes(be32(uint32(n)))
	}
	for _, it := range items {
		if err := e.Encode(it); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeMap(m map[string]any) error {
	n := len(m)
	switch {
	case n <= 15:
		e.writeByte(byte(markerTinyMapMin + n))
	case n <= 0xff:
		e.writeByte(markerMap8)
		e.writeByte(byte(n))
	case n <= 0xffff:
		e.writeByte(markerMap16)
		e.writeBytes([]byte{byte(n >> 8), byte(n)})
	default:
		e.writeByte(markerMap32)
		e.writeBytes(be32(uint32(n)))
	}
	for k, v := range m {
		if err := e.encodeString(k); err != nil {
			return &ErrUnencodable{Reason: "non-UTF-8 or oversized map key: " + err.Error()}
		}
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// EncodeStruct appends a struct with the given Bolt message tag and fields.
// Used by the bolt package to build request messages (HELLO, RUN, PULL...);
// field count is taken from len(fields), not inferred from the tag.
func (e *Encoder) EncodeStruct(tag byte, fields []any) error {
	if err := e.structHeader(len(fields), tag); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) structHeader(fieldCount int, tag byte) error {
	switch {
	case fieldCount <= 15:
		e.writeByte(byte(markerTinyStructMin + fieldCount))
	case fieldCount <= 0xff:
		e.writeByte(markerStruct8)
		e.writeByte(byte(fieldCount))
	default:
		return &ErrUnencodable{Reason: "struct field count too large"}
	}
	e.writeByte(tag)
	return nil
}

func (e *Encoder) encodeNode(n dbtype.Node) error {
	if err := e.structHeader(4, tagNode); err != nil {
		return err
	}
	e.encodeInt(n.Id)
	labels := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		labels[i] = l
	}
	if err := e.encodeList(labels); err != nil {
		return err
	}
	if err := e.encodeMap(n.Props); err != nil {
		return err
	}
	return e.encodeString(n.ElementId)
}

func (e *Encoder) encodeRelationship(r dbtype.Relationship) error {
	if err := e.structHeader(8, tagRelationship); err != nil {
		return err
	}
	e.encodeInt(r.Id)
	e.encodeInt(r.StartId)
	e.encodeInt(r.EndId)
	if err := e.encodeString(r.Type); err != nil {
		return err
	}
	if err := e.encodeMap(r.Props); err != nil {
		return err
	}
	if err := e.encodeString(r.ElementId); err != nil {
		return err
	}
	if err := e.encodeString(r.StartElementId); err != nil {
		return err
	}
	return e.encodeString(r.EndElementId)
}

func (e *Encoder) encodeUnboundRelationship(u dbtype.UnboundRelationship) error {
	if err := e.structHeader(4, tagUnboundRelationship); err != nil {
		return err
	}
	e.encodeInt(u.Id)
	if err := e.encodeString(u.Type); err != nil {
		return err
	}
	if err := e.encodeMap(u.Props); err != nil {
		return err
	}
	return e.encodeString(u.ElementId)
}

func (e *Encoder) encodePath(p dbtype.Path) error {
	if err := e.structHeader(3, tagPath); err != nil {
		return err
	}
	nodes := make([]any, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes[i] = n
	}
	if err := e.encodeList(nodes); err != nil {
		return err
	}
	rels := make([]any, len(p.Relationships))
	for i, r := range p.Relationships {
		rels[i] = dbtype.UnboundRelationship{Id: r.Id, ElementId: r.ElementId, Type: r.Type, Props: r.Props}
	}
	if err := e.encodeList(rels); err != nil {
		return err
	}
	// Index list: per segment, the 1-based relationship index (negated when
	// the relationship points from the later node back to the earlier one)
	// followed by the 0-based index of the segment's end node.
	idx := make([]any, 0, len(p.Relationships)*2)
	for i, r := range p.Relationships {
		relIdx := int64(i + 1)
		if i+1 < len(p.Nodes) {
			cur, next := p.Nodes[i], p.Nodes[i+1]
			startsAtCur := (r.StartElementId != "" && r.StartElementId == cur.ElementId) || (r.StartElementId == "" && r.StartId == cur.Id)
			startsAtNext := (r.StartElementId != "" && r.StartElementId == next.ElementId) || (r.StartElementId == "" && r.StartId == next.Id)
			if startsAtNext && !startsAtCur {
				relIdx = -relIdx
			}
		}
		idx = append(idx, relIdx, int64(i+1))
	}
	return e.encodeList(idx)
}

func (e *Encoder) encodePoint(p dbtype.Point) error {
	if p.Is3D() {
		if err := e.structHeader(4, tagPoint3D); err != nil {
			return err
		}
		e.encodeInt(int64(p.SpatialRefId))
		e.encodeFloat(p.X)
		e.encodeFloat(p.Y)
		e.encodeFloat(p.Z)
		return nil
	}
	if err := e.structHeader(3, tagPoint2D); err != nil {
		return err
	}
	e.encodeInt(int64(p.SpatialRefId))
	e.encodeFloat(p.X)
	e.encodeFloat(p.Y)
	return nil
}

func (e *Encoder) encodeDate(d dbtype.Date) error {
	if err := e.structHeader(1, tagDate); err != nil {
		return err
	}
	e.encodeInt(daysSinceEpoch(d.Time))
	return nil
}

func (e *Encoder) encodeLocalTime(t dbtype.LocalTime) error {
	if err := e.structHeader(1, tagLocalTime); err != nil {
		return err
	}
	e.encodeInt(nanosSinceMidnight(t.Time))
	return nil
}

func (e *Encoder) encodeOffsetTime(t dbtype.OffsetTime) error {
	if err := e.structHeader(2, tagTime); err != nil {
		return err
	}
	e.encodeInt(nanosSinceMidnight(t.Time))
	_, offset := t.Time.Zone()
	e.encodeInt(int64(offset))
	return nil
}

func (e *Encoder) encodeLocalDateTime(t dbtype.LocalDateTime) error {
	if err := e.structHeader(2, tagLocalDateTime); err != nil {
		return err
	}
	sec, nsec := secNsec(t.Time)
	e.encodeInt(sec)
	e.encodeInt(nsec)
	return nil
}

func (e *Encoder) encodeDateTime(t dbtype.DateTime) error {
	name, offset := t.Time.Zone()
	sec, nsec := secNsec(t.Time)
	if e.Version.usesUTCDateTime() {
		utcSec := sec - int64(offset)
		if name != "" && hasNamedZone(t.Time) {
			if err := e.structHeader(3, tagUTCDateTimeZoneId); err != nil {
				return err
			}
			e.encodeInt(sec)
			e.encodeInt(nsec)
			return e.encodeString(name)
		}
		if err := e.structHeader(3, tagUTCDateTime); err != nil {
			return err
		}
		e.encodeInt(utcSec)
		e.encodeInt(nsec)
		e.encodeInt(int64(offset))
		return nil
	}
	if name != "" && hasNamedZone(t.Time) {
		if err := e.structHeader(3, tagLegacyDateTimeZoneId); err != nil {
			return err
		}
		e.encodeInt(sec + int64(offset))
		e.encodeInt(nsec)
		return e.encodeString(name)
	}
	if err := e.structHeader(3, tagLegacyDateTime); err != nil {
		return err
	}
	e.encodeInt(sec)
	e.encodeInt(nsec)
	e.encodeInt(int64(offset))
	return nil
}

func (e *Encoder) encodeDuration(d dbtype.Duration) error {
	if err := e.structHeader(4, tagDuration); err != nil {
		return err
	}
	e.encodeInt(d.Months)
	e.encodeInt(d.Days)
	e.encodeInt(d.Seconds)
	e.encodeInt(d.Nanos)
	return nil
}

// encodeReflective handles the narrower integer widths (uint8, uint16,
// uint32, int8, int16), []string and map[string]string without resorting to
// a full reflect-based walk; any other type, uint and uint64 included, is
// reported as ErrUnencodable.
func (e *Encoder) encodeReflective(v any) error {
	switch x := v.(type) {
	case uint8:
		e.encodeInt(int64(x))
		return nil
	case uint16:
		e.encodeInt(int64(x))
		return nil
	case uint32:
		e.encodeInt(int64(x))
		return nil
	case int8:
		e.encodeInt(int64(x))
		return nil
	case int16:
		e.encodeInt(int64(x))
		return nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return e.encodeList(items)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = v
		}
		return e.encodeMap(m)
	}
	return &ErrUnencodable{Reason: fmt.Sprintf("unsupported type %T", v)}
}

func be32(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func be64(n uint64) []byte {
	return []byte{
		byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	}
}

// Package dbtype holds the graph and temporal value types that flow across
// the Bolt wire. It has no dependency on the rest of the driver so both the
// packstream codec and the public driver package can import it without a
// cycle: the codec hydrates into these types, the driver package re-exports
// them under its own names via type aliases.
package dbtype

import (
	"fmt"
	"time"
)

// ElementID is the server-assigned stable identifier introduced in Bolt 5.0.
// Equality between two entities is by ElementID when both sides have one,
// falling back to the legacy integer ID otherwise.
type ElementID string

// Node is a labeled, property-bearing graph vertex.
type Node struct {
	Id        int64
	ElementId string
	Labels    []string
	Props     map[string]any
}

// Equal implements element-id-first equality.
func (n Node) Equal(o Node) bool {
	if n.ElementId != "" && o.ElementId != "" {
		return n.ElementId == o.ElementId
	}
	return n.Id == o.Id
}

func (n Node) String() string {
	return fmt.Sprintf("Node{Id: %d, ElementId: %q, Labels: %v, Props: %v}", n.Id, n.ElementId, n.Labels, n.Props)
}

// Relationship is a typed, directed, property-bearing graph edge bound to
// its endpoint nodes.
type Relationship struct {
	Id             int64
	ElementId      string
	StartId        int64
	StartElementId string
	EndId          int64
	EndElementId   string
	Type           string
	Props          map[string]any
}

// Equal implements element-id-first equality.
func (r Relationship) Equal(o Relationship) bool {
	if r.ElementId != "" && o.ElementId != "" {
		return r.ElementId == o.ElementId
	}
	return r.Id == o.Id
}

// UnboundRelationship is a Relationship without its endpoints, as sent by
// the server inside a Path structure; a Path resolves it against the
// surrounding node list during hydration.
type UnboundRelationship struct {
	Id        int64
	ElementId string
	Type      string
	Props     map[string]any
}

// Bind attaches start/end node identity to produce a full Relationship.
func (u UnboundRelationship) Bind(startId, endId int64, startElementId, endElementId string) Relationship {
	return Relationship{
		Id: u.Id, ElementId: u.ElementId,
		StartId: startId, StartElementId: startElementId,
		EndId: endId, EndElementId: endElementId,
		Type: u.Type, Props: u.Props,
	}
}

// Path is an alternating sequence of nodes and relationships: node[0],
// rel[0], node[1], rel[1], ..., node[k]. A one-node, zero-relationship path
// is legal.
type Path struct {
	Nodes         []Node
	Relationships []Relationship
}

// ErrInvalidPath is returned by NewPath when the node/relationship alternation
// invariant does not hold.
type ErrInvalidPath struct {
	Reason string
}

func (e ErrInvalidPath) Error() string { return "invalid path: " + e.Reason }

// NewPath validates that relationships alternate correctly between the
// given nodes before constructing the Path: len(nodes) == len(rels)+1, and
// each relationship's endpoints equal its positional neighbor nodes.
func NewPath(nodes []Node, rels []Relationship) (Path, error) {
	if len(nodes) != len(rels)+1 {
		return Path{}, ErrInvalidPath{Reason: fmt.Sprintf("expected %d nodes for %d relationships, got %d", len(rels)+1, len(rels), len(nodes))}
	}
	for i, r := range rels {
		a, b := nodes[i], nodes[i+1]
		startOk := (r.StartElementId != "" && r.StartElementId == a.ElementId) || (r.StartElementId == "" && r.StartId == a.Id)
		endOk := (r.EndElementId != "" && r.EndElementId == b.ElementId) || (r.EndElementId == "" && r.EndId == b.Id)
		reverseOk := ((r.StartElementId != "" && r.StartElementId == b.ElementId) || (r.StartElementId == "" && r.StartId == b.Id)) &&
			((r.EndElementId != "" && r.EndElementId == a.ElementId) || (r.EndElementId == "" && r.EndId == a.Id))
		if !(startOk && endOk) && !reverseOk {
			return Path{}, ErrInvalidPath{Reason: fmt.Sprintf("relationship %d does not connect its neighbor nodes", i)}
		}
	}
	return Path{Nodes: nodes, Relationships: rels}, nil
}

// NewPathUnchecked constructs a Path without verifying the alternation
// invariant, for callers that have already enforced it; skipping the check
// avoids an O(k) re-walk. Packstream hydration uses the checked NewPath.
func NewPathUnchecked(nodes []Node, rels []Relationship) Path {
	return Path{Nodes: nodes, Relationships: rels}
}

// Point is a 2D or 3D point in a named coordinate reference system (SRID).
type Point struct {
	SpatialRefId uint32
	X, Y, Z      float64
	is3D         bool
}

// NewPoint2D builds a 2D point in the given CRS.
func NewPoint2D(srid uint32, x, y float64) Point {
	return Point{SpatialRefId: srid, X: x, Y: y}
}

// NewPoint3D builds a 3D point in the given CRS.
func NewPoint3D(srid uint32, x, y, z float64) Point {
	return Point{SpatialRefId: srid, X: x, Y: y, Z: z, is3D: true}
}

// Is3D reports whether the point carries a Z coordinate.
func (p Point) Is3D() bool { return p.is3D }

func (p Point) String() string {
	if p.is3D {
		return fmt.Sprintf("Point{SpatialRefId: %d, X: %v, Y: %v, Z: %v}", p.SpatialRefId, p.X, p.Y, p.Z)
	}
	return fmt.Sprintf("Point{SpatialRefId: %d, X: %v, Y: %v}", p.SpatialRefId, p.X, p.Y)
}

// Date is a calendar date with no time-of-day component.
type Date struct{ time.Time }

// LocalTime is a time-of-day with no date and no offset.
type LocalTime struct{ time.Time }

// LocalDateTime is a date and time-of-day with no offset or zone.
type LocalDateTime struct{ time.Time }

// OffsetTime is a time-of-day carrying a fixed UTC offset (Bolt "Time").
type OffsetTime struct{ time.Time }

// DateTime is a zoned or fixed-offset point in time.
type DateTime struct{ time.Time }

// Duration is Neo4j's four-component duration: calendar months and days are
// kept distinct from the sub-day seconds/nanoseconds component because
// month/day length is calendar-dependent.
type Duration struct {
	Months  int64
	Days    int64
	Seconds int64
	Nanos   int64
}

func (d Duration) String() string {
	return fmt.Sprintf("Duration{Months: %d, Days: %d, Seconds: %d, Nanos: %d}", d.Months, d.Days, d.Seconds, d.Nanos)
}

// BrokenValue is substituted for a receive-side structure that fails
// validation (e.g. a DateTime in a zone unknown to this process). It carries
// the decode failure reason and the raw structure tag/fields so callers can
// inspect what the server actually sent; accessing a field that decoded to
// BrokenValue is a lazy per-field error, not a hard failure of the whole
// record.
type BrokenValue struct {
	Reason string
	Tag    byte
	Raw    []any
}

func (b *BrokenValue) Error() string {
	return fmt.Sprintf("broken value (tag 0x%02x): %s", b.Tag, b.Reason)
}

// Record is one row of a result: parallel Keys/Values slices plus an index
// for O(1) lookup by key.
type Record struct {
	Keys   []string
	Values []any
	index  map[string]int
}

// NewRecord builds a Record and its key index.
func NewRecord(keys []string, values []any) *Record {
	idx := make(map[string]int, len(keys))
	for i, k := range keys {
		idx[k] = i
	}
	return &Record{Keys: keys, Values: values, index: idx}
}

// Get returns the value for key and whether it was present.
func (r *Record) Get(key string) (any, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.Values[i], true
}

// AsMap returns the record as a key->value map, for convenience.
func (r *Record) AsMap() map[string]any {
	m := make(map[string]any, len(r.Keys))
	for i, k := range r.Keys {
		m[k] = r.Values[i]
	}
	return m
}

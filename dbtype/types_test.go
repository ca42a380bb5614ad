package dbtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeEqualityPrefersElementID(t *testing.T) {
	a := Node{Id: 1, ElementId: "4:abc:1"}
	b := Node{Id: 2, ElementId: "4:abc:1"}
	assert.True(t, a.Equal(b), "matching element ids win over differing legacy ids")

	c := Node{Id: 1}
	d := Node{Id: 1, ElementId: "4:abc:9"}
	assert.True(t, c.Equal(d), "legacy id comparison applies when either side lacks an element id")
}

func TestNewPathValidatesAlternation(t *testing.T) {
	n0 := Node{Id: 0}
	n1 := Node{Id: 1}
	n2 := Node{Id: 2}
	r01 := Relationship{Id: 10, StartId: 0, EndId: 1, Type: "KNOWS"}
	r12 := Relationship{Id: 11, StartId: 1, EndId: 2, Type: "KNOWS"}

	p, err := NewPath([]Node{n0, n1, n2}, []Relationship{r01, r12})
	require.NoError(t, err)
	assert.Len(t, p.Nodes, 3)

	// A reversed relationship still connects its neighbors.
	rRev := Relationship{Id: 12, StartId: 1, EndId: 0, Type: "KNOWS"}
	_, err = NewPath([]Node{n0, n1}, []Relationship{rRev})
	assert.NoError(t, err)

	// Wrong node count.
	_, err = NewPath([]Node{n0, n1}, []Relationship{r01, r12})
	assert.Error(t, err)

	// Disconnected relationship.
	rBad := Relationship{Id: 13, StartId: 5, EndId: 6}
	_, err = NewPath([]Node{n0, n1}, []Relationship{rBad})
	assert.Error(t, err)
}

func TestSingleNodePath(t *testing.T) {
	p, err := NewPath([]Node{{Id: 7}}, nil)
	require.NoError(t, err)
	assert.Len(t, p.Nodes, 1)
	assert.Empty(t, p.Relationships)
}

func TestNewPathUncheckedSkipsValidation(t *testing.T) {
	rBad := Relationship{Id: 13, StartId: 5, EndId: 6}
	p := NewPathUnchecked([]Node{{Id: 0}, {Id: 1}}, []Relationship{rBad})
	assert.Len(t, p.Relationships, 1)
}

func TestRecordLookup(t *testing.T) {
	rec := NewRecord([]string{"name", "age"}, []any{"ada", int64(36)})
	v, ok := rec.Get("age")
	require.True(t, ok)
	assert.Equal(t, int64(36), v)
	_, ok = rec.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, map[string]any{"name": "ada", "age": int64(36)}, rec.AsMap())
}

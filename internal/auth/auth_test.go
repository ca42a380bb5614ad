package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenToMapOmitsEmptyKeys(t *testing.T) {
	m := Basic("neo4j", "secret", "").ToMap()
	assert.Equal(t, map[string]any{
		"scheme":      "basic",
		"principal":   "neo4j",
		"credentials": "secret",
	}, m)

	m = None().ToMap()
	assert.Equal(t, map[string]any{"scheme": "none"}, m)
}

func TestTokenIDIsStableAndDistinguishing(t *testing.T) {
	a1 := Basic("alice", "pw", "")
	a2 := Basic("alice", "pw", "")
	b := Basic("bob", "pw", "")

	assert.Equal(t, a1.ID(), a2.ID())
	assert.NotEqual(t, a1.ID(), b.ID())
	assert.NotEqual(t, a1.ID(), Basic("alice", "other", "").ID())
	assert.Len(t, a1.ID(), 64) // hex blake2b-256
}

func TestTokenIDCoversParameters(t *testing.T) {
	c1 := Custom("scheme", "p", "c", "r", map[string]any{"region": "eu"})
	c2 := Custom("scheme", "p", "c", "r", map[string]any{"region": "us"})
	assert.NotEqual(t, c1.ID(), c2.ID())
}

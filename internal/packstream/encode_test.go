package packstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	v5 := Version{5, 0}
	bad := string([]byte{0xff, 0xfe})

	var unencodable *ErrUnencodable

	enc := NewEncoder(v5)
	require.ErrorAs(t, enc.Encode(bad), &unencodable)

	enc.Reset()
	err := enc.Encode(map[string]any{bad: int64(1)})
	require.ErrorAs(t, err, &unencodable)
	assert.Contains(t, err.Error(), "map key")
}

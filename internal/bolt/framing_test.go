package bolt

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestChunkRoundTripSmallMessage(t *testing.T) {
	client, server := pipePair(t)
	payload := []byte{0xb1, 0x01, 0xa0}

	go func() {
		NewChunkWriter(client).WriteMessage(payload)
	}()
	got, err := NewChunkReader(server).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestChunkSplitsOversizedMessage(t *testing.T) {
	client, server := pipePair(t)
	payload := bytes.Repeat([]byte{0xaa}, MaxChunkPayload+100)

	go func() {
		NewChunkWriter(client).WriteMessage(payload)
	}()
	got, err := NewChunkReader(server).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReaderSkipsKeepAliveChunks(t *testing.T) {
	client, server := pipePair(t)
	go func() {
		// Two no-op chunks, then a real message.
		client.Write([]byte{0, 0, 0, 0})
		var buf []byte
		buf = binary.BigEndian.AppendUint16(buf, 2)
		buf = append(buf, 0x01, 0x02)
		buf = binary.BigEndian.AppendUint16(buf, 0)
		client.Write(buf)
	}()
	got, err := NewChunkReader(server).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)
}

func TestReadTimeoutSurfacesAsNetError(t *testing.T) {
	_, server := pipePair(t)
	rd := NewChunkReader(server)
	rd.SetReadTimeout(10 * time.Millisecond)

	_, err := rd.ReadMessage()
	require.Error(t, err)
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
}

package bolt

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/nornax/bolt-driver/internal/packstream"
)

// fakeServer is a scripted Bolt server for exercising the client state
// machine over an in-process pipe. It panics on unexpected traffic, which
// fails the test with a usable stack since the server runs in a goroutine.
type fakeServer struct {
	conn    net.Conn
	rd      *ChunkReader
	wr      *ChunkWriter
	version ProtocolVersion
}

func newFakeServer(conn net.Conn, version ProtocolVersion) *fakeServer {
	return &fakeServer{
		conn:    conn,
		rd:      NewChunkReader(conn),
		wr:      NewChunkWriter(conn),
		version: version,
	}
}

// acceptHandshake reads the 20-byte client handshake and answers with the
// server's fixed version.
func (s *fakeServer) acceptHandshake() {
	req := make([]byte, 20)
	if _, err := io.ReadFull(s.conn, req); err != nil {
		panic(err)
	}
	if [4]byte(req[:4]) != BoltMagic {
		panic(fmt.Sprintf("bad magic %x", req[:4]))
	}
	resp := binary.BigEndian.AppendUint32(nil, uint32(s.version.Minor)<<8|uint32(s.version.Major))
	if _, err := s.conn.Write(resp); err != nil {
		panic(err)
	}
}

// acceptHandshakeManifest answers the handshake with the manifest v1
// sentinel, offers the given versions, and reads the client's selection.
func (s *fakeServer) acceptHandshakeManifest(offered []ProtocolVersion) ProtocolVersion {
	req := make([]byte, 20)
	if _, err := io.ReadFull(s.conn, req); err != nil {
		panic(err)
	}
	resp := binary.BigEndian.AppendUint32(nil, manifestSentinel)
	resp = append(resp, byte(len(offered))) // varint count, < 0x80
	for _, v := range offered {
		resp = append(resp, byte(v.Major), byte(v.Minor))
	}
	resp = append(resp, 0x00) // capability bitmap
	if _, err := s.conn.Write(resp); err != nil {
		panic(err)
	}

	confirm := make([]byte, 5) // 4-byte selection + 1-byte capability varint
	if _, err := io.ReadFull(s.conn, confirm); err != nil {
		panic(err)
	}
	selected := binary.BigEndian.Uint32(confirm[:4])
	return ProtocolVersion{Major: int(selected & 0xff), Minor: int((selected >> 8) & 0xff)}
}

func (s *fakeServer) receiveMsg() (byte, []any) {
	raw, err := s.rd.ReadMessage()
	if err != nil {
		panic(err)
	}
	dec := packstream.NewDecoder(raw, packstream.Version{Major: s.version.Major, Minor: s.version.Minor})
	tag, fields, err := dec.DecodeStruct()
	if err != nil {
		panic(err)
	}
	return tag, fields
}

func (s *fakeServer) expect(tag byte) []any {
	got, fields := s.receiveMsg()
	if got != tag {
		panic(fmt.Sprintf("expected message tag 0x%02x, got 0x%02x (%v)", tag, got, fields))
	}
	return fields
}

func (s *fakeServer) send(tag byte, fields ...any) {
	enc := packstream.NewEncoder(packstream.Version{Major: s.version.Major, Minor: s.version.Minor})
	if err := enc.EncodeStruct(tag, fields); err != nil {
		panic(err)
	}
	if err := s.wr.WriteMessage(enc.Bytes()); err != nil {
		panic(err)
	}
}

func (s *fakeServer) sendSuccess(meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	s.send(tagMsgSuccess, meta)
}

func (s *fakeServer) sendRecord(values ...any) {
	s.send(tagMsgRecord, values)
}

func (s *fakeServer) sendFailure(code, message string) {
	s.send(tagMsgFailure, map[string]any{"code": code, "message": message})
}

func (s *fakeServer) sendIgnored() {
	s.send(tagMsgIgnored)
}

// acceptHello consumes HELLO (and LOGON on 5.1+) and confirms both, with
// the given extra keys merged into the HELLO SUCCESS metadata.
func (s *fakeServer) acceptHello(helloMeta map[string]any) {
	fields := s.expect(tagMsgHello)
	extras, _ := fields[0].(map[string]any)
	if _, ok := extras["user_agent"]; !ok {
		panic("HELLO without user_agent")
	}
	meta := map[string]any{
		"server":        "Neo4j/5.20.0",
		"connection_id": "bolt-test-1",
	}
	for k, v := range helloMeta {
		meta[k] = v
	}
	if s.version.Major > 5 || (s.version.Major == 5 && s.version.Minor >= 1) {
		if _, ok := extras["credentials"]; ok {
			panic("5.1+ HELLO must not inline credentials")
		}
		s.expect(tagMsgLogon)
		s.sendSuccess(meta)
		s.sendSuccess(nil)
		return
	}
	if _, ok := extras["scheme"]; !ok {
		panic("pre-5.1 HELLO must inline the auth token")
	}
	s.sendSuccess(meta)
}

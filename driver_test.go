package boltdriver

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/bolt"
	"github.com/nornax/bolt-driver/internal/packstream"
)

// Bolt message tags, repeated here so the scripted server reads like a
// wire trace.
const (
	msgHello    byte = 0x01
	msgRun      byte = 0x10
	msgBegin    byte = 0x11
	msgCommit   byte = 0x12
	msgRollback byte = 0x13
	msgReset    byte = 0x0f
	msgGoodbye  byte = 0x02
	msgPull     byte = 0x3f
	msgSuccess  byte = 0x70
	msgRecord   byte = 0x71
	msgFailure  byte = 0x7f
	msgIgnored  byte = 0x7e
)

// scriptedServer accepts Bolt 5.0 connections on a real TCP listener and
// plays the given script on each. Bolt 5.0 keeps the fixture small: auth is
// inlined in HELLO and there is no LOGON leg.
type scriptedServer struct {
	t        *testing.T
	listener net.Listener
	version  packstream.Version

	conn net.Conn
	rd   *bolt.ChunkReader
	wr   *bolt.ChunkWriter
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptedServer{t: t, listener: listener, version: packstream.Version{Major: 5, Minor: 0}}
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *scriptedServer) uri() string { return "bolt://" + s.listener.Addr().String() }

// serve runs script for each accepted connection until the listener
// closes.
func (s *scriptedServer) serve(script func()) {
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			s.conn = conn
			s.rd = bolt.NewChunkReader(conn)
			s.wr = bolt.NewChunkWriter(conn)
			s.handshake()
			s.expect(msgHello)
			s.sendSuccess(map[string]any{"server": "Neo4j/5.0.0", "connection_id": "s-1"})
			script()
			conn.Close()
		}
	}()
}

func (s *scriptedServer) handshake() {
	req := make([]byte, 20)
	if _, err := io.ReadFull(s.conn, req); err != nil {
		panic(err)
	}
	resp := binary.BigEndian.AppendUint32(nil, uint32(s.version.Minor)<<8|uint32(s.version.Major))
	if _, err := s.conn.Write(resp); err != nil {
		panic(err)
	}
}

func (s *scriptedServer) expect(tag byte) []any {
	raw, err := s.rd.ReadMessage()
	if err != nil {
		panic(err)
	}
	dec := packstream.NewDecoder(raw, s.version)
	got, fields, err := dec.DecodeStruct()
	if err != nil {
		panic(err)
	}
	if got != tag {
		panic("expected tag " + string(rune(tag)) + ", got " + string(rune(got)))
	}
	return fields
}

func (s *scriptedServer) send(tag byte, fields ...any) {
	enc := packstream.NewEncoder(s.version)
	if err := enc.EncodeStruct(tag, fields); err != nil {
		panic(err)
	}
	if err := s.wr.WriteMessage(enc.Bytes()); err != nil {
		panic(err)
	}
}

func (s *scriptedServer) sendSuccess(meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	s.send(msgSuccess, meta)
}

func testDriver(t *testing.T, uri string) *Driver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryPolicy = ExponentialBackoff{
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
		MaxRetryTime: time.Second,
	}
	driver, err := NewDriver(uri, BasicAuth("neo4j", "secret", ""), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close(context.Background()) })
	return driver
}

func TestSessionRunAutoCommit(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		fields := server.expect(msgRun)
		extras := fields[2].(map[string]any)
		if _, ok := extras["bookmarks"]; ok {
			panic("fresh session must not send bookmarks")
		}
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"x"}})
		server.send(msgRecord, []any{int64(123)})
		server.sendSuccess(map[string]any{"has_more": false, "bookmark": "bm:1", "type": "r"})
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()
	session := driver.NewSession(SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx, "RETURN $x AS x", map[string]any{"x": 123})
	require.NoError(t, err)

	require.True(t, result.Next(ctx))
	v, ok := result.Record().Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(123), v)
	require.False(t, result.Next(ctx))
	require.NoError(t, result.Err())

	sum, err := result.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r", sum.QueryType)
	assert.Equal(t, Bookmarks{"bm:1"}, session.LastBookmarks())
}

func TestBookmarksThreadIntoNextStatement(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		server.expect(msgRun)
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"n"}})
		server.sendSuccess(map[string]any{"has_more": false, "bookmark": "bm:7"})

		fields := server.expect(msgRun)
		extras := fields[2].(map[string]any)
		bms, ok := extras["bookmarks"].([]any)
		if !ok || len(bms) != 1 || bms[0] != "bm:7" {
			panic("second statement must carry the first statement's bookmark verbatim")
		}
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"n"}})
		server.sendSuccess(map[string]any{"has_more": false, "bookmark": "bm:8"})
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()
	session := driver.NewSession(SessionConfig{})

	first, err := session.Run(ctx, "CREATE (n)", nil)
	require.NoError(t, err)
	_, err = first.Consume(ctx)
	require.NoError(t, err)

	second, err := session.Run(ctx, "CREATE (n)", nil)
	require.NoError(t, err)
	_, err = second.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, Bookmarks{"bm:8"}, session.LastBookmarks())
}

func TestManagedTransactionRetriesTransientErrors(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		// Two attempts die with a transient error at RUN, the third
		// commits.
		for i := 0; i < 2; i++ {
			server.expect(msgBegin)
			server.sendSuccess(nil)
			server.expect(msgRun)
			server.expect(msgPull)
			server.send(msgFailure, map[string]any{
				"code":    "Neo.TransientError.General.TransactionMemoryLimit",
				"message": "try again",
			})
			server.send(msgIgnored)
			server.expect(msgReset)
			server.sendSuccess(nil)
		}
		server.expect(msgBegin)
		server.sendSuccess(nil)
		server.expect(msgRun)
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"n"}})
		server.sendSuccess(map[string]any{"has_more": false})
		server.expect(msgCommit)
		server.sendSuccess(map[string]any{"bookmark": "bm:commit"})
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()
	session := driver.NewSession(SessionConfig{})
	defer session.Close(ctx)

	invocations := 0
	start := time.Now()
	_, err := session.ExecuteWrite(ctx, func(tx ManagedTransaction) (any, error) {
		invocations++
		result, err := tx.Run(ctx, "CREATE (n) RETURN n", nil)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, invocations)
	// Two backoff sleeps at 1ms and 2ms minimum.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
	assert.Equal(t, Bookmarks{"bm:commit"}, session.LastBookmarks())
}

func TestManagedTransactionDoesNotRetryClientErrors(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		server.expect(msgBegin)
		server.sendSuccess(nil)
		server.expect(msgRun)
		server.expect(msgPull)
		server.send(msgFailure, map[string]any{
			"code":    "Neo.ClientError.Statement.SyntaxError",
			"message": "no",
		})
		server.send(msgIgnored)
		server.expect(msgReset)
		server.sendSuccess(nil)
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()
	session := driver.NewSession(SessionConfig{})
	defer session.Close(ctx)

	invocations := 0
	_, err := session.ExecuteWrite(ctx, func(tx ManagedTransaction) (any, error) {
		invocations++
		_, err := tx.Run(ctx, "NOT CYPHER", nil)
		return nil, err
	})
	var serverErr *dberr.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, 1, invocations)
}

func TestExecuteQueryCollectsAndTracksBookmarks(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		server.expect(msgBegin)
		server.sendSuccess(nil)
		server.expect(msgRun)
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"n"}})
		server.send(msgRecord, []any{int64(1)})
		server.send(msgRecord, []any{int64(2)})
		server.sendSuccess(map[string]any{"has_more": false, "type": "w"})
		server.expect(msgCommit)
		server.sendSuccess(map[string]any{"bookmark": "bm:eq"})

		// The follow-up query must observe bm:eq through the driver's
		// bookmark manager.
		fields := server.expect(msgBegin)
		extras := fields[0].(map[string]any)
		bms, ok := extras["bookmarks"].([]any)
		if !ok || len(bms) != 1 || bms[0] != "bm:eq" {
			panic("execute_query must thread bookmarks through the manager")
		}
		server.sendSuccess(nil)
		server.expect(msgRun)
		server.expect(msgPull)
		server.sendSuccess(map[string]any{"fields": []any{"n"}})
		server.sendSuccess(map[string]any{"has_more": false})
		server.expect(msgCommit)
		server.sendSuccess(map[string]any{"bookmark": "bm:eq2"})
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()

	result, err := driver.ExecuteQuery(ctx, "CREATE (n) RETURN n", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, result.Keys)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "w", result.Summary.QueryType)

	_, err = driver.ExecuteQuery(ctx, "MATCH (n) RETURN n", nil)
	require.NoError(t, err)
}

func TestUnmanagedTransactionRollback(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {
		server.expect(msgBegin)
		server.sendSuccess(nil)
		server.expect(msgRollback)
		server.sendSuccess(nil)
	})

	driver := testDriver(t, server.uri())
	ctx := context.Background()
	session := driver.NewSession(SessionConfig{})
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	// After rollback the session sends a new BEGIN, which fails only
	// because the scripted server has finished and closed the connection.
	_, err = session.BeginTransaction(ctx)
	require.Error(t, err) // server script is exhausted; connection was closed
}

func TestVerifyConnectivity(t *testing.T) {
	server := newScriptedServer(t)
	server.serve(func() {})

	driver := testDriver(t, server.uri())
	require.NoError(t, driver.VerifyConnectivity(context.Background()))
}

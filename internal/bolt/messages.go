package bolt

import (
	"fmt"

	"github.com/nornax/bolt-driver/internal/packstream"
)

// Bolt message-envelope struct tags. These live here rather than in the
// packstream package: they identify protocol messages, not values, even
// though they ride the same struct-marker byte space on the wire.
const (
	tagMsgHello     byte = 0x01
	tagMsgLogon     byte = 0x6a
	tagMsgLogoff    byte = 0x6b
	tagMsgGoodbye   byte = 0x02
	tagMsgReset     byte = 0x0f
	tagMsgRun       byte = 0x10
	tagMsgBegin     byte = 0x11
	tagMsgCommit    byte = 0x12
	tagMsgRollback  byte = 0x13
	tagMsgDiscard   byte = 0x2f
	tagMsgPull      byte = 0x3f
	tagMsgRoute     byte = 0x66
	tagMsgTelemetry byte = 0x54

	tagMsgSuccess byte = 0x70
	tagMsgRecord  byte = 0x71
	tagMsgIgnored byte = 0x7e
	tagMsgFailure byte = 0x7f
)

// message is a decoded Bolt response: SUCCESS, RECORD, IGNORED or FAILURE,
// identified by its struct tag and carrying its raw field list.
type message struct {
	Tag    byte
	Fields []any
}

func (m message) field(i int) any {
	if i < len(m.Fields) {
		return m.Fields[i]
	}
	return nil
}

func (m message) mapField(i int) map[string]any {
	v, _ := m.field(i).(map[string]any)
	return v
}

// MessageCodec encodes request messages and decodes response messages for
// one negotiated protocol version.
type MessageCodec struct {
	version packstream.Version
}

func NewMessageCodec(version ProtocolVersion) *MessageCodec {
	return &MessageCodec{version: packstream.Version{Major: version.Major, Minor: version.Minor}}
}

func (c *MessageCodec) encodeStruct(tag byte, fields ...any) ([]byte, error) {
	enc := packstream.NewEncoder(c.version)
	if err := enc.EncodeStruct(tag, fields); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// Hello builds a HELLO message. auth is merged directly into the extras
// for Bolt 4.4/5.0, where there is no separate LOGON step.
func (c *MessageCodec) Hello(extras map[string]any) ([]byte, error) {
	return c.encodeStruct(tagMsgHello, extras)
}

func (c *MessageCodec) Logon(auth map[string]any) ([]byte, error) {
	return c.encodeStruct(tagMsgLogon, auth)
}

func (c *MessageCodec) Logoff() ([]byte, error) {
	return c.encodeStruct(tagMsgLogoff)
}

func (c *MessageCodec) Goodbye() ([]byte, error) {
	return c.encodeStruct(tagMsgGoodbye)
}

func (c *MessageCodec) Reset() ([]byte, error) {
	return c.encodeStruct(tagMsgReset)
}

func (c *MessageCodec) Run(cypher string, params map[string]any, extras map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.encodeStruct(tagMsgRun, cypher, params, extras)
}

func (c *MessageCodec) Begin(extras map[string]any) ([]byte, error) {
	return c.encodeStruct(tagMsgBegin, extras)
}

func (c *MessageCodec) Commit() ([]byte, error) {
	return c.encodeStruct(tagMsgCommit)
}

func (c *MessageCodec) Rollback() ([]byte, error) {
	return c.encodeStruct(tagMsgRollback)
}

func (c *MessageCodec) Discard(n int64, qid int64) ([]byte, error) {
	extras := map[string]any{"n": n}
	if qid >= 0 {
		extras["qid"] = qid
	}
	return c.encodeStruct(tagMsgDiscard, extras)
}

func (c *MessageCodec) Pull(n int64, qid int64) ([]byte, error) {
	extras := map[string]any{"n": n}
	if qid >= 0 {
		extras["qid"] = qid
	}
	return c.encodeStruct(tagMsgPull, extras)
}

func (c *MessageCodec) Route(routingContext map[string]string, bookmarks []string, extras map[string]any) ([]byte, error) {
	ctx := make(map[string]any, len(routingContext))
	for k, v := range routingContext {
		ctx[k] = v
	}
	bm := make([]any, len(bookmarks))
	for i, b := range bookmarks {
		bm[i] = b
	}
	return c.encodeStruct(tagMsgRoute, ctx, bm, extras)
}

func (c *MessageCodec) Telemetry(api int64) ([]byte, error) {
	return c.encodeStruct(tagMsgTelemetry, map[string]any{"api": api})
}

// Decode interprets a fully reassembled message payload.
func (c *MessageCodec) Decode(payload []byte) (message, error) {
	dec := packstream.NewDecoder(payload, c.version)
	tag, fields, err := dec.DecodeStruct()
	if err != nil {
		return message{}, fmt.Errorf("bolt: decoding response message: %w", err)
	}
	return message{Tag: tag, Fields: fields}, nil
}

func isResponseTag(tag byte) bool {
	switch tag {
	case tagMsgSuccess, tagMsgRecord, tagMsgIgnored, tagMsgFailure:
		return true
	default:
		return false
	}
}

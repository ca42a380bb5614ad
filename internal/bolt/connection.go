package bolt

import (
	"fmt"
	"net"
	"time"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/dbtype"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

// ConnState is the per-connection protocol state. The machine is
// single-threaded per connection; higher layers must not multiplex.
type ConnState int

const (
	StateNegotiating ConnState = iota
	StateUnauthenticated
	StateReady
	StateStreaming
	StateTxReady
	StateTxStreaming
	StateFailed
	StateInterrupted
	StateDefunct
)

var stateNames = map[ConnState]string{
	StateNegotiating:     "Negotiating",
	StateUnauthenticated: "Unauthenticated",
	StateReady:           "Ready",
	StateStreaming:       "Streaming",
	StateTxReady:         "TxReady",
	StateTxStreaming:     "TxStreaming",
	StateFailed:          "Failed",
	StateInterrupted:     "Interrupted",
	StateDefunct:         "Defunct",
}

func (s ConnState) String() string { return stateNames[s] }

// AccessMode selects the cluster role a statement needs.
type AccessMode int

const (
	WriteMode AccessMode = iota
	ReadMode
)

// TelemetryAPI identifies which driver entry point produced a unit of
// work, reported via TELEMETRY on servers that ask for it.
type TelemetryAPI int64

const (
	TelemetryManagedTx TelemetryAPI = iota
	TelemetryUnmanagedTx
	TelemetryAutoCommit
	TelemetryExecuteQuery
)

// NotificationConfig filters the server-side notifications attached to
// results: a minimum severity plus a set of disabled categories.
type NotificationConfig struct {
	MinSeverity        string
	DisabledCategories []string
}

// toMeta writes the notification keys into an extras map. Supported from
// Bolt 5.2; from 5.5 the category key was renamed to classifications.
func (n NotificationConfig) toMeta(meta map[string]any, v ProtocolVersion) {
	if v.Major < 5 || v.Minor < 2 {
		return
	}
	if n.MinSeverity != "" {
		meta["notifications_minimum_severity"] = n.MinSeverity
	}
	if len(n.DisabledCategories) > 0 {
		vals := make([]any, len(n.DisabledCategories))
		for i, c := range n.DisabledCategories {
			vals[i] = c
		}
		if v.Minor >= 5 {
			meta["notifications_disabled_classifications"] = vals
		} else {
			meta["notifications_disabled_categories"] = vals
		}
	}
}

// TxConfig carries everything a BEGIN or an implicit-transaction RUN can
// put in its extras.
type TxConfig struct {
	Mode             AccessMode
	Bookmarks        []string
	TxTimeout        time.Duration
	TxMeta           map[string]any
	Database         string
	ImpersonatedUser string
	Notification     NotificationConfig
}

func (t TxConfig) toMeta(v ProtocolVersion) map[string]any {
	meta := map[string]any{}
	if t.Mode == ReadMode {
		meta["mode"] = "r"
	}
	if len(t.Bookmarks) > 0 {
		bms := make([]any, len(t.Bookmarks))
		for i, b := range t.Bookmarks {
			bms[i] = b
		}
		meta["bookmarks"] = bms
	}
	if ms := t.TxTimeout.Milliseconds(); ms > 0 {
		meta["tx_timeout"] = ms
	}
	if len(t.TxMeta) > 0 {
		meta["tx_metadata"] = t.TxMeta
	}
	if t.Database != "" {
		meta["db"] = t.Database
	}
	if t.ImpersonatedUser != "" {
		meta["imp_user"] = t.ImpersonatedUser
	}
	t.Notification.toMeta(meta, v)
	return meta
}

// Summary is the terminal metadata of a finished result stream.
type Summary struct {
	Bookmark      string
	QueryType     string
	TFirst        int64
	TLast         int64
	Counters      map[string]int64
	Database      string
	Notifications []map[string]any
}

// Stream is one open result: field keys, the server-side query id, and
// the records buffered ahead of the consumer.
type Stream struct {
	Keys []string

	qid       int64
	fetchSize int64
	tFirst    int64
	buf       []*dbtype.Record
	attached  bool // a PULL batch is in flight on the connection
	sum       *Summary
	err       error
}

// Summary returns the terminal summary once the stream is exhausted.
func (s *Stream) Summary() *Summary { return s.sum }

// ConnectConfig parameterizes Connect.
type ConnectConfig struct {
	UserAgent      string
	BoltAgent      map[string]any
	Auth           map[string]any
	AuthID         string
	RoutingContext map[string]string
	Notification   NotificationConfig
	Logger         driverlog.Logger
	WireLogger     driverlog.BoltLogger
}

// Conn drives the Bolt protocol over one transport. It serializes
// outgoing requests and correlates each server response with the head of
// the pending-request queue; since every public method is synchronous the
// queue never holds more than the one or two pipelined requests a single
// operation sends.
type Conn struct {
	netConn net.Conn
	addr    string
	rd      *ChunkReader
	wr      *ChunkWriter
	codec   *MessageCodec
	version ProtocolVersion

	state     ConnState
	err       error // sticky fatal error
	stream    *Stream
	birth     time.Time
	idleSince time.Time

	serverAgent      string
	connID           string
	telemetryEnabled bool

	authID    string
	database  string
	bookmark  string
	pinHomeDB func(string)

	log     driverlog.Logger
	wireLog driverlog.BoltLogger
}

// Connect negotiates the protocol version over conn, authenticates, and
// returns the connection in Ready state. conn is already TLS-wrapped when
// the scheme asks for it; Connect owns it from here on and closes it on
// any error.
func Connect(conn net.Conn, addr string, cfg ConnectConfig) (*Conn, error) {
	version, err := Handshake(conn, DefaultProposals())
	if err != nil {
		conn.Close()
		return nil, &dberr.TransportError{Op: "handshake", Err: err}
	}

	now := time.Now()
	c := &Conn{
		netConn:   conn,
		addr:      addr,
		rd:        NewChunkReader(conn),
		wr:        NewChunkWriter(conn),
		codec:     NewMessageCodec(version),
		version:   version,
		state:     StateUnauthenticated,
		birth:     now,
		idleSince: now,
		authID:    cfg.AuthID,
		log:       cfg.Logger.WithValues("address", addr, "bolt", version.String()),
		wireLog:   cfg.WireLogger,
	}

	if err := c.hello(cfg); err != nil {
		c.closeTransport()
		return nil, err
	}
	c.state = StateReady
	c.log.Debug("connected", "server", c.serverAgent, "connection_id", c.connID)
	return c, nil
}

func (c *Conn) hello(cfg ConnectConfig) error {
	extras := map[string]any{"user_agent": cfg.UserAgent}
	if cfg.RoutingContext != nil {
		ctx := make(map[string]any, len(cfg.RoutingContext))
		for k, v := range cfg.RoutingContext {
			ctx[k] = v
		}
		extras["routing"] = ctx
	}
	if c.supportsBoltAgent() && cfg.BoltAgent != nil {
		extras["bolt_agent"] = cfg.BoltAgent
	}
	cfg.Notification.toMeta(extras, c.version)

	if !c.SupportsReAuth() {
		// Pre-5.1 inlines the auth token in HELLO; there is no LOGON.
		for k, v := range cfg.Auth {
			if _, exists := extras[k]; !exists {
				extras[k] = v
			}
		}
	}

	payload, err := c.codec.Hello(extras)
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("HELLO %v", redactAuth(extras))
	if err := c.write(payload); err != nil {
		return err
	}
	if c.SupportsReAuth() {
		logon, err := c.codec.Logon(cfg.Auth)
		if err != nil {
			return &dberr.SerializationError{Reason: err.Error()}
		}
		c.logClient("LOGON {scheme: %v}", cfg.Auth["scheme"])
		if err := c.write(logon); err != nil {
			return err
		}
	}

	meta, err := c.expectSuccess()
	if err != nil {
		if c.SupportsReAuth() {
			c.receive() // the LOGON response, IGNORED after the failure
		}
		return err
	}
	c.onHelloSuccess(meta)

	if c.SupportsReAuth() {
		if _, err := c.expectSuccess(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) onHelloSuccess(meta map[string]any) {
	c.serverAgent, _ = meta["server"].(string)
	c.connID, _ = meta["connection_id"].(string)
	if hints, ok := meta["hints"].(map[string]any); ok {
		if secs, ok := asInt(hints["connection.recv_timeout_seconds"]); ok && secs > 0 {
			c.rd.SetReadTimeout(time.Duration(secs) * time.Second)
		}
		if enabled, ok := hints["telemetry.enabled"].(bool); ok {
			c.telemetryEnabled = enabled
		}
	}
}

// Run sends RUN pipelined with the first PULL and leaves the connection
// Streaming (or TxStreaming inside an explicit transaction). fetchSize of
// -1 pulls everything in one batch.
func (c *Conn) Run(cypher string, params map[string]any, tx TxConfig, fetchSize int64) (*Stream, error) {
	if err := c.assertState(StateReady, StateTxReady); err != nil {
		return nil, err
	}
	inTx := c.state == StateTxReady

	var extras map[string]any
	if inTx {
		extras = map[string]any{}
	} else {
		extras = tx.toMeta(c.version)
	}
	run, err := c.codec.Run(cypher, params, extras)
	if err != nil {
		return nil, &dberr.SerializationError{Reason: err.Error()}
	}
	if fetchSize <= 0 {
		fetchSize = -1
	}
	pull, err := c.codec.Pull(fetchSize, -1)
	if err != nil {
		return nil, &dberr.SerializationError{Reason: err.Error()}
	}

	c.logClient("RUN %q %v %v", cypher, params, extras)
	if err := c.write(run); err != nil {
		return nil, err
	}
	c.logClient("PULL {n: %d}", fetchSize)
	if err := c.write(pull); err != nil {
		return nil, err
	}

	meta, err := c.expectSuccess()
	if err != nil {
		c.receive() // the PULL response, IGNORED after the failure
		return nil, err
	}
	c.pinDatabase(meta)

	stream := &Stream{qid: -1, fetchSize: fetchSize, attached: true}
	stream.Keys = toStrings(meta["fields"])
	if qid, ok := asInt(meta["qid"]); ok {
		stream.qid = qid
	}
	stream.tFirst, _ = asInt(meta["t_first"])
	if inTx {
		c.state = StateTxStreaming
	} else {
		c.state = StateStreaming
	}
	c.stream = stream
	return stream, nil
}

// Next returns the stream's next record, or its summary when exhausted.
// Exactly one of record, summary and err is non-nil.
func (c *Conn) Next(s *Stream) (*dbtype.Record, *Summary, error) {
	if len(s.buf) > 0 {
		rec := s.buf[0]
		s.buf = s.buf[1:]
		return rec, nil, nil
	}
	if s.sum != nil {
		return nil, s.sum, nil
	}
	if s.err != nil {
		return nil, nil, s.err
	}
	if s != c.stream || !s.attached {
		return nil, nil, &dberr.UsageError{Message: "result consumed after its stream was closed"}
	}

	for {
		msg, err := c.receive()
		if err != nil {
			s.err = err
			s.attached = false
			return nil, nil, err
		}
		switch msg.Tag {
		case tagMsgRecord:
			values, _ := msg.field(0).([]any)
			return dbtype.NewRecord(s.Keys, values), nil, nil
		case tagMsgSuccess:
			meta := msg.mapField(0)
			if hasMore, _ := meta["has_more"].(bool); hasMore {
				if err := c.sendPull(s); err != nil {
					s.err = err
					return nil, nil, err
				}
				continue
			}
			c.finishStream(s, meta)
			return nil, s.sum, nil
		case tagMsgFailure:
			err := c.serverFailure(msg.mapField(0))
			s.err = err
			s.attached = false
			return nil, nil, err
		default:
			return nil, nil, c.violation("unexpected response tag 0x%02x while streaming", msg.Tag)
		}
	}
}

// Buffer pulls every remaining record of s into memory, detaching it from
// the connection so another statement can run while the caller keeps
// iterating the buffered records.
func (c *Conn) Buffer(s *Stream) error {
	if s.sum != nil || s.err != nil || !s.attached || s != c.stream {
		return s.err
	}
	for {
		msg, err := c.receive()
		if err != nil {
			s.err = err
			s.attached = false
			return err
		}
		switch msg.Tag {
		case tagMsgRecord:
			values, _ := msg.field(0).([]any)
			s.buf = append(s.buf, dbtype.NewRecord(s.Keys, values))
		case tagMsgSuccess:
			meta := msg.mapField(0)
			if hasMore, _ := meta["has_more"].(bool); hasMore {
				if err := c.sendPull(s); err != nil {
					s.err = err
					return err
				}
				continue
			}
			c.finishStream(s, meta)
			return nil
		case tagMsgFailure:
			err := c.serverFailure(msg.mapField(0))
			s.err = err
			s.attached = false
			return err
		default:
			return c.violation("unexpected response tag 0x%02x while buffering", msg.Tag)
		}
	}
}

// Consume discards the remaining records of s server-side and returns the
// summary. Buffered records already fetched stay readable.
func (c *Conn) Consume(s *Stream) (*Summary, error) {
	if s.sum != nil {
		return s.sum, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	if !s.attached || s != c.stream {
		return nil, &dberr.UsageError{Message: "result consumed after its stream was closed"}
	}

	// Drain the in-flight batch, then DISCARD whatever the server still
	// holds for this query.
	for {
		msg, err := c.receive()
		if err != nil {
			s.err = err
			s.attached = false
			return nil, err
		}
		switch msg.Tag {
		case tagMsgRecord:
			continue
		case tagMsgSuccess:
			meta := msg.mapField(0)
			if hasMore, _ := meta["has_more"].(bool); hasMore {
				if err := c.sendDiscard(s); err != nil {
					s.err = err
					return nil, err
				}
				continue
			}
			c.finishStream(s, meta)
			return s.sum, nil
		case tagMsgFailure:
			err := c.serverFailure(msg.mapField(0))
			s.err = err
			s.attached = false
			return nil, err
		default:
			return nil, c.violation("unexpected response tag 0x%02x while discarding", msg.Tag)
		}
	}
}

func (c *Conn) sendPull(s *Stream) error {
	payload, err := c.codec.Pull(s.fetchSize, s.qid)
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("PULL {n: %d, qid: %d}", s.fetchSize, s.qid)
	return c.write(payload)
}

func (c *Conn) sendDiscard(s *Stream) error {
	payload, err := c.codec.Discard(-1, s.qid)
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("DISCARD {n: -1, qid: %d}", s.qid)
	return c.write(payload)
}

func (c *Conn) finishStream(s *Stream, meta map[string]any) {
	s.attached = false
	s.sum = c.summaryFromMeta(meta)
	s.sum.TFirst = s.tFirst
	c.stream = nil
	switch c.state {
	case StateTxStreaming:
		c.state = StateTxReady
	case StateStreaming:
		c.state = StateReady
		if s.sum.Bookmark != "" {
			c.bookmark = s.sum.Bookmark
		}
	}
}

func (c *Conn) summaryFromMeta(meta map[string]any) *Summary {
	sum := &Summary{Database: c.database}
	sum.Bookmark, _ = meta["bookmark"].(string)
	sum.QueryType, _ = meta["type"].(string)
	sum.TLast, _ = asInt(meta["t_last"])
	if db, ok := meta["db"].(string); ok {
		sum.Database = db
	}
	if stats, ok := meta["stats"].(map[string]any); ok {
		sum.Counters = make(map[string]int64, len(stats))
		for k, v := range stats {
			if n, ok := asInt(v); ok {
				sum.Counters[k] = n
			}
		}
	}
	if raw, ok := meta["notifications"].([]any); ok {
		for _, n := range raw {
			if m, ok := n.(map[string]any); ok {
				sum.Notifications = append(sum.Notifications, m)
			}
		}
	}
	return sum
}

// TxBegin opens an explicit transaction.
func (c *Conn) TxBegin(tx TxConfig) error {
	if err := c.assertState(StateReady); err != nil {
		return err
	}
	payload, err := c.codec.Begin(tx.toMeta(c.version))
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("BEGIN %v", tx.toMeta(c.version))
	if err := c.write(payload); err != nil {
		return err
	}
	meta, err := c.expectSuccess()
	if err != nil {
		return err
	}
	c.pinDatabase(meta)
	c.state = StateTxReady
	return nil
}

// TxCommit commits the open transaction and returns the server's new
// bookmark. Open streams must be buffered or consumed first.
func (c *Conn) TxCommit() (string, error) {
	if err := c.assertState(StateTxReady); err != nil {
		return "", err
	}
	payload, err := c.codec.Commit()
	if err != nil {
		return "", &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("COMMIT")
	if err := c.write(payload); err != nil {
		return "", err
	}
	meta, err := c.expectSuccess()
	if err != nil {
		return "", err
	}
	c.state = StateReady
	bookmark, _ := meta["bookmark"].(string)
	if bookmark != "" {
		c.bookmark = bookmark
	}
	return bookmark, nil
}

// TxRollback rolls the open transaction back.
func (c *Conn) TxRollback() error {
	if err := c.assertState(StateTxReady); err != nil {
		return err
	}
	payload, err := c.codec.Rollback()
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("ROLLBACK")
	if err := c.write(payload); err != nil {
		return err
	}
	if _, err := c.expectSuccess(); err != nil {
		return err
	}
	c.state = StateReady
	return nil
}

// Route asks this connection (which must target a router) for the routing
// table of the named database; empty means the home database.
func (c *Conn) Route(routingContext map[string]string, bookmarks []string, database string) (map[string]any, error) {
	if err := c.assertState(StateReady); err != nil {
		return nil, err
	}
	extras := map[string]any{}
	if database != "" {
		extras["db"] = database
	}
	payload, err := c.codec.Route(routingContext, bookmarks, extras)
	if err != nil {
		return nil, &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("ROUTE %v %v %v", routingContext, bookmarks, extras)
	if err := c.write(payload); err != nil {
		return nil, err
	}
	meta, err := c.expectSuccess()
	if err != nil {
		return nil, err
	}
	rt, ok := meta["rt"].(map[string]any)
	if !ok {
		return nil, c.violation("ROUTE success without rt field")
	}
	return rt, nil
}

// Telemetry reports the API kind driving the next unit of work. A no-op
// when the server did not enable the hint.
func (c *Conn) Telemetry(api TelemetryAPI) error {
	if !c.telemetryEnabled || !c.supportsTelemetry() {
		return nil
	}
	if err := c.assertState(StateReady, StateTxReady); err != nil {
		return err
	}
	payload, err := c.codec.Telemetry(int64(api))
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("TELEMETRY {api: %d}", api)
	if err := c.write(payload); err != nil {
		return err
	}
	_, err = c.expectSuccess()
	return err
}

// Reset aborts whatever the connection is doing and returns it to Ready:
// open streams are dropped, a Failed condition is cleared, an open
// transaction is rolled back server-side.
func (c *Conn) Reset() error {
	switch c.state {
	case StateDefunct:
		return c.err
	case StateReady:
		return nil
	case StateStreaming, StateTxStreaming:
		// Drain the in-flight batch so the RESET response lines up.
		if c.stream != nil {
			if _, err := c.Consume(c.stream); err != nil {
				if c.state == StateDefunct {
					return err
				}
			}
		}
	}
	c.stream = nil
	c.err = nil

	payload, err := c.codec.Reset()
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("RESET")
	if err := c.write(payload); err != nil {
		return err
	}
	for {
		msg, rerr := c.receive()
		if rerr != nil {
			return rerr
		}
		switch msg.Tag {
		case tagMsgSuccess:
			c.state = StateReady
			return nil
		case tagMsgIgnored:
			// Responses to requests that were queued behind the failure.
			continue
		case tagMsgFailure:
			return c.serverFailure(msg.mapField(0))
		default:
			return c.violation("unexpected response tag 0x%02x to RESET", msg.Tag)
		}
	}
}

// ReAuth swaps the connection's credentials via LOGOFF+LOGON. Only legal
// on Bolt >= 5.1.
func (c *Conn) ReAuth(authToken map[string]any, authID string) error {
	if !c.SupportsReAuth() {
		return &dberr.UsageError{Message: "re-authentication requires Bolt 5.1 or later"}
	}
	if err := c.assertState(StateReady); err != nil {
		return err
	}
	logoff, err := c.codec.Logoff()
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	logon, err := c.codec.Logon(authToken)
	if err != nil {
		return &dberr.SerializationError{Reason: err.Error()}
	}
	c.logClient("LOGOFF")
	if err := c.write(logoff); err != nil {
		return err
	}
	c.logClient("LOGON {scheme: %v}", authToken["scheme"])
	if err := c.write(logon); err != nil {
		return err
	}
	if _, err := c.expectSuccess(); err != nil {
		c.receive() // the LOGON response, IGNORED after the failure
		return err
	}
	if _, err := c.expectSuccess(); err != nil {
		return err
	}
	c.authID = authID
	return nil
}

// Close says GOODBYE best-effort and tears the transport down. The
// connection is Defunct afterwards.
func (c *Conn) Close() {
	if c.state != StateDefunct {
		if payload, err := c.codec.Goodbye(); err == nil {
			c.logClient("GOODBYE")
			c.netConn.Write(appendChunked(nil, payload))
		}
	}
	c.closeTransport()
}

func (c *Conn) closeTransport() {
	c.state = StateDefunct
	c.netConn.Close()
}

// appendChunked frames payload without going through the ChunkWriter,
// used for the fire-and-forget GOODBYE.
func appendChunked(buf, payload []byte) []byte {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxChunkPayload {
			n = MaxChunkPayload
		}
		buf = append(buf, byte(n>>8), byte(n))
		buf = append(buf, payload[:n]...)
		payload = payload[n:]
	}
	return append(buf, 0, 0)
}

// --- accessors used by the pool, router and session ---

func (c *Conn) Address() string          { return c.addr }
func (c *Conn) IsAlive() bool            { return c.state != StateDefunct }
func (c *Conn) Version() ProtocolVersion { return c.version }
func (c *Conn) ServerAgent() string      { return c.serverAgent }
func (c *Conn) ConnID() string           { return c.connID }
func (c *Conn) Birth() time.Time         { return c.birth }
func (c *Conn) IdleSince() time.Time     { return c.idleSince }
func (c *Conn) MarkIdle()                { c.idleSince = time.Now() }
func (c *Conn) AuthID() string           { return c.authID }
func (c *Conn) Bookmark() string         { return c.bookmark }
func (c *Conn) State() ConnState         { return c.state }
func (c *Conn) SupportsReAuth() bool {
	return c.version.Major > 5 || (c.version.Major == 5 && c.version.Minor >= 1)
}
func (c *Conn) supportsBoltAgent() bool {
	return c.version.Major > 5 || (c.version.Major == 5 && c.version.Minor >= 3)
}
func (c *Conn) supportsTelemetry() bool {
	return c.version.Major > 5 || (c.version.Major == 5 && c.version.Minor >= 4)
}
func (c *Conn) SupportsSSRHomeDb() bool {
	return c.version.Major > 5 || (c.version.Major == 5 && c.version.Minor >= 8)
}

// SelectDatabase pins the database every subsequent RUN/BEGIN targets.
func (c *Conn) SelectDatabase(db string) { c.database = db }

// Database returns the currently pinned database, empty for home.
func (c *Conn) Database() string { return c.database }

// SetPinHomeDatabaseCallback registers the hook fed with the server's
// resolved home database name from RUN/BEGIN replies (Bolt >= 5.8).
func (c *Conn) SetPinHomeDatabaseCallback(cb func(string)) { c.pinHomeDB = cb }

func (c *Conn) pinDatabase(meta map[string]any) {
	db, ok := meta["db"].(string)
	if !ok || db == "" {
		return
	}
	c.database = db
	if c.pinHomeDB != nil && c.SupportsSSRHomeDb() {
		c.pinHomeDB(db)
	}
}

// --- plumbing ---

func (c *Conn) write(payload []byte) error {
	if err := c.wr.WriteMessage(payload); err != nil {
		c.closeTransport()
		terr := &dberr.TransportError{Op: "write", Err: err}
		c.err = terr
		return terr
	}
	return nil
}

func (c *Conn) receive() (message, error) {
	raw, err := c.rd.ReadMessage()
	if err != nil {
		c.closeTransport()
		var werr error
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			werr = &dberr.TimeoutError{Kind: dberr.TimeoutRead, Err: err}
		} else {
			werr = &dberr.TransportError{Op: "read", Err: err}
		}
		c.err = werr
		return message{}, werr
	}
	msg, err := c.codec.Decode(raw)
	if err != nil {
		c.closeTransport()
		verr := c.violation("undecodable response: %v", err)
		return message{}, verr
	}
	if !isResponseTag(msg.Tag) {
		return message{}, c.violation("non-response tag 0x%02x", msg.Tag)
	}
	c.logServer(msg)
	return msg, nil
}

// expectSuccess reads one response and requires SUCCESS, turning FAILURE
// into a ServerError (state Failed) and anything else into a violation.
func (c *Conn) expectSuccess() (map[string]any, error) {
	msg, err := c.receive()
	if err != nil {
		return nil, err
	}
	switch msg.Tag {
	case tagMsgSuccess:
		return msg.mapField(0), nil
	case tagMsgFailure:
		return nil, c.serverFailure(msg.mapField(0))
	case tagMsgIgnored:
		return nil, &dberr.UsageError{Message: "request ignored; connection needs RESET after a failure"}
	default:
		return nil, c.violation("expected SUCCESS, got tag 0x%02x", msg.Tag)
	}
}

func (c *Conn) serverFailure(meta map[string]any) error {
	err := dberr.NewServerErrorFromMeta(meta)
	c.state = StateFailed
	c.log.Debug("server failure", "code", err.Code, "message", err.Message)
	return err
}

func (c *Conn) violation(format string, args ...any) error {
	c.closeTransport()
	verr := &dberr.ProtocolViolation{State: c.state.String(), Message: fmt.Sprintf(format, args...)}
	c.err = verr
	c.log.Error(verr, "protocol violation")
	return verr
}

func (c *Conn) logClient(format string, args ...any) {
	if c.wireLog != nil {
		c.wireLog.LogClientMessage(c.connID, format, args...)
	}
}

func (c *Conn) logServer(msg message) {
	if c.wireLog == nil {
		return
	}
	switch msg.Tag {
	case tagMsgSuccess:
		c.wireLog.LogServerMessage(c.connID, "SUCCESS %v", msg.field(0))
	case tagMsgRecord:
		c.wireLog.LogServerMessage(c.connID, "RECORD %v", msg.field(0))
	case tagMsgIgnored:
		c.wireLog.LogServerMessage(c.connID, "IGNORED")
	case tagMsgFailure:
		c.wireLog.LogServerMessage(c.connID, "FAILURE %v", msg.field(0))
	}
}

// assertState guards a client-initiated operation; a mismatch is the
// caller's bug (UsageError), not a protocol violation, and leaves the
// connection's state untouched. A prior fatal error is forwarded instead
// since it is the likelier root cause.
func (c *Conn) assertState(allowed ...ConnState) error {
	if c.err != nil {
		return c.err
	}
	for _, a := range allowed {
		if c.state == a {
			return nil
		}
	}
	return &dberr.UsageError{Message: fmt.Sprintf("operation not legal in connection state %s", c.state)}
}

func redactAuth(extras map[string]any) map[string]any {
	if _, ok := extras["credentials"]; !ok {
		return extras
	}
	out := make(map[string]any, len(extras))
	for k, v := range extras {
		if k == "credentials" {
			out[k] = "<redacted>"
			continue
		}
		out[k] = v
	}
	return out
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

package boltdriver

import (
	"context"
	"time"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/auth"
	"github.com/nornax/bolt-driver/internal/bolt"
	"github.com/nornax/bolt-driver/internal/driverlog"
	"github.com/nornax/bolt-driver/internal/pool"
)

// TransactionConfig carries the per-transaction options of Run,
// BeginTransaction and the managed forms.
type TransactionConfig struct {
	// Timeout is enforced server-side; zero means the server default.
	Timeout time.Duration
	// Metadata is attached to the transaction, visible in monitoring.
	Metadata map[string]any
}

// WithTxTimeout sets the server-side transaction timeout.
func WithTxTimeout(timeout time.Duration) func(*TransactionConfig) {
	return func(c *TransactionConfig) { c.Timeout = timeout }
}

// WithTxMetadata attaches metadata to the transaction.
func WithTxMetadata(metadata map[string]any) func(*TransactionConfig) {
	return func(c *TransactionConfig) { c.Metadata = metadata }
}

// ManagedTransaction is the surface a unit of work sees inside
// ExecuteRead/ExecuteWrite: it can run statements but not commit or roll
// back; the driver owns the life-cycle.
type ManagedTransaction interface {
	Run(ctx context.Context, cypher string, params map[string]any) (*Result, error)
}

// ManagedTransactionWork is the caller-supplied unit of work. It must be
// idempotent from the server's point of view across retries: it may run
// several times, but at most one invocation commits.
type ManagedTransactionWork func(tx ManagedTransaction) (any, error)

// Session is a single-threaded causal scope: statements observe each
// other in program order and bookmarks carry that ordering to other
// sessions. At most one result is live at a time; starting a new one
// buffers the previous.
type Session struct {
	driver    *Driver
	config    SessionConfig
	bookmarks Bookmarks
	fetchSize int
	log       driverlog.Logger

	current *Result
	tx      *ExplicitTransaction
	closed  bool
}

// LastBookmarks returns the bookmark set the session has observed so far,
// to thread into another session for causal chaining.
func (s *Session) LastBookmarks() Bookmarks {
	return append(Bookmarks{}, s.bookmarks...)
}

// Run executes cypher as an auto-commit statement and returns its lazily
// streamed result.
func (s *Session) Run(ctx context.Context, cypher string, params map[string]any, configurers ...func(*TransactionConfig)) (*Result, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if err := s.settlePrevious(ctx); err != nil {
		return nil, err
	}
	txConfig := buildTxConfig(configurers)

	ctx, span := s.driver.tracer.Start(ctx, "bolt.run")
	defer span.End()

	conn, addr, err := s.acquireConn(ctx, bolt.WriteMode)
	if err != nil {
		return nil, err
	}
	if err := conn.Telemetry(bolt.TelemetryAutoCommit); err != nil {
		s.driver.pool.Release(conn)
		return nil, err
	}

	stream, err := conn.Run(cypher, params, bolt.TxConfig{
		Mode:             bolt.WriteMode,
		Bookmarks:        s.bookmarks,
		TxTimeout:        txConfig.Timeout,
		TxMeta:           txConfig.Metadata,
		Database:         s.config.Database,
		ImpersonatedUser: s.config.ImpersonatedUser,
		Notification:     s.driver.config.notificationConfig(),
	}, int64(s.fetchSize))
	if err != nil {
		s.noteStatementError(err, addr, bolt.WriteMode)
		s.driver.pool.Release(conn)
		return nil, err
	}

	result := newResult(conn, stream, func(sum *bolt.Summary, err error) {
		if err != nil {
			s.noteStatementError(err, addr, bolt.WriteMode)
		}
		if sum != nil && sum.Bookmark != "" {
			s.bookmarks = Bookmarks{sum.Bookmark}
		}
		s.current = nil
		s.driver.pool.Release(conn)
	})
	s.current = result
	return result, nil
}

// BeginTransaction opens an unmanaged transaction. The caller owns commit
// and rollback.
func (s *Session) BeginTransaction(ctx context.Context, configurers ...func(*TransactionConfig)) (*ExplicitTransaction, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if s.tx != nil {
		return nil, &dberr.UsageError{Message: "session already has an open transaction"}
	}
	if err := s.settlePrevious(ctx); err != nil {
		return nil, err
	}
	return s.beginTx(ctx, buildTxConfig(configurers), bolt.TelemetryUnmanagedTx, bolt.WriteMode)
}

func (s *Session) beginTx(ctx context.Context, txConfig TransactionConfig, api bolt.TelemetryAPI, mode bolt.AccessMode) (*ExplicitTransaction, error) {
	ctx, span := s.driver.tracer.Start(ctx, "bolt.begin")
	defer span.End()

	conn, addr, err := s.acquireConn(ctx, mode)
	if err != nil {
		return nil, err
	}
	if err := conn.Telemetry(api); err != nil {
		s.driver.pool.Release(conn)
		return nil, err
	}
	err = conn.TxBegin(bolt.TxConfig{
		Mode:             mode,
		Bookmarks:        s.bookmarks,
		TxTimeout:        txConfig.Timeout,
		TxMeta:           txConfig.Metadata,
		Database:         s.config.Database,
		ImpersonatedUser: s.config.ImpersonatedUser,
		Notification:     s.driver.config.notificationConfig(),
	})
	if err != nil {
		s.noteStatementError(err, addr, mode)
		s.driver.pool.Release(conn)
		return nil, err
	}
	tx := &ExplicitTransaction{session: s, conn: conn, addr: addr, mode: mode}
	s.tx = tx
	return tx, nil
}

// ExecuteRead runs work in a managed read transaction with retry.
func (s *Session) ExecuteRead(ctx context.Context, work ManagedTransactionWork, configurers ...func(*TransactionConfig)) (any, error) {
	return s.runManagedAPI(ctx, bolt.ReadMode, work, configurers, bolt.TelemetryManagedTx)
}

// ExecuteWrite runs work in a managed write transaction with retry.
func (s *Session) ExecuteWrite(ctx context.Context, work ManagedTransactionWork, configurers ...func(*TransactionConfig)) (any, error) {
	return s.runManagedAPI(ctx, bolt.WriteMode, work, configurers, bolt.TelemetryManagedTx)
}

// runManagedAPI is the retry loop: each attempt opens a fresh transaction,
// runs the unit of work and commits. Retryable failures sleep per the
// policy until the budget is exhausted; everything else propagates
// unchanged.
func (s *Session) runManagedAPI(ctx context.Context, mode bolt.AccessMode, work ManagedTransactionWork, configurers []func(*TransactionConfig), api bolt.TelemetryAPI) (any, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if err := s.settlePrevious(ctx); err != nil {
		return nil, err
	}
	txConfig := buildTxConfig(configurers)
	policy := s.driver.retryPolicy()
	start := time.Now()

	attempt := 0
	for {
		attempt++
		result, err := s.attemptManaged(ctx, mode, work, txConfig, api)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		delay, ok := policy.NextDelay(attempt, time.Since(start))
		if !ok {
			return nil, err
		}
		s.log.Info("retrying transaction", "attempt", attempt, "delay", delay.String(), "cause", err.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, err
		}
	}
}

func (s *Session) attemptManaged(ctx context.Context, mode bolt.AccessMode, work ManagedTransactionWork, txConfig TransactionConfig, api bolt.TelemetryAPI) (any, error) {
	tx, err := s.beginTx(ctx, txConfig, api, mode)
	if err != nil {
		return nil, err
	}
	result, err := work(managedTx{tx: tx})
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// managedTx restricts an ExplicitTransaction to the ManagedTransaction
// surface so a unit of work cannot commit underneath the retry loop.
type managedTx struct {
	tx *ExplicitTransaction
}

func (m managedTx) Run(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return m.tx.Run(ctx, cypher, params)
}

// Close settles any live result, rolls an open transaction back and
// detaches the session from the driver. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if s.current != nil {
		if _, err := s.current.Consume(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tx != nil {
		if err := s.tx.Rollback(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) checkUsable() error {
	if s.closed {
		return &dberr.UsageError{Message: "session is closed"}
	}
	if s.tx != nil {
		return &dberr.UsageError{Message: "session has an open transaction; commit or roll it back first"}
	}
	return nil
}

// settlePrevious buffers the still-live result so its connection frees up
// for the next statement while the caller can keep reading it.
func (s *Session) settlePrevious(ctx context.Context) error {
	if s.current == nil {
		return nil
	}
	prev := s.current
	s.current = nil
	return prev.buffer(ctx)
}

// sessionAuth resolves the token for this session: the session-level
// override dominates the driver-level provider.
func (s *Session) sessionAuth() (auth.Token, error) {
	if s.config.Auth != nil {
		return *s.config.Auth, nil
	}
	return s.driver.currentAuth()
}

// acquireConn picks a server (through the routing table for routed URIs)
// and checks a connection out of the pool, wiring the home-database pin
// hook.
func (s *Session) acquireConn(ctx context.Context, mode bolt.AccessMode) (*bolt.Conn, string, error) {
	token, err := s.sessionAuth()
	if err != nil {
		return nil, "", err
	}

	addr := s.driver.target.address
	if s.driver.router != nil {
		addr, err = s.selectServer(ctx, mode, token)
		if err != nil {
			return nil, "", err
		}
	}

	pconn, err := s.driver.pool.Acquire(ctx, addr, token)
	if err != nil {
		return nil, "", err
	}
	conn := pconn.(*bolt.Conn)
	conn.SelectDatabase(s.config.Database)
	s.wireHomeDbPin(conn, token)
	return conn, addr, nil
}

// selectServer consults the routing table for the session's database,
// optimistically substituting the cached home-database name when the
// session targets the default database.
func (s *Session) selectServer(ctx context.Context, mode bolt.AccessMode, token auth.Token) (string, error) {
	database := s.config.Database
	if database == "" && s.driver.homeDb != nil {
		if cached, ok := s.driver.homeDb.Get(token.ID()); ok {
			database = cached
		}
	}
	table, err := s.driver.router.GetTable(ctx, database, s.bookmarks)
	if err != nil {
		return "", err
	}
	return s.driver.router.SelectServer(table, mode)
}

// wireHomeDbPin feeds the home-database cache from RUN/BEGIN replies; a
// server reply disagreeing with the cached name evicts the entry first.
func (s *Session) wireHomeDbPin(conn *bolt.Conn, token auth.Token) {
	if s.driver.homeDb == nil || s.config.Database != "" {
		conn.SetPinHomeDatabaseCallback(nil)
		return
	}
	principal := token.ID()
	cached, hadCached := s.driver.homeDb.Get(principal)
	conn.SetPinHomeDatabaseCallback(func(db string) {
		if hadCached && cached != db {
			s.driver.homeDb.Evict(principal)
		}
		s.driver.homeDb.Put(principal, db)
	})
}

// noteStatementError updates routing state after a failure: a NotALeader
// class error on a write marks the writer bad and invalidates the table.
func (s *Session) noteStatementError(err error, addr string, mode bolt.AccessMode) {
	if s.driver.router == nil || mode != bolt.WriteMode {
		return
	}
	if serverErr, ok := err.(*dberr.ServerError); ok && serverErr.IsClusterRoleError() {
		s.driver.router.MarkBadWriter(addr, s.config.Database)
	}
}

func buildTxConfig(configurers []func(*TransactionConfig)) TransactionConfig {
	var cfg TransactionConfig
	for _, c := range configurers {
		c(&cfg)
	}
	return cfg
}

var _ pool.Conn = (*bolt.Conn)(nil)

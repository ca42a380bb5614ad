package boltdriver

import (
	"context"

	"github.com/nornax/bolt-driver/dbtype"
	"github.com/nornax/bolt-driver/internal/bolt"
)

// RoutingControl steers an ExecuteQuery call to readers or writers.
type RoutingControl int

const (
	RoutingWrite RoutingControl = iota
	RoutingRead
)

// ExecuteQueryConfig parameterizes one ExecuteQuery call.
type ExecuteQueryConfig struct {
	Database         string
	ImpersonatedUser string
	Routing          RoutingControl
	// BookmarkManager unions bookmarks across sessions targeting the same
	// database; nil uses the driver's shared manager and
	// WithoutBookmarkManager opts out entirely.
	BookmarkManager BookmarkManager
	noBookmarks     bool
	// Auth overrides both driver- and session-level credentials for this
	// call.
	Auth *AuthToken
}

// WithReadRouting routes the query to a reader.
func WithReadRouting() func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.Routing = RoutingRead }
}

// WithDatabase targets a specific database.
func WithDatabase(database string) func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.Database = database }
}

// WithImpersonation runs the query as another user.
func WithImpersonation(user string) func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.ImpersonatedUser = user }
}

// WithBookmarkManager substitutes a caller-owned bookmark manager.
func WithBookmarkManager(m BookmarkManager) func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.BookmarkManager = m }
}

// WithoutBookmarkManager opts this call out of causal chaining.
func WithoutBookmarkManager() func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.noBookmarks = true }
}

// WithQueryAuth overrides the credentials for this call only.
func WithQueryAuth(token AuthToken) func(*ExecuteQueryConfig) {
	return func(c *ExecuteQueryConfig) { c.Auth = &token }
}

// EagerResult is a fully materialized query outcome.
type EagerResult struct {
	Keys    []string
	Records []*dbtype.Record
	Summary *ResultSummary
}

// ExecuteQuery runs cypher in a managed transaction with retry, eagerly
// collecting the records. Bookmarks flow through the configured bookmark
// manager so independent ExecuteQuery calls against the same database
// observe each other.
func (d *Driver) ExecuteQuery(ctx context.Context, cypher string, params map[string]any, configurers ...func(*ExecuteQueryConfig)) (*EagerResult, error) {
	var cfg ExecuteQueryConfig
	for _, c := range configurers {
		c(&cfg)
	}
	var bookmarkMgr BookmarkManager
	var previous Bookmarks
	if !cfg.noBookmarks {
		bookmarkMgr = cfg.BookmarkManager
		if bookmarkMgr == nil {
			bookmarkMgr = d.bookmarkMgr
		}
		previous = bookmarkMgr.GetBookmarks()
	}

	session := d.NewSession(SessionConfig{
		Database:         cfg.Database,
		ImpersonatedUser: cfg.ImpersonatedUser,
		Bookmarks:        previous,
		Auth:             cfg.Auth,
	})
	defer session.Close(ctx)

	mode := bolt.WriteMode
	if cfg.Routing == RoutingRead {
		mode = bolt.ReadMode
	}
	work := func(tx ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		eager := &EagerResult{Keys: result.Keys()}
		eager.Records, err = result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		eager.Summary, err = result.Consume(ctx)
		if err != nil {
			return nil, err
		}
		return eager, nil
	}
	out, err := session.runManagedAPI(ctx, mode, work, nil, bolt.TelemetryExecuteQuery)
	if err != nil {
		return nil, err
	}
	if bookmarkMgr != nil {
		bookmarkMgr.UpdateBookmarks(previous, session.LastBookmarks())
	}
	return out.(*EagerResult), nil
}

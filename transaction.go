package boltdriver

import (
	"context"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/bolt"
)

// ExplicitTransaction is an unmanaged transaction: the caller decides
// when to commit or roll back. It owns its connection until closed;
// results left unconsumed at commit/rollback are discarded server-side.
type ExplicitTransaction struct {
	session *Session
	conn    *bolt.Conn
	addr    string
	mode    bolt.AccessMode

	current *Result
	done    bool
}

// Run executes cypher inside the transaction. A previous result still
// live on the transaction is buffered first.
func (tx *ExplicitTransaction) Run(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	if tx.done {
		return nil, &dberr.UsageError{Message: "transaction already closed"}
	}
	if tx.current != nil {
		prev := tx.current
		tx.current = nil
		if err := prev.buffer(ctx); err != nil {
			return nil, err
		}
	}

	stream, err := tx.conn.Run(cypher, params, bolt.TxConfig{}, int64(tx.session.fetchSize))
	if err != nil {
		tx.session.noteStatementError(err, tx.addr, tx.mode)
		return nil, err
	}
	result := newResult(tx.conn, stream, func(_ *bolt.Summary, err error) {
		// Inside a transaction the connection stays with the transaction;
		// stream completion only clears the slot for the next Run.
		tx.current = nil
		if err != nil {
			tx.session.noteStatementError(err, tx.addr, tx.mode)
		}
	})
	tx.current = result
	return result, nil
}

// Commit settles open results, commits server-side and propagates the new
// bookmark to the session.
func (tx *ExplicitTransaction) Commit(ctx context.Context) error {
	if tx.done {
		return &dberr.UsageError{Message: "transaction already closed"}
	}
	if err := tx.settle(ctx); err != nil {
		tx.release()
		return err
	}
	bookmark, err := tx.conn.TxCommit()
	if err != nil {
		tx.session.noteStatementError(err, tx.addr, tx.mode)
		tx.release()
		return err
	}
	if bookmark != "" {
		tx.session.bookmarks = Bookmarks{bookmark}
	}
	tx.release()
	return nil
}

// Rollback discards open results and rolls the transaction back.
// Rolling back a transaction whose connection already failed is a no-op.
func (tx *ExplicitTransaction) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	if !tx.conn.IsAlive() {
		tx.release()
		return nil
	}
	if err := tx.settle(ctx); err != nil {
		tx.release()
		return err
	}
	if tx.conn.State() != bolt.StateTxReady {
		// A failed statement already aborted the transaction server-side;
		// the pool's release RESET finishes the cleanup.
		tx.release()
		return nil
	}
	err := tx.conn.TxRollback()
	tx.release()
	return err
}

// Close rolls back when the transaction is still open, for use with
// defer.
func (tx *ExplicitTransaction) Close(ctx context.Context) error {
	return tx.Rollback(ctx)
}

// settle discards the live result server-side; inside a transaction the
// records are not needed once the caller moves to commit/rollback.
func (tx *ExplicitTransaction) settle(ctx context.Context) error {
	if tx.current == nil {
		return nil
	}
	prev := tx.current
	tx.current = nil
	if _, err := prev.Consume(ctx); err != nil {
		return err
	}
	return nil
}

// release hands the connection back to the pool exactly once.
func (tx *ExplicitTransaction) release() {
	if tx.done {
		return
	}
	tx.done = true
	tx.session.tx = nil
	tx.session.driver.pool.Release(tx.conn)
}

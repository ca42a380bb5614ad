package boltdriver

import (
	"context"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/dbtype"
	"github.com/nornax/bolt-driver/internal/bolt"
)

// ResultSummary is the terminal metadata of a statement: the new
// bookmark, the query type, counters and server-side timings.
type ResultSummary = bolt.Summary

// Result is a forward-only lazy stream of records ending in a summary.
// Records are demand-fetched in batches of the session's fetch size; the
// Result borrows the session's connection until the stream ends or is
// consumed.
type Result struct {
	conn   *bolt.Conn
	stream *bolt.Stream

	record  *dbtype.Record
	summary *bolt.Summary
	err     error

	// done is invoked exactly once when the stream detaches from the
	// connection, with the summary when there is one. The session uses it
	// to thread bookmarks and hand the connection back.
	done func(*bolt.Summary, error)
}

func newResult(conn *bolt.Conn, stream *bolt.Stream, done func(*bolt.Summary, error)) *Result {
	return &Result{conn: conn, stream: stream, done: done}
}

// Keys returns the field names of the records, available before the first
// Next.
func (r *Result) Keys() []string { return r.stream.Keys }

// Next advances to the next record, returning false at the end of the
// stream or on error.
func (r *Result) Next(ctx context.Context) bool {
	if r.err != nil || r.summary != nil {
		r.record = nil
		return false
	}
	rec, sum, err := r.conn.Next(r.stream)
	switch {
	case err != nil:
		r.fail(err)
		return false
	case sum != nil:
		r.record = nil
		r.summary = sum
		r.finish()
		return false
	default:
		r.record = rec
		return true
	}
}

// Record returns the record Next advanced to.
func (r *Result) Record() *dbtype.Record { return r.record }

// Err returns the error that ended the stream, if any.
func (r *Result) Err() error { return r.err }

// Single requires the stream to hold exactly one record and returns it.
// Zero or more than one record is a UsageError; the stream is fully
// consumed either way.
func (r *Result) Single(ctx context.Context) (*dbtype.Record, error) {
	if !r.Next(ctx) {
		if r.err != nil {
			return nil, r.err
		}
		return nil, &dberr.UsageError{Message: "expected exactly one record, got none"}
	}
	single := r.record
	if r.Next(ctx) {
		// More than one: drain so the connection is reusable, then fail.
		if _, err := r.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, &dberr.UsageError{Message: "expected exactly one record, got more"}
	}
	if r.err != nil {
		return nil, r.err
	}
	return single, nil
}

// Collect buffers every remaining record into a slice.
func (r *Result) Collect(ctx context.Context) ([]*dbtype.Record, error) {
	var out []*dbtype.Record
	for r.Next(ctx) {
		out = append(out, r.record)
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// Consume discards the rest of the stream server-side and returns the
// summary.
func (r *Result) Consume(ctx context.Context) (*ResultSummary, error) {
	if r.summary != nil {
		return r.summary, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	sum, err := r.conn.Consume(r.stream)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.record = nil
	r.summary = sum
	r.finish()
	return sum, nil
}

// buffer pulls the remaining records into memory, detaching the stream
// from the connection. The session calls it before starting the next
// statement so this result stays readable.
func (r *Result) buffer(ctx context.Context) error {
	if r.summary != nil || r.err != nil {
		return r.err
	}
	if err := r.conn.Buffer(r.stream); err != nil {
		r.fail(err)
		return err
	}
	// Buffered records drain via Next; the summary is already known.
	r.summary = nil
	r.detachBuffered()
	return nil
}

// detachBuffered hands the connection back while records remain readable
// from the buffer.
func (r *Result) detachBuffered() {
	sum := r.stream.Summary()
	if done := r.done; done != nil {
		r.done = nil
		done(sum, nil)
	}
	r.summary = nil
}

func (r *Result) fail(err error) {
	r.record = nil
	r.err = err
	if done := r.done; done != nil {
		r.done = nil
		done(nil, err)
	}
}

func (r *Result) finish() {
	if done := r.done; done != nil {
		r.done = nil
		done(r.summary, nil)
	}
}

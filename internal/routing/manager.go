package routing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/bolt"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

// badWriterGrace is how long a writer stays skipped after a NotALeader
// class error before selection considers it again.
const badWriterGrace = 30 * time.Second

// deadRouterGrace keeps a router that failed discovery out of the next
// refresh's pre-seed for this long.
const deadRouterGrace = 30 * time.Second

// Rediscoverer fetches a fresh routing table from one router. Supplied by
// the driver facade, which drives ROUTE over a pooled connection.
type Rediscoverer func(ctx context.Context, router string, database string, bookmarks []string) (*Table, error)

// Manager caches one routing table per database and refreshes them
// single-flighted: concurrent callers for the same database share one
// in-flight discovery and all see the post-refresh table.
type Manager struct {
	seed       func(ctx context.Context) []string
	rediscover Rediscoverer
	inUse      func(addr string) int
	log        driverlog.Logger
	now        func() time.Time

	mu          sync.Mutex
	tables      map[string]*tableState
	badWriters  map[string]time.Time
	deadRouters map[string]time.Time
}

type tableState struct {
	table   *Table
	pending chan struct{} // closed when the in-flight refresh finishes
	err     error
}

// NewManager wires a Manager. seed yields the resolved initial router
// addresses, inUse reports per-address checked-out counts for
// least-connected selection.
func NewManager(seed func(ctx context.Context) []string, rediscover Rediscoverer, inUse func(string) int, log driverlog.Logger) *Manager {
	return &Manager{
		seed:        seed,
		rediscover:  rediscover,
		inUse:       inUse,
		log:         log.WithName("routing"),
		now:         time.Now,
		tables:      map[string]*tableState{},
		badWriters:  map[string]time.Time{},
		deadRouters: map[string]time.Time{},
	}
}

// GetTable returns a fresh routing table for database, refreshing it when
// missing or stale. database empty means the default/home database.
func (m *Manager) GetTable(ctx context.Context, database string, bookmarks []string) (*Table, error) {
	for {
		m.mu.Lock()
		st, ok := m.tables[database]
		if !ok {
			st = &tableState{}
			m.tables[database] = st
		}
		if st.table != nil && !st.table.IsStale(m.now()) {
			t := st.table
			m.mu.Unlock()
			return t, nil
		}
		if st.pending != nil {
			// Another goroutine is already refreshing; wait for it.
			wait := st.pending
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		st.pending = make(chan struct{})
		m.mu.Unlock()

		table, err := m.refresh(ctx, database, bookmarks)

		m.mu.Lock()
		if err == nil {
			st.table = table
		}
		st.err = err
		close(st.pending)
		st.pending = nil
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return table, nil
	}
}

// refresh walks the candidate routers in order until one yields a table.
// Candidates are the current table's routers first, then the seed, minus
// routers that failed discovery within the grace window.
func (m *Manager) refresh(ctx context.Context, database string, bookmarks []string) (*Table, error) {
	var candidates []string
	m.mu.Lock()
	if st, ok := m.tables[database]; ok && st.table != nil {
		candidates = append(candidates, st.table.Routers...)
	}
	m.mu.Unlock()
	for _, s := range m.seed(ctx) {
		if !slices.Contains(candidates, s) {
			candidates = append(candidates, s)
		}
	}
	candidates = m.withoutDeadRouters(candidates)
	if len(candidates) == 0 {
		return nil, &dberr.ServiceUnavailableError{Message: "no routers to contact for discovery"}
	}

	var lastErr error
	for _, router := range candidates {
		table, err := m.rediscover(ctx, router, database, bookmarks)
		if err != nil {
			m.log.Debug("router did not answer discovery", "router", router, "error", err)
			m.mu.Lock()
			m.deadRouters[router] = m.now()
			m.mu.Unlock()
			lastErr = err
			continue
		}
		m.log.Debug("routing table refreshed", "database", database,
			"readers", len(table.Readers), "writers", len(table.Writers), "routers", len(table.Routers))
		return table, nil
	}
	return nil, &dberr.ServiceUnavailableError{Message: "all routers failed discovery", Err: lastErr}
}

func (m *Manager) withoutDeadRouters(candidates []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := candidates[:0]
	for _, c := range candidates {
		if failedAt, ok := m.deadRouters[c]; ok {
			if now.Sub(failedAt) < deadRouterGrace {
				continue
			}
			delete(m.deadRouters, c)
		}
		out = append(out, c)
	}
	return out
}

// Invalidate marks the cached table for database stale so the next
// GetTable refreshes.
func (m *Manager) Invalidate(database string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.tables[database]; ok {
		st.table.Invalidate()
	}
}

// MarkBadWriter records that addr returned a NotALeader class error;
// selection skips it until the grace window passes and the table for the
// database is invalidated so discovery finds the new leader.
func (m *Manager) MarkBadWriter(addr string, database string) {
	m.mu.Lock()
	m.badWriters[addr] = m.now()
	st, ok := m.tables[database]
	m.mu.Unlock()
	if ok {
		st.table.Invalidate()
	}
	m.log.Debug("writer marked bad", "address", addr, "database", database)
}

func (m *Manager) isBadWriter(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	seenAt, ok := m.badWriters[addr]
	if !ok {
		return false
	}
	if m.now().Sub(seenAt) >= badWriterGrace {
		delete(m.badWriters, addr)
		return false
	}
	return true
}

// SelectServer picks an address of the required role from the table in
// least-connected order: fewest checked-out connections wins, ties broken
// randomly. Recently bad writers are skipped for writes.
func (m *Manager) SelectServer(table *Table, mode bolt.AccessMode) (string, error) {
	var pool []string
	if mode == bolt.ReadMode {
		pool = table.Readers
	} else {
		pool = slices.Clone(table.Writers)
		pool = slices.DeleteFunc(pool, m.isBadWriter)
	}
	if len(pool) == 0 {
		return "", &dberr.ServiceUnavailableError{Message: "no server available for the requested role"}
	}

	best := make([]string, 0, len(pool))
	bestCount := -1
	for _, addr := range pool {
		n := m.inUse(addr)
		switch {
		case bestCount < 0 || n < bestCount:
			best = append(best[:0], addr)
			bestCount = n
		case n == bestCount:
			best = append(best, addr)
		}
	}
	return best[rand.Intn(len(best))], nil
}

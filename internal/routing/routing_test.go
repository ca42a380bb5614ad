package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/bolt"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

func staticSeed(addrs ...string) func(context.Context) []string {
	return func(context.Context) []string { return addrs }
}

func tableOf(db string, ttl time.Duration) *Table {
	return &Table{
		Database:  db,
		Readers:   []string{"reader1:7687", "reader2:7687"},
		Writers:   []string{"writer1:7687"},
		Routers:   []string{"router1:7687", "router2:7687"},
		FetchedAt: time.Now(),
		TTL:       ttl,
	}
}

func TestTableFromRouteParsesRoles(t *testing.T) {
	rt := map[string]any{
		"ttl": int64(300),
		"db":  "neo4j",
		"servers": []any{
			map[string]any{"role": "ROUTE", "addresses": []any{"r1:7687", "r2:7687"}},
			map[string]any{"role": "READ", "addresses": []any{"a:7687"}},
			map[string]any{"role": "WRITE", "addresses": []any{"b:7687"}},
		},
	}
	table, err := TableFromRoute(rt, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "neo4j", table.Database)
	assert.Equal(t, []string{"r1:7687", "r2:7687"}, table.Routers)
	assert.Equal(t, []string{"a:7687"}, table.Readers)
	assert.Equal(t, []string{"b:7687"}, table.Writers)
	assert.Equal(t, 300*time.Second, table.TTL)
	assert.False(t, table.IsStale(time.Now()))
}

func TestTableStaleness(t *testing.T) {
	table := tableOf("neo4j", time.Minute)
	now := time.Now()
	assert.False(t, table.IsStale(now))
	assert.True(t, table.IsStale(now.Add(2*time.Minute)))

	table = tableOf("neo4j", time.Minute)
	table.Invalidate()
	assert.True(t, table.IsStale(now))

	assert.True(t, (&Table{}).IsStale(now), "table without routers is stale")
	assert.True(t, (*Table)(nil).IsStale(now))
}

func TestGetTableCachesUntilStale(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(staticSeed("seed:7687"), func(_ context.Context, router, db string, _ []string) (*Table, error) {
		calls.Add(1)
		return tableOf(db, time.Minute), nil
	}, func(string) int { return 0 }, driverlog.Nop())

	t1, err := m.GetTable(context.Background(), "neo4j", nil)
	require.NoError(t, err)
	t2, err := m.GetTable(context.Background(), "neo4j", nil)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, int32(1), calls.Load())

	// A different database gets its own table.
	_, err = m.GetTable(context.Background(), "other", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshFailsOverAcrossRouters(t *testing.T) {
	var tried []string
	m := NewManager(staticSeed("r1:7687", "r2:7687", "r3:7687"), func(_ context.Context, router, db string, _ []string) (*Table, error) {
		tried = append(tried, router)
		if router != "r3:7687" {
			return nil, &dberr.ServiceUnavailableError{Message: "router down"}
		}
		return tableOf(db, time.Minute), nil
	}, func(string) int { return 0 }, driverlog.Nop())

	table, err := m.GetTable(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1:7687", "r2:7687", "r3:7687"}, tried)
	assert.NotNil(t, table)

	// The two failed routers stay out of the next refresh's pre-seed.
	m.Invalidate("")
	tried = nil
	_, err = m.GetTable(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotContains(t, tried, "r1:7687")
	assert.NotContains(t, tried, "r2:7687")
}

func TestRefreshAllRoutersFailing(t *testing.T) {
	m := NewManager(staticSeed("r1:7687"), func(context.Context, string, string, []string) (*Table, error) {
		return nil, errors.New("unreachable")
	}, func(string) int { return 0 }, driverlog.Nop())

	_, err := m.GetTable(context.Background(), "", nil)
	var unavailable *dberr.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestRefreshIsSingleFlighted(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	release := make(chan struct{})
	m := NewManager(staticSeed("r1:7687"), func(_ context.Context, _, db string, _ []string) (*Table, error) {
		n := inflight.Add(1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		<-release
		inflight.Add(-1)
		return tableOf(db, time.Minute), nil
	}, func(string) int { return 0 }, driverlog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetTable(context.Background(), "neo4j", nil)
			if err != nil {
				panic(err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestSelectServerLeastConnected(t *testing.T) {
	counts := map[string]int{"reader1:7687": 3, "reader2:7687": 1}
	m := NewManager(staticSeed(), nil, func(addr string) int { return counts[addr] }, driverlog.Nop())

	table := tableOf("neo4j", time.Minute)
	addr, err := m.SelectServer(table, bolt.ReadMode)
	require.NoError(t, err)
	assert.Equal(t, "reader2:7687", addr)
}

func TestSelectServerSkipsBadWriters(t *testing.T) {
	m := NewManager(staticSeed(), nil, func(string) int { return 0 }, driverlog.Nop())
	table := tableOf("neo4j", time.Minute)
	table.Writers = []string{"w1:7687", "w2:7687"}

	m.MarkBadWriter("w1:7687", "neo4j")
	for i := 0; i < 8; i++ {
		addr, err := m.SelectServer(table, bolt.WriteMode)
		require.NoError(t, err)
		assert.Equal(t, "w2:7687", addr)
	}

	// With every writer bad the selection reports unavailability.
	m.MarkBadWriter("w2:7687", "neo4j")
	_, err := m.SelectServer(table, bolt.WriteMode)
	var unavailable *dberr.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestMarkBadWriterInvalidatesTable(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(staticSeed("r1:7687"), func(_ context.Context, _, db string, _ []string) (*Table, error) {
		calls.Add(1)
		return tableOf(db, time.Minute), nil
	}, func(string) int { return 0 }, driverlog.Nop())

	_, err := m.GetTable(context.Background(), "neo4j", nil)
	require.NoError(t, err)
	m.MarkBadWriter("writer1:7687", "neo4j")
	_, err = m.GetTable(context.Background(), "neo4j", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHomeDbCacheRoundTrip(t *testing.T) {
	cache, err := NewHomeDbCache(16)
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Get("principal-1")
	assert.False(t, ok)

	cache.Put("principal-1", "films")
	// Ristretto applies writes asynchronously.
	require.Eventually(t, func() bool {
		db, ok := cache.Get("principal-1")
		return ok && db == "films"
	}, time.Second, 5*time.Millisecond)

	cache.Evict("principal-1")
	require.Eventually(t, func() bool {
		_, ok := cache.Get("principal-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

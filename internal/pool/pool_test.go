package pool

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
	"github.com/nornax/bolt-driver/internal/auth"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

// stubConn is a scriptable pool.Conn.
type stubConn struct {
	addr      string
	alive     bool
	birth     time.Time
	idleSince time.Time
	authID    string
	reauthOK  bool
	resetErr  error

	mu      sync.Mutex
	resets  int
	reauths int
	closed  bool
}

func newStubConn(addr, authID string) *stubConn {
	now := time.Now()
	return &stubConn{addr: addr, alive: true, birth: now, idleSince: now, authID: authID, reauthOK: true}
}

func (c *stubConn) Address() string      { return c.addr }
func (c *stubConn) IsAlive() bool        { return c.alive }
func (c *stubConn) Birth() time.Time     { return c.birth }
func (c *stubConn) IdleSince() time.Time { return c.idleSince }
func (c *stubConn) MarkIdle()            { c.idleSince = time.Now() }
func (c *stubConn) AuthID() string       { return c.authID }
func (c *stubConn) SupportsReAuth() bool { return c.reauthOK }

func (c *stubConn) ReAuth(_ map[string]any, authID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reauths++
	c.authID = authID
	return nil
}

func (c *stubConn) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	if c.resetErr != nil {
		c.alive = false
		return c.resetErr
	}
	return nil
}

func (c *stubConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.alive = false
}

func testConfig() Config {
	return Config{
		MaxSize:            2,
		AcquisitionTimeout: time.Second,
	}
}

func countingConnector(dialed *atomic.Int32) Connector {
	return func(_ context.Context, addr string, token auth.Token) (Conn, error) {
		dialed.Add(1)
		return newStubConn(addr, token.ID()), nil
	}
}

func TestAcquireDialsThenReusesIdle(t *testing.T) {
	var dialed atomic.Int32
	p := New(testConfig(), countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	c1, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dialed.Load())
	assert.Equal(t, 1, p.InUse("a:7687"))

	p.Release(c1)
	assert.Equal(t, 0, p.InUse("a:7687"))

	c2, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), dialed.Load())
}

func TestAcquireRespectsPerAddressCap(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.AcquisitionTimeout = 50 * time.Millisecond
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	_, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "a:7687", token)
	var timeout *dberr.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, dberr.TimeoutAcquisition, timeout.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, p.InUse("a:7687"))
}

func TestWaiterWokenByRelease(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.MaxSize = 1
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	held, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)

	got := make(chan Conn)
	go func() {
		c, err := p.Acquire(context.Background(), "a:7687", token)
		if err != nil {
			panic(err)
		}
		got <- c
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter queue up
	p.Release(held)

	select {
	case c := <-got:
		assert.Same(t, held, c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestWaiterWokenByDiscard(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.MaxSize = 1
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	held, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	stub := held.(*stubConn)
	stub.resetErr = errors.New("connection gone")

	got := make(chan Conn)
	go func() {
		c, err := p.Acquire(context.Background(), "a:7687", token)
		if err != nil {
			panic(err)
		}
		got <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(held) // reset fails, connection is discarded, slot frees

	select {
	case c := <-got:
		assert.NotSame(t, held, c)
		assert.Equal(t, int32(2), dialed.Load())
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by discard")
	}
	assert.True(t, stub.closed)
}

func TestLifetimeEvictionOnCheckout(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.MaxLifetime = time.Hour
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	c1, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	c1.(*stubConn).birth = time.Now().Add(-2 * time.Hour)
	p.Release(c1)

	c2, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.(*stubConn).closed)
	assert.Equal(t, int32(2), dialed.Load())
}

func TestIdleProbeOnCheckout(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.IdleBeforeTest = time.Minute
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	c1, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	p.Release(c1)
	stub := c1.(*stubConn)
	stub.idleSince = time.Now().Add(-2 * time.Minute)
	resetsBefore := stub.resets

	c2, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Greater(t, stub.resets, resetsBefore)
}

func TestMismatchedAuthTriggersReAuth(t *testing.T) {
	var dialed atomic.Int32
	cfg := testConfig()
	cfg.MaxSize = 1
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())

	tokenA := auth.Basic("alice", "pw", "")
	c1, err := p.Acquire(context.Background(), "a:7687", tokenA)
	require.NoError(t, err)
	p.Release(c1)

	tokenB := auth.Basic("bob", "pw", "")
	c2, err := p.Acquire(context.Background(), "a:7687", tokenB)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	stub := c2.(*stubConn)
	assert.Equal(t, 1, stub.reauths)
	assert.Equal(t, tokenB.ID(), stub.authID)
	assert.Equal(t, int32(1), dialed.Load())
}

func TestMismatchedAuthWithoutReAuthSupportDialsNew(t *testing.T) {
	var dialed atomic.Int32
	p := New(testConfig(), countingConnector(&dialed), driverlog.Nop())

	tokenA := auth.Basic("alice", "pw", "")
	c1, err := p.Acquire(context.Background(), "a:7687", tokenA)
	require.NoError(t, err)
	c1.(*stubConn).reauthOK = false
	p.Release(c1)

	tokenB := auth.Basic("bob", "pw", "")
	c2, err := p.Acquire(context.Background(), "a:7687", tokenB)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, int32(2), dialed.Load())
}

func TestCloseDrainsIdleAndRefusesAcquire(t *testing.T) {
	var dialed atomic.Int32
	p := New(testConfig(), countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	c1, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	checkedOut, err := p.Acquire(context.Background(), "a:7687", token)
	require.NoError(t, err)
	p.Release(c1)

	p.Close()
	assert.True(t, c1.(*stubConn).closed)

	_, err = p.Acquire(context.Background(), "a:7687", token)
	var usage *dberr.UsageError
	require.ErrorAs(t, err, &usage)

	// A connection still out at close time discards itself on release.
	p.Release(checkedOut)
	assert.True(t, checkedOut.(*stubConn).closed)
}

func TestPoolCapInvariantUnderConcurrency(t *testing.T) {
	var dialed atomic.Int32
	cfg := Config{MaxSize: 4, AcquisitionTimeout: 2 * time.Second}
	p := New(cfg, countingConnector(&dialed), driverlog.Nop())
	token := auth.Basic("neo4j", "pw", "")

	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), "a:7687", token)
			if err != nil {
				return
			}
			if n := int32(p.InUse("a:7687")); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			p.Release(c)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.LessOrEqual(t, dialed.Load(), int32(4))
}

// Package pool manages pooled Bolt connections partitioned by target
// address: acquisition with liveness testing, idle/lifetime eviction,
// re-authentication of idle connections, and a bounded number of live
// connections per address with fair waiting.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/auth"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

// Conn is what the pool needs from a pooled connection. *bolt.Conn
// satisfies it; tests substitute stubs.
type Conn interface {
	Address() string
	IsAlive() bool
	Birth() time.Time
	IdleSince() time.Time
	MarkIdle()
	AuthID() string
	SupportsReAuth() bool
	ReAuth(authToken map[string]any, authID string) error
	Reset() error
	Close()
}

// Connector dials, handshakes and authenticates a new connection to addr.
// Supplied by the driver facade so the pool stays transport-agnostic.
type Connector func(ctx context.Context, addr string, token auth.Token) (Conn, error)

// Config bounds the pool's behavior per address.
type Config struct {
	// MaxSize caps idle + checked-out connections per address.
	MaxSize int
	// AcquisitionTimeout bounds how long Acquire blocks overall.
	AcquisitionTimeout time.Duration
	// MaxLifetime evicts connections older than this on checkout.
	MaxLifetime time.Duration
	// IdleBeforeTest triggers a RESET probe on checkout for connections
	// idle longer than this; zero disables the probe.
	IdleBeforeTest time.Duration
}

// server is the per-address partition: the idle stack, the checked-out
// count, and the FIFO of waiters for a free slot.
type server struct {
	idle    []Conn
	inUse   int
	waiters []chan struct{}
}

func (s *server) total() int { return len(s.idle) + s.inUse }

// popIdle removes and returns the newest idle connection matching the
// predicate. Callers hold the pool lock.
func (s *server) popIdle(match func(Conn) bool) Conn {
	for i := len(s.idle) - 1; i >= 0; i-- {
		if match(s.idle[i]) {
			c := s.idle[i]
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			return c
		}
	}
	return nil
}

// wakeOne signals the oldest waiter, if any. Callers hold the pool lock.
func (s *server) wakeOne() {
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

// Pool is the process-wide connection pool.
type Pool struct {
	cfg     Config
	connect Connector
	log     driverlog.Logger

	mu      sync.Mutex
	servers map[string]*server
	closed  bool
}

// New builds a pool dialing through connect. The pool registers
// observable gauges for its per-address idle and checked-out counts on
// the global meter provider.
func New(cfg Config, connect Connector, log driverlog.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		connect: connect,
		log:     log.WithName("pool"),
		servers: map[string]*server{},
	}
	p.registerMetrics()
	return p
}

func (p *Pool) registerMetrics() {
	meter := otel.Meter("github.com/nornax/bolt-driver/internal/pool")
	idleGauge, err1 := meter.Int64ObservableGauge("bolt.pool.idle")
	inUseGauge, err2 := meter.Int64ObservableGauge("bolt.pool.in_use")
	if err1 != nil || err2 != nil {
		return
	}
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for addr, srv := range p.servers {
			attrs := metric.WithAttributes(attribute.String("address", addr))
			o.ObserveInt64(idleGauge, int64(len(srv.idle)), attrs)
			o.ObserveInt64(inUseGauge, int64(srv.inUse), attrs)
		}
		return nil
	}, idleGauge, inUseGauge)
}

func (p *Pool) serverFor(addr string) *server {
	srv, ok := p.servers[addr]
	if !ok {
		srv = &server{}
		p.servers[addr] = srv
	}
	return srv
}

// InUse reports how many connections to addr are currently checked out,
// feeding least-connected routing.
func (p *Pool) InUse(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if srv, ok := p.servers[addr]; ok {
		return srv.inUse
	}
	return 0
}

// Acquire checks a connection to addr out of the pool, dialing a new one
// when under the per-address cap, or waiting for a slot otherwise. The
// returned connection is authenticated as token.
func (p *Pool) Acquire(ctx context.Context, addr string, token auth.Token) (Conn, error) {
	deadline := time.Now().Add(p.cfg.AcquisitionTimeout)
	acqID := uuid.NewString()
	authID := token.ID()

	for {
		conn, reserved, err := p.tryAcquire(addr, token, authID)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
		if reserved {
			return p.dial(ctx, addr, token)
		}

		// Pool is at capacity. Queue as a waiter until a release or
		// discard frees a slot, then retry.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &dberr.TimeoutError{Kind: dberr.TimeoutAcquisition}
		}
		wake := make(chan struct{}, 1)
		p.mu.Lock()
		srv := p.serverFor(addr)
		srv.waiters = append(srv.waiters, wake)
		p.mu.Unlock()
		p.log.Debug("pool exhausted, waiting", "address", addr, "acquisition", acqID)

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			p.removeWaiter(addr, wake)
			return nil, &dberr.TimeoutError{Kind: dberr.TimeoutAcquisition}
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(addr, wake)
			return nil, &dberr.TimeoutError{Kind: dberr.TimeoutAcquisition, Err: ctx.Err()}
		}
	}
}

// tryAcquire pops a healthy idle connection, or reserves a dial slot.
// Returns (conn, false, nil) on a pool hit, (nil, true, nil) when the
// caller should dial into its reserved slot, and (nil, false, nil) when
// the pool is at capacity.
func (p *Pool) tryAcquire(addr string, token auth.Token, authID string) (Conn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, &dberr.UsageError{Message: "pool is closed"}
	}
	srv := p.serverFor(addr)

	// Matching auth first, newest idle first so stale connections age out
	// at the bottom of the stack.
	for {
		c := srv.popIdle(func(c Conn) bool { return c.AuthID() == authID })
		if c == nil {
			break
		}
		srv.inUse++
		p.mu.Unlock()
		if p.checkLiveness(c) {
			return c, false, nil
		}
		p.discard(c)
		p.mu.Lock()
		srv = p.serverFor(addr)
	}

	// Mismatched auth next, usable when the protocol supports re-auth.
	for {
		c := srv.popIdle(Conn.SupportsReAuth)
		if c == nil {
			break
		}
		srv.inUse++
		p.mu.Unlock()
		if !p.checkLiveness(c) {
			p.discard(c)
			p.mu.Lock()
			srv = p.serverFor(addr)
			continue
		}
		if err := c.ReAuth(token.ToMap(), authID); err != nil {
			p.discard(c)
			return nil, false, err
		}
		return c, false, nil
	}

	if srv.total() < p.cfg.MaxSize {
		srv.inUse++ // reserve the slot before dialing outside the lock
		p.mu.Unlock()
		return nil, true, nil
	}
	p.mu.Unlock()
	return nil, false, nil
}

// checkLiveness applies the checkout predicate: broken or over-age
// connections are discarded, long-idle ones get a RESET probe.
func (p *Pool) checkLiveness(c Conn) bool {
	if !c.IsAlive() {
		return false
	}
	if p.cfg.MaxLifetime > 0 && time.Since(c.Birth()) > p.cfg.MaxLifetime {
		p.log.Debug("evicting connection past max lifetime",
			"address", c.Address(), "age", humanize.RelTime(c.Birth(), time.Now(), "old", ""))
		return false
	}
	if p.cfg.IdleBeforeTest > 0 && time.Since(c.IdleSince()) > p.cfg.IdleBeforeTest {
		if err := c.Reset(); err != nil || !c.IsAlive() {
			p.log.Debug("idle probe failed", "address", c.Address(), "error", err)
			return false
		}
	}
	return true
}

func (p *Pool) dial(ctx context.Context, addr string, token auth.Token) (Conn, error) {
	conn, err := p.connect(ctx, addr, token)
	if err != nil {
		// Give the reserved slot back and wake a waiter so it may try.
		p.mu.Lock()
		srv := p.serverFor(addr)
		srv.inUse--
		srv.wakeOne()
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Release returns a checked-out connection. Connections that fail to
// reset are discarded; either way one waiter is woken.
func (p *Pool) Release(c Conn) {
	if err := c.Reset(); err != nil || !c.IsAlive() {
		p.discard(c)
		return
	}

	p.mu.Lock()
	if p.closed {
		srv := p.serverFor(c.Address())
		srv.inUse--
		p.mu.Unlock()
		c.Close()
		return
	}
	c.MarkIdle()
	srv := p.serverFor(c.Address())
	srv.inUse--
	srv.idle = append(srv.idle, c)
	srv.wakeOne()
	p.mu.Unlock()
}

// discard drops a checked-out connection without returning it, waking a
// waiter so it may open a replacement into the freed slot.
func (p *Pool) discard(c Conn) {
	p.mu.Lock()
	srv := p.serverFor(c.Address())
	srv.inUse--
	srv.wakeOne()
	p.mu.Unlock()
	c.Close()
}

func (p *Pool) removeWaiter(addr string, w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	srv := p.serverFor(addr)
	for i, x := range srv.waiters {
		if x == w {
			srv.waiters = append(srv.waiters[:i], srv.waiters[i+1:]...)
			break
		}
	}
	// The slot release that raced with our timeout may have signaled us;
	// pass the wakeup along so it is not lost.
	select {
	case <-w:
		srv.wakeOne()
	default:
	}
}

// Close refuses new acquisitions, drains idle connections with GOODBYE,
// and lets checked-out connections discard themselves on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var drained []Conn
	for _, srv := range p.servers {
		drained = append(drained, srv.idle...)
		srv.idle = nil
		for _, w := range srv.waiters {
			select {
			case w <- struct{}{}:
			default:
			}
		}
		srv.waiters = nil
	}
	p.mu.Unlock()

	for _, c := range drained {
		c.Close()
	}
	p.log.Info("pool closed", "drained", len(drained))
}

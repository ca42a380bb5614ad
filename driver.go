package boltdriver

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/auth"
	"github.com/nornax/bolt-driver/internal/bolt"
	"github.com/nornax/bolt-driver/internal/driverlog"
	"github.com/nornax/bolt-driver/internal/pool"
	"github.com/nornax/bolt-driver/internal/routing"
)

// homeDbCacheSize bounds the per-principal home-database cache.
const homeDbCacheSize = 1000

// Driver is the long-lived entry point: thread-safe, one per target
// cluster, holding the connection pool and routing state. Sessions opened
// from it are single-owner.
type Driver struct {
	target       target
	config       *Config
	authProvider auth.TokenProvider

	pool    *pool.Pool
	router  *routing.Manager // nil for direct schemes
	homeDb  *routing.HomeDbCache
	boltLog driverlog.BoltLogger

	log         driverlog.Logger
	tracer      trace.Tracer
	bookmarkMgr BookmarkManager
	closed      atomic.Bool
}

// NewDriver builds a Driver for uri authenticating as token. A nil config
// takes the defaults.
func NewDriver(uri string, token AuthToken, config *Config) (*Driver, error) {
	return NewDriverWithProvider(uri, auth.StaticProvider{Token: token}, config)
}

// NewDriverWithProvider builds a Driver whose credentials are re-resolved
// through provider before every new connection or re-auth.
func NewDriverWithProvider(uri string, provider AuthTokenProvider, config *Config) (*Driver, error) {
	t, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	var log driverlog.Logger
	if config.Logger.IsZero() {
		log = driverlog.Default("boltdriver")
	} else {
		log = driverlog.New(config.Logger, "boltdriver")
	}

	d := &Driver{
		target:       t,
		config:       config,
		authProvider: provider,
		log:          log,
		tracer:       otel.Tracer("github.com/nornax/bolt-driver"),
		bookmarkMgr:  NewBookmarkManager(nil),
	}
	d.pool = pool.New(pool.Config{
		MaxSize:            config.MaxConnectionPoolSize,
		AcquisitionTimeout: config.ConnectionAcquisitionTimeout,
		MaxLifetime:        config.MaxConnectionLifetime,
		IdleBeforeTest:     config.IdleTimeBeforeConnectionTest,
	}, d.connect, log)

	if t.routed {
		d.router = routing.NewManager(d.seedRouters, d.rediscover, d.pool.InUse, log)
		d.homeDb, err = routing.NewHomeDbCache(homeDbCacheSize)
		if err != nil {
			return nil, &dberr.ConfigurationError{Message: "building home-db cache: " + err.Error()}
		}
	}
	return d, nil
}

// NewSession opens a session: a single-threaded causal scope. Close it
// when done.
func (d *Driver) NewSession(config SessionConfig) *Session {
	fetchSize := config.FetchSize
	if fetchSize == 0 {
		fetchSize = d.config.FetchSize
	}
	return &Session{
		driver:    d,
		config:    config,
		bookmarks: config.Bookmarks,
		fetchSize: fetchSize,
		log:       d.log.WithName("session"),
	}
}

// VerifyConnectivity acquires and releases one connection, surfacing the
// error a session would hit.
func (d *Driver) VerifyConnectivity(ctx context.Context) error {
	s := d.NewSession(SessionConfig{})
	defer s.Close(ctx)
	conn, _, err := s.acquireConn(ctx, bolt.ReadMode)
	if err != nil {
		return err
	}
	d.pool.Release(conn)
	return nil
}

// Close shuts the pool down. Sessions still holding connections discard
// them on release.
func (d *Driver) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.pool.Close()
	if d.homeDb != nil {
		d.homeDb.Close()
	}
	return nil
}

func (d *Driver) retryPolicy() RetryPolicy {
	if d.config.RetryPolicy != nil {
		return d.config.RetryPolicy
	}
	return DefaultRetryPolicy()
}

func (d *Driver) currentAuth() (auth.Token, error) {
	token, err := d.authProvider.GetToken()
	if err != nil {
		return auth.Token{}, &dberr.InvalidatedAuthError{Err: err}
	}
	return token, nil
}

// connect is the pool's Connector: dial, optional TLS, handshake, HELLO.
func (d *Driver) connect(ctx context.Context, addr string, token auth.Token) (pool.Conn, error) {
	netConn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	var routingContext map[string]string
	if d.target.routed {
		routingContext = d.target.routingContext
	}
	conn, err := bolt.Connect(netConn, addr, bolt.ConnectConfig{
		UserAgent: d.config.UserAgent,
		BoltAgent: map[string]any{
			"product":  d.config.UserAgent,
			"language": "Go",
		},
		Auth:           token.ToMap(),
		AuthID:         token.ID(),
		RoutingContext: routingContext,
		Notification:   d.config.notificationConfig(),
		Logger:         d.log,
		WireLogger:     d.boltLog,
	})
	if err != nil {
		if serverErr, ok := err.(*dberr.ServerError); ok && serverErr.IsInvalidatedAuth() {
			d.authProvider.OnTokenExpired(token)
		}
		return nil, err
	}
	return conn, nil
}

// dial opens the raw transport: TCP (optionally via a SOCKS5 jump host),
// then TLS when the scheme asks for it. TCP_NODELAY is the platform
// default for Go sockets; keep-alive follows the config.
func (d *Driver) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.config.ConnectionTimeout}
	if !d.config.KeepAlive {
		dialer.KeepAlive = -1
	}

	var netConn net.Conn
	var err error
	if d.config.SocksProxy != "" {
		var socks proxy.Dialer
		socks, err = proxy.SOCKS5("tcp", d.config.SocksProxy, nil, dialer)
		if err != nil {
			return nil, &dberr.ConfigurationError{Message: "building socks5 dialer: " + err.Error()}
		}
		netConn, err = socks.(proxy.ContextDialer).DialContext(ctx, "tcp", addr)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, &dberr.TimeoutError{Kind: dberr.TimeoutConnect, Err: err}
		}
		return nil, &dberr.TransportError{Op: "dial " + addr, Err: err}
	}

	if d.target.tls == tlsOff {
		return netConn, nil
	}
	tlsCfg := d.config.TLSConfig
	if tlsCfg == nil {
		host, _, _ := net.SplitHostPort(addr)
		tlsCfg = &tls.Config{ServerName: host}
		if d.target.tls == tlsSelfSigned {
			tlsCfg.InsecureSkipVerify = true
		}
	}
	tlsConn := tls.Client(netConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, &dberr.TransportError{Op: "tls handshake " + addr, Err: err}
	}
	return tlsConn, nil
}

// seedRouters resolves the URI address into the initial router set.
func (d *Driver) seedRouters(ctx context.Context) []string {
	if d.config.Resolver != nil {
		return d.config.Resolver(d.target.address)
	}
	return []string{d.target.address}
}

// rediscover drives the ROUTE procedure over a pooled connection to one
// router.
func (d *Driver) rediscover(ctx context.Context, router string, database string, bookmarks []string) (*routing.Table, error) {
	ctx, span := d.tracer.Start(ctx, "bolt.route")
	defer span.End()

	token, err := d.currentAuth()
	if err != nil {
		return nil, err
	}
	conn, err := d.pool.Acquire(ctx, router, token)
	if err != nil {
		return nil, err
	}
	bc := conn.(*bolt.Conn)
	rt, err := bc.Route(d.target.routingContext, bookmarks, database)
	if err != nil {
		d.pool.Release(conn)
		return nil, err
	}
	d.pool.Release(conn)
	return routing.TableFromRoute(rt, database, time.Now())
}

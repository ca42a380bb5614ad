package boltdriver

import (
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/nornax/bolt-driver/dberr"
	"github.com/nornax/bolt-driver/internal/bolt"
)

// FetchAll disables result batching: every PULL asks for the whole
// remainder of the stream.
const FetchAll = -1

// DefaultUserAgent identifies this driver to the server when the embedder
// sets nothing.
const DefaultUserAgent = "nornax-bolt-driver/1.0"

// ServerAddressResolver expands one logical address into the physical
// addresses to contact, for HA front ends that hide several servers
// behind one DNS name.
type ServerAddressResolver func(address string) []string

// Config is the driver-level configuration. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// UserAgent is sent in HELLO.
	UserAgent string `yaml:"user_agent"`
	// MaxConnectionPoolSize caps live connections per server address.
	MaxConnectionPoolSize int `yaml:"max_connection_pool_size"`
	// FetchSize is the record batch size per PULL; FetchAll streams
	// everything in one batch.
	FetchSize int `yaml:"fetch_size"`
	// ConnectionTimeout bounds dialing one server.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// ConnectionAcquisitionTimeout bounds waiting for a pool slot,
	// including dialing.
	ConnectionAcquisitionTimeout time.Duration `yaml:"connection_acquisition_timeout"`
	// MaxConnectionLifetime evicts connections older than this.
	MaxConnectionLifetime time.Duration `yaml:"max_connection_lifetime"`
	// IdleTimeBeforeConnectionTest probes connections idle longer than
	// this with a RESET before reuse; zero disables the probe.
	IdleTimeBeforeConnectionTest time.Duration `yaml:"idle_time_before_connection_test"`
	// KeepAlive enables SO_KEEPALIVE on the socket.
	KeepAlive bool `yaml:"keep_alive"`
	// SocksProxy routes dialing through a SOCKS5 proxy when set
	// ("host:port"), for embedders behind a jump host.
	SocksProxy string `yaml:"socks_proxy"`

	// NotificationsMinSeverity and NotificationsDisabledCategories filter
	// server notifications attached to result summaries.
	NotificationsMinSeverity        string   `yaml:"notifications_min_severity"`
	NotificationsDisabledCategories []string `yaml:"notifications_disabled_categories"`

	// TLSConfig overrides the TLS client configuration built from the URI
	// scheme. Leave nil to follow the scheme: +s verifies against the
	// system roots, +ssc skips verification.
	TLSConfig *tls.Config `yaml:"-"`

	// Resolver expands the URI address into initial router candidates.
	Resolver ServerAddressResolver `yaml:"-"`

	// RetryPolicy paces managed-transaction retries; nil takes
	// DefaultRetryPolicy.
	RetryPolicy RetryPolicy `yaml:"-"`

	// Logger receives driver events. A Logger whose IsZero reports true
	// falls back to the process-wide standard logger; with logr v1.3 and
	// later that includes logr.Discard(), which equals the zero value.
	Logger logr.Logger `yaml:"-"`
}

// DefaultConfig returns the starting-point configuration.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:                    DefaultUserAgent,
		MaxConnectionPoolSize:        100,
		FetchSize:                    1000,
		ConnectionTimeout:            5 * time.Second,
		ConnectionAcquisitionTimeout: 60 * time.Second,
		MaxConnectionLifetime:        time.Hour,
		IdleTimeBeforeConnectionTest: 0,
		KeepAlive:                    true,
	}
}

// ConfigFromYAML loads a Config from a YAML document, starting from the
// defaults so omitted keys keep their default values.
func ConfigFromYAML(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		if _, ok := err.(*dberr.ConfigurationError); ok {
			return nil, err
		}
		return nil, &dberr.ConfigurationError{Message: fmt.Sprintf("parsing yaml config: %v", err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnmarshalYAML overlays the document onto the receiver, accepting Go
// duration strings ("30s", "1h") for the timeout keys and rejecting
// unknown keys.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "user_agent":
			err = val.Decode(&c.UserAgent)
		case "max_connection_pool_size":
			err = val.Decode(&c.MaxConnectionPoolSize)
		case "fetch_size":
			err = val.Decode(&c.FetchSize)
		case "connection_timeout":
			c.ConnectionTimeout, err = decodeDuration(&val)
		case "connection_acquisition_timeout":
			c.ConnectionAcquisitionTimeout, err = decodeDuration(&val)
		case "max_connection_lifetime":
			c.MaxConnectionLifetime, err = decodeDuration(&val)
		case "idle_time_before_connection_test":
			c.IdleTimeBeforeConnectionTest, err = decodeDuration(&val)
		case "keep_alive":
			err = val.Decode(&c.KeepAlive)
		case "socks_proxy":
			err = val.Decode(&c.SocksProxy)
		case "notifications_min_severity":
			err = val.Decode(&c.NotificationsMinSeverity)
		case "notifications_disabled_categories":
			err = val.Decode(&c.NotificationsDisabledCategories)
		default:
			return &dberr.ConfigurationError{Message: fmt.Sprintf("unknown config key %q", key)}
		}
		if err != nil {
			return &dberr.ConfigurationError{Message: fmt.Sprintf("config key %q: %v", key, err)}
		}
	}
	return nil
}

func decodeDuration(node *yaml.Node) (time.Duration, error) {
	var s string
	if err := node.Decode(&s); err != nil {
		return 0, err
	}
	return time.ParseDuration(s)
}

func (c *Config) validate() error {
	if c.MaxConnectionPoolSize <= 0 {
		return &dberr.ConfigurationError{Message: "max_connection_pool_size must be positive"}
	}
	if c.FetchSize == 0 || c.FetchSize < FetchAll {
		return &dberr.ConfigurationError{Message: "fetch_size must be positive or FetchAll"}
	}
	if c.ConnectionAcquisitionTimeout <= 0 {
		return &dberr.ConfigurationError{Message: "connection_acquisition_timeout must be positive"}
	}
	return nil
}

func (c *Config) notificationConfig() bolt.NotificationConfig {
	return bolt.NotificationConfig{
		MinSeverity:        c.NotificationsMinSeverity,
		DisabledCategories: c.NotificationsDisabledCategories,
	}
}

// SessionConfig scopes one causal chain of work.
type SessionConfig struct {
	// Database to run against; empty selects the user's home database.
	Database string
	// Bookmarks this session must observe before its first statement.
	Bookmarks Bookmarks
	// ImpersonatedUser runs every statement as another user, subject to
	// the authenticated user's impersonation privileges.
	ImpersonatedUser string
	// FetchSize overrides the driver-level record batch size; zero
	// inherits it.
	FetchSize int
	// Auth overrides the driver-level credentials for this session
	// (Bolt 5.1+; the pool re-authenticates the connection).
	Auth *AuthToken
}

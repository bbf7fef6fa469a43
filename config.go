package esi

import (
	"crypto/tls"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// ConnectionSettings configures a single Connection (spec §6).
type ConnectionSettings struct {
	// ESIURL is the HTTP/2 host to connect to.
	ESIURL string `yaml:"esi_url"`

	// MaxPendingTime bounds how long a queued request may wait for a
	// session to become READY before it is rejected with a
	// ConnectionTimeoutError.
	MaxPendingTime time.Duration `yaml:"max_pending_time"`

	// ReconnectDelay is the backoff generator used between failed connect
	// attempts. Left nil to use DefaultReconnectDelay.
	ReconnectDelay DelayGenerator `yaml:"-"`

	// TLSConfig overrides the TLS configuration used to dial the session.
	// Left nil to use a default *tls.Config requiring a verified
	// certificate; tests pointed at an httptest TLS server override this
	// with RootCAs trusting that server's certificate.
	TLSConfig *tls.Config `yaml:"-"`
}

// DefaultConnectionSettings returns the spec §6 defaults.
func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		ESIURL:         "https://esi.evetech.net",
		MaxPendingTime: 10 * time.Second,
		ReconnectDelay: DefaultReconnectDelay,
	}
}

func intPtr(n int) *int { return &n }

func (s ConnectionSettings) withDefaults() ConnectionSettings {
	if s.ESIURL == "" {
		s.ESIURL = DefaultConnectionSettings().ESIURL
	}
	if s.MaxPendingTime <= 0 {
		s.MaxPendingTime = DefaultConnectionSettings().MaxPendingTime
	}
	if s.ReconnectDelay == nil {
		s.ReconnectDelay = DefaultReconnectDelay
	}
	return s
}

// Config is the top-level client configuration (spec §6).
type Config struct {
	// Connection, when non-nil, is used directly instead of constructing
	// one from ConnectionSettings/PoolSize.
	Connection Requester `yaml:"-"`

	// ConnectionSettings configures each Connection when Connection is
	// nil.
	ConnectionSettings ConnectionSettings `yaml:"connection_settings"`

	// PoolSize selects between a single Connection (1, the default) and a
	// ConnectionPool of N Connections.
	PoolSize int `yaml:"pool_size"`

	// DefaultHeaders are merged into every request before options.Headers.
	DefaultHeaders map[string]string `yaml:"default_headers"`

	// DefaultQuery is merged into every request's query string, before
	// options.Query.
	DefaultQuery map[string]string `yaml:"default_query"`

	// MaxTime bounds total wall time across retries for one logical
	// request.
	MaxTime time.Duration `yaml:"max_time"`

	// MaxRetries is the number of retries (so attempts = MaxRetries+1).
	// Nil selects the default (3); an explicit 0 permits exactly one
	// attempt (spec §8's boundary case), which a bare int field could never
	// distinguish from "unset".
	MaxRetries *int `yaml:"max_retries"`

	// RetryDelayLow/RetryDelayHigh are the two backoff generators RetryLoop
	// chooses between (spec §4.4).
	RetryDelayLow  DelayGenerator `yaml:"-"`
	RetryDelayHigh DelayGenerator `yaml:"-"`

	// PageSplitDelay computes the anti-split delay budget for a page
	// count.
	PageSplitDelay PageSplitDelayFunc `yaml:"-"`

	// StripHeaders lists lowercase header names removed from every
	// response before it is presented to the caller.
	StripHeaders []string `yaml:"strip_headers"`

	// Logger receives structured logs from every layer. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger `yaml:"-"`

	// Tracer wraps each Client.Request call in one "esi.request" span.
	// Connection, exchange, retry and pagination steps get no spans of
	// their own. Defaults to otel's global tracer.
	Tracer trace.Tracer `yaml:"-"`

	// Metrics, when non-nil, records the latency of each Client.Request
	// call (retries and pagination included) and request/retry/reconnect/
	// page-split counters.
	Metrics *Metrics `yaml:"-"`
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionSettings: DefaultConnectionSettings(),
		PoolSize:           1,
		MaxTime:            10 * time.Second,
		MaxRetries:         intPtr(3),
		RetryDelayLow:      DefaultRetryDelayLow,
		RetryDelayHigh:     DefaultRetryDelayHigh,
		PageSplitDelay:     DefaultPageSplitDelay,
		StripHeaders:       append([]string(nil), defaultStripHeaders...),
		Logger:             slog.Default(),
	}
}

// LoadConfigFile loads a YAML file into a Config seeded with defaults.
// Fields not representable in YAML (delay generators, Logger, Tracer,
// Metrics, a preconstructed Connection) must be set programmatically after
// loading.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate applies spec §7's ConfigurationError checks that belong to
// construction time rather than per-request time.
func (c Config) validate() error {
	if c.PoolSize < 1 {
		return NewConfigurationError("pool_size must be >= 1")
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return NewConfigurationError("max_retries must be >= 0")
	}
	if c.MaxTime <= 0 {
		return NewConfigurationError("max_time must be > 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectionSettings.ESIURL == "" {
		c.ConnectionSettings = def.ConnectionSettings
	} else {
		c.ConnectionSettings = c.ConnectionSettings.withDefaults()
	}
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MaxTime == 0 {
		c.MaxTime = def.MaxTime
	}
	if c.MaxRetries == nil {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelayLow == nil {
		c.RetryDelayLow = def.RetryDelayLow
	}
	if c.RetryDelayHigh == nil {
		c.RetryDelayHigh = def.RetryDelayHigh
	}
	if c.PageSplitDelay == nil {
		c.PageSplitDelay = def.PageSplitDelay
	}
	if c.StripHeaders == nil {
		c.StripHeaders = def.StripHeaders
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"sync"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/pool"
	"github.com/c360/fedstream/queue"
	"github.com/c360/fedstream/reconcile"
	"github.com/c360/fedstream/relay"
	"github.com/c360/fedstream/transport"
)

// Environment variables read by ApplyEnv.
const (
	EnvAccessToken = "FEDSTREAM_ACCESS_TOKEN"
	EnvBaseURL     = "FEDSTREAM_BASE_URL"
	EnvProtocol    = "FEDSTREAM_PROTOCOL"
	EnvRelayURL    = "FEDSTREAM_RELAY_URL"
)

// Config is the complete daemon configuration.
type Config struct {
	Pool      pool.Config      `json:"pool" yaml:"pool"`
	Transport transport.Config `json:"transport" yaml:"transport"`
	Queue     queue.Config     `json:"queue" yaml:"queue"`
	Cache     reconcile.Config `json:"cache" yaml:"cache"`
	Relay     relay.Config     `json:"relay" yaml:"relay"`
	Metrics   MetricsConfig    `json:"metrics" yaml:"metrics"`

	// Feeds are additional websocket stream urls held open through the
	// connection pool, such as a public or hashtag stream on another
	// instance.
	Feeds []string `json:"feeds,omitempty" yaml:"feeds,omitempty"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns a configuration built from each component's defaults.
// Transport.BaseURL is left empty and must be supplied.
func Default() *Config {
	return &Config{
		Pool:      pool.DefaultConfig(),
		Transport: transport.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Cache:     reconcile.DefaultConfig(),
		Relay:     relay.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "check config")
	}
	for _, err := range []error{
		c.Pool.Validate(),
		c.Transport.Validate(),
		c.Queue.Validate(),
		c.Cache.Validate(),
		c.Relay.Validate(),
	} {
		if err != nil {
			return err
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return invalid("metrics.addr is required when metrics are enabled")
		}
		if len(c.Metrics.Path) == 0 || c.Metrics.Path[0] != '/' {
			return invalid(fmt.Sprintf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}

	for _, feed := range c.Feeds {
		u, err := url.Parse(feed)
		if err != nil || u.Host == "" {
			return invalid(fmt.Sprintf("feed %q is not an absolute url", feed))
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return invalid(fmt.Sprintf("feed %q has unsupported scheme %q", feed, u.Scheme))
		}
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "config", "Validate", "check config")
}

// ApplyEnv overrides settings from the environment. Unset or empty
// variables leave the configuration unchanged.
func (c *Config) ApplyEnv() error {
	for _, o := range []struct {
		key string
		set func(string)
	}{
		{EnvAccessToken, func(v string) { c.Transport.AccessToken = v }},
		{EnvBaseURL, func(v string) { c.Transport.BaseURL = v }},
		{EnvProtocol, func(v string) { c.Transport.Protocol = transport.Protocol(v) }},
		{EnvRelayURL, func(v string) { c.Relay.URL = v }},
	} {
		v := os.Getenv(o.key)
		if err := validateEnvVar(o.key, v); err != nil {
			return errors.WrapInvalid(err, "config", "ApplyEnv", "read "+o.key)
		}
		if v != "" {
			o.set(v)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Feeds = slices.Clone(c.Feeds)
	out.Pool.Header = c.Pool.Header.Clone()
	return &out
}

// String renders the configuration as JSON with the access token masked.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Transport.AccessToken != "" {
		redacted.Transport.AccessToken = "[REDACTED]"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SafeConfig provides concurrent access to a Config.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a copy of cfg.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and replaces the current configuration with a copy
// of it. An invalid cfg leaves the current configuration in place.
func (sc *SafeConfig) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

package pool

import (
	"fmt"
	"net/http"
	"time"

	"github.com/c360/fedstream/errors"
)

// Config configures a Pool.
type Config struct {
	MaxConnections       int           `json:"max_connections" yaml:"max_connections"`
	ConnectionTimeout    time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	IdleTimeout          time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval         time.Duration `json:"reap_interval" yaml:"reap_interval"`

	// LivenessTimeout, when positive, closes a connection that has not
	// received any message for HeartbeatInterval+LivenessTimeout. Zero
	// relies on heartbeat send failures alone.
	LivenessTimeout time.Duration `json:"liveness_timeout" yaml:"liveness_timeout"`

	// Header is sent with every dial, typically the bearer token.
	Header http.Header `json:"-" yaml:"-"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       10,
		ConnectionTimeout:    10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		IdleTimeout:          5 * time.Minute,
		ReapInterval:         time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	check := func(ok bool, msg string) error {
		if ok {
			return nil
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "pool", "Validate", "check config")
	}
	for _, err := range []error{
		check(c.MaxConnections > 0, "max_connections must be positive"),
		check(c.ConnectionTimeout > 0, "connection_timeout must be positive"),
		check(c.HeartbeatInterval > 0, "heartbeat_interval must be positive"),
		check(c.MaxReconnectAttempts >= 0, "max_reconnect_attempts cannot be negative"),
		check(c.ReconnectDelay >= 0, "reconnect_delay cannot be negative"),
		check(c.IdleTimeout > 0, "idle_timeout must be positive"),
		check(c.ReapInterval > 0, "reap_interval must be positive"),
		check(c.LivenessTimeout >= 0, "liveness_timeout cannot be negative"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

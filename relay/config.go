package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/fedstream/errors"
)

// Config configures the relay.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// URL of the NATS server.
	URL           string        `json:"url" yaml:"url"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a disabled relay publishing under fedstream.ops.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		URL:           "nats://localhost:4222",
		SubjectPrefix: "fedstream.ops",
		QueueSize:     1024,
		Timeout:       5 * time.Second,
	}
}

// Validate checks the configuration. A disabled relay is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var msg string
	switch {
	case c.URL == "":
		msg = "url is required"
	case c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, "*> \t"):
		msg = fmt.Sprintf("invalid subject_prefix %q", c.SubjectPrefix)
	case c.QueueSize <= 0:
		msg = "queue_size must be positive"
	case c.Timeout <= 0:
		msg = "timeout must be positive"
	default:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "relay", "Validate", "check config")
}

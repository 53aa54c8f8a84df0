package queue

import (
	"fmt"
	"time"

	"github.com/c360/fedstream/errors"
)

// Config configures a Queue.
type Config struct {
	// Debounce is the delay between the first enqueue into an idle queue
	// and the flush that drains it.
	Debounce     time.Duration `json:"debounce" yaml:"debounce"`
	MaxQueueSize int           `json:"max_queue_size" yaml:"max_queue_size"`

	EnableDeduplication bool          `json:"enable_deduplication" yaml:"enable_deduplication"`
	DeduplicationWindow time.Duration `json:"deduplication_window" yaml:"deduplication_window"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:            100 * time.Millisecond,
		MaxQueueSize:        1000,
		EnableDeduplication: true,
		DeduplicationWindow: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var msg string
	switch {
	case c.Debounce < 0:
		msg = "debounce cannot be negative"
	case c.MaxQueueSize <= 0:
		msg = "max_queue_size must be positive"
	case c.EnableDeduplication && c.DeduplicationWindow <= 0:
		msg = "deduplication_window must be positive when deduplication is enabled"
	default:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "queue", "Validate", "check config")
}

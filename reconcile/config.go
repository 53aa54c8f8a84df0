package reconcile

import (
	"fmt"

	"github.com/c360/fedstream/errors"
)

// Config configures a Cache.
type Config struct {
	// MaxEntriesPerKind bounds each store with LRU eviction. Zero keeps
	// every entry until it is deleted or the cache is cleared.
	MaxEntriesPerKind int `json:"max_entries_per_kind" yaml:"max_entries_per_kind"`
}

// DefaultConfig returns an unbounded cache configuration.
func DefaultConfig() Config {
	return Config{}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxEntriesPerKind < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_entries_per_kind cannot be negative, got %d", errors.ErrInvalidConfig, c.MaxEntriesPerKind),
			"reconcile", "Validate", "check config")
	}
	return nil
}

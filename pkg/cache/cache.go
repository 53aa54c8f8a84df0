// Package cache provides generic, thread-safe keyed stores with hit/miss
// statistics and optional Prometheus export. The reconciliation cache
// keeps one store per entity kind.
package cache

import (
	"fmt"

	"github.com/c360/fedstream/errors"
)

// Cache is a keyed store of V.
type Cache[V any] interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (V, bool)

	// Set stores value under key. It reports whether the entry is new.
	Set(key string, value V) (bool, error)

	// Delete removes key. It reports whether the key existed.
	Delete(key string) (bool, error)

	Clear() error
	Size() int
	Keys() []string
	Stats() *Statistics
	Close() error
}

// EvictCallback is called when an entry is removed by Delete, Clear or
// capacity eviction.
type EvictCallback[V any] func(key string, value V)

// Strategy selects the eviction behavior.
type Strategy string

const (
	// StrategySimple never evicts.
	StrategySimple Strategy = "simple"
	// StrategyLRU evicts the least recently used entry beyond MaxSize.
	StrategyLRU Strategy = "lru"
)

// Config describes a cache to build with New.
type Config struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	MaxSize  int      `json:"max_size" yaml:"max_size"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategySimple, "":
		return nil
	case StrategyLRU:
		if c.MaxSize <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
				fmt.Sprintf("max_size must be positive for lru, got %d", c.MaxSize))
		}
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("unknown strategy %q", c.Strategy))
	}
}

// New builds a cache from cfg.
func New[V any](cfg Config, options ...Option[V]) (Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(options...)
	if cfg.Strategy == StrategyLRU {
		return newLRUCache(cfg.MaxSize, opts)
	}
	return newSimpleCache(opts)
}

// NewSimple creates a cache that never evicts.
func NewSimple[V any](options ...Option[V]) (Cache[V], error) {
	return newSimpleCache(applyOptions(options...))
}

// NewLRU creates a cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	return New(Config{Strategy: StrategyLRU, MaxSize: maxSize}, options...)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

package cache

import (
	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
)

// Option configures a cache.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	registry  metric.MetricsRegistrar
	component string
	onEvict   EvictCallback[V]
}

// WithMetrics exports statistics as Prometheus metrics labelled with
// component. A nil registry or empty component is ignored.
func WithMetrics[V any](registry metric.MetricsRegistrar, component string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && component != "" {
			opts.registry = registry
			opts.component = component
		}
	}
}

// WithEvictionCallback registers a callback for removed entries.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.onEvict = callback
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

func (o *cacheOptions[V]) buildMetrics(method string) (*cacheMetrics, error) {
	if o.registry == nil {
		return nil, nil
	}
	m, err := newCacheMetrics(o.registry, o.component)
	if err != nil {
		return nil, errors.WrapTransient(err, "cache", method, "metrics registration")
	}
	return m, nil
}

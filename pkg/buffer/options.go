package buffer

import (
	"github.com/c360/fedstream/metric"
)

// Option configures a buffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	dropCallback   DropCallback[T]
	registry       metric.MetricsRegistrar
	component      string
}

// WithMetrics exports buffer statistics as Prometheus metrics labelled
// with component. A nil registry or empty component is ignored.
func WithMetrics[T any](registry metric.MetricsRegistrar, component string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && component != "" {
			opts.registry = registry
			opts.component = component
		}
	}
}

// WithDropCallback is invoked, outside the buffer lock, with each dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

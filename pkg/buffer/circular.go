package buffer

import (
	"sync"

	"github.com/c360/fedstream/errors"
)

type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newBufferMetrics(opts.registry, opts.component)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

func (cb *circularBuffer[T]) Write(item T) error {
	var dropped []T
	defer func() {
		if cb.opts.dropCallback != nil {
			for _, d := range dropped {
				cb.opts.dropCallback(d)
			}
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "write to closed buffer")
	}

	if cb.size == cb.capacity {
		cb.stats.drop()
		if cb.metrics != nil {
			cb.metrics.drops.Inc()
		}
		dropped = append(dropped, cb.pop())
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.write(cb.size)
	if cb.metrics != nil {
		cb.metrics.writes.Inc()
		cb.metrics.observe(cb.size, cb.capacity)
	}
	return nil
}

// pop removes the tail item. Caller holds the write lock and ensures size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	items := cb.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = cb.pop()
	}

	cb.stats.read(n, cb.size)
	if cb.metrics != nil {
		cb.metrics.reads.Add(float64(n))
		cb.metrics.observe(cb.size, cb.capacity)
	}
	return out
}

func (cb *circularBuffer[T]) Drain() []T {
	return cb.ReadBatch(cb.capacity)
}

func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

// Clear discards every item without invoking the drop callback.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	clear(cb.items)
	cb.head, cb.tail, cb.size = 0, 0, 0
	cb.stats.resize(0)
	if cb.metrics != nil {
		cb.metrics.observe(0, cb.capacity)
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}

// Package buffer provides a generic, thread-safe ring buffer. A write to
// a full buffer evicts the oldest item, so a burst beyond capacity keeps
// the most recent items.
package buffer

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write appends item, evicting the oldest item when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Drain removes and returns every item, oldest first.
	Drain() []T

	Peek() (T, bool)
	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool
	Clear()
	Stats() *Statistics
	Close() error
}

// DropCallback receives every item evicted by a write to a full buffer.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer of the given capacity.
// Statistics are always collected; Prometheus export is opt-in through
// WithMetrics.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}

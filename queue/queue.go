// Package queue deduplicates, buffers and batches streaming operations.
//
// Operations enter through ProcessOperation. Duplicates seen within the
// deduplication window are dropped, the rest land in a bounded ring that
// keeps the most recent MaxQueueSize operations. The first enqueue into
// an idle queue arms a debounce timer; when it fires the whole queue is
// drained, grouped by operation kind in order of first appearance, and
// each group is dispatched in arrival order to the handler registered
// for that kind.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/buffer"
	"github.com/c360/fedstream/pkg/clock"
	"github.com/c360/fedstream/streaming"
)

// Handler processes one operation of the kind it was registered for.
type Handler func(ctx context.Context, op streaming.Operation) error

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the clock driving the debounce timer and the
// deduplication window.
func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithMetrics registers queue metrics with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(q *Queue) { q.registry = registry }
}

// Queue is the operation queue.
type Queue struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	registry metric.MetricsRegistrar
	metrics  *queueMetrics

	mu        sync.Mutex
	buf       buffer.Buffer[streaming.Operation]
	seen      map[string]time.Time
	seq       uint64
	handlers  map[streaming.OpKind]Handler
	streaming bool
	timer     *clock.Timer
	lastFlush time.Time

	// flushMu serializes flushes so groups of consecutive flushes never
	// interleave.
	flushMu sync.Mutex

	processed     atomic.Int64
	deduplicated  atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a stopped queue.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:      cfg,
		seen:     make(map[string]time.Time),
		handlers: make(map[streaming.OpKind]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.clock = clock.OrReal(q.clock)
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue")

	if q.registry != nil {
		m, err := newQueueMetrics(q.registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "queue", "New", "register metrics")
		}
		q.metrics = m
	}

	buf, err := buffer.NewCircularBuffer[streaming.Operation](cfg.MaxQueueSize,
		buffer.WithDropCallback[streaming.Operation](q.onDrop),
		buffer.WithMetrics[streaming.Operation](q.registry, "queue"),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "queue", "New", "create buffer")
	}
	q.buf = buf
	return q, nil
}

// RegisterHandler sets the handler for kind, replacing any previous one.
func (q *Queue) RegisterHandler(kind streaming.OpKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// UnregisterHandler removes the handler for kind. Operations of that kind
// are then drained and discarded.
func (q *Queue) UnregisterHandler(kind streaming.OpKind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.handlers, kind)
}

// StartStreaming lets ProcessOperation accept operations.
func (q *Queue) StartStreaming() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streaming = true
}

// StopStreaming stops accepting operations, cancels the debounce timer
// and flushes what is queued before returning.
func (q *Queue) StopStreaming(ctx context.Context) {
	q.mu.Lock()
	q.streaming = false
	q.timer.Stop()
	q.timer = nil
	q.mu.Unlock()

	q.flush(ctx, "stop")
}

// ProcessOperation enqueues op. Duplicates and overflow are silent; the
// only error is ErrNotStarted when the queue is not streaming.
func (q *Queue) ProcessOperation(op streaming.Operation) error {
	if op == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "queue", "ProcessOperation", "check operation")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.streaming {
		return errors.WrapInvalid(errors.ErrNotStarted, "queue", "ProcessOperation", "enqueue operation")
	}

	now := q.clock.Now()
	if q.cfg.EnableDeduplication {
		q.seq++
		key := streaming.Key(op, now, q.seq)
		if last, ok := q.seen[key]; ok && now.Sub(last) < q.cfg.DeduplicationWindow {
			q.deduplicated.Add(1)
			q.metrics.deduplicatedOp()
			q.logger.Debug("Dropping duplicate operation", "key", key)
			return nil
		}
		q.seen[key] = now
		q.pruneLocked(now)
	}

	if err := q.buf.Write(op); err != nil {
		return errors.WrapTransient(err, "queue", "ProcessOperation", "buffer operation")
	}
	q.metrics.enqueued(string(op.OpKind()))

	if q.timer == nil {
		q.timer = q.clock.AfterFunc(q.cfg.Debounce, q.onDebounce)
	}
	return nil
}

// pruneLocked forgets keys older than twice the window.
func (q *Queue) pruneLocked(now time.Time) {
	horizon := 2 * q.cfg.DeduplicationWindow
	for key, seen := range q.seen {
		if now.Sub(seen) > horizon {
			delete(q.seen, key)
		}
	}
}

func (q *Queue) onDrop(op streaming.Operation) {
	q.dropped.Add(1)
	q.metrics.droppedOp()
	q.logger.Debug("Queue full, dropping oldest operation", "op", op.OpKind(), "id", op.TargetID())
}

func (q *Queue) onDebounce() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()

	q.flush(context.Background(), "debounce")
}

// Flush drains and dispatches the queue immediately.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.timer.Stop()
	q.timer = nil
	q.mu.Unlock()

	q.flush(ctx, "manual")
}

func (q *Queue) flush(ctx context.Context, trigger string) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	ops := q.buf.Drain()
	handlers := make(map[streaming.OpKind]Handler, len(q.handlers))
	for k, h := range q.handlers {
		handlers[k] = h
	}
	q.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	start := time.Now()

	var order []streaming.OpKind
	groups := make(map[streaming.OpKind][]streaming.Operation)
	for _, op := range ops {
		kind := op.OpKind()
		if _, ok := groups[kind]; !ok {
			order = append(order, kind)
		}
		groups[kind] = append(groups[kind], op)
	}

	for _, kind := range order {
		h := handlers[kind]
		if h == nil {
			q.logger.Debug("No handler registered, discarding operations", "op", kind, "count", len(groups[kind]))
			continue
		}
		for _, op := range groups[kind] {
			if err := q.dispatch(ctx, h, op); err != nil {
				q.handlerErrors.Add(1)
				q.metrics.handlerFailed(string(kind))
				q.logger.Warn("Handler failed", "op", kind, "id", op.TargetID(), "error", err)
			}
		}
	}

	q.processed.Add(int64(len(ops)))
	q.mu.Lock()
	q.lastFlush = q.clock.Now()
	q.mu.Unlock()
	q.metrics.flushed(trigger, time.Since(start))
	q.logger.Debug("Flushed operations", "count", len(ops), "groups", len(order), "trigger", trigger)
}

func (q *Queue) dispatch(ctx context.Context, h Handler, op streaming.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", errors.ErrHandlerFailed, r)
		}
	}()
	if herr := h(ctx, op); herr != nil {
		return fmt.Errorf("%w: %w", errors.ErrHandlerFailed, herr)
	}
	return nil
}

// State is a snapshot of the queue.
type State struct {
	Streaming     bool      `json:"streaming"`
	QueueLength   int       `json:"queue_length"`
	Processed     int64     `json:"processed"`
	Deduplicated  int64     `json:"deduplicated"`
	Dropped       int64     `json:"dropped"`
	HandlerErrors int64     `json:"handler_errors"`
	LastFlush     time.Time `json:"last_flush,omitempty"`
}

// State returns a snapshot of the queue.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Streaming:     q.streaming,
		QueueLength:   q.buf.Size(),
		Processed:     q.processed.Load(),
		Deduplicated:  q.deduplicated.Load(),
		Dropped:       q.dropped.Load(),
		HandlerErrors: q.handlerErrors.Load(),
		LastFlush:     q.lastFlush,
	}
}

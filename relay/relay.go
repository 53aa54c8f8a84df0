// Package relay republishes applied streaming operations on NATS so other
// processes can follow the local view.
//
// Each operation is published on {prefix}.{op}.{kind}, for example
// fedstream.ops.update.post. Publishing happens on a single worker so the
// queue flush never waits on the network and subject order matches
// dispatch order.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/worker"
	"github.com/c360/fedstream/streaming"
)

// Publisher sends data on a subject. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Message is the published JSON document.
type Message struct {
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
	streaming.Envelope
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// WithMetrics exports worker metrics under the relay component.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(r *Relay) { r.registry = registry }
}

// Relay publishes operations through a Publisher.
type Relay struct {
	cfg      Config
	pub      Publisher
	logger   *slog.Logger
	registry metric.MetricsRegistrar
	workers  *worker.Pool[streaming.Operation]

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a relay. Start must be called before operations are
// accepted.
func New(cfg Config, pub Publisher, opts ...Option) (*Relay, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "relay", "New", "check publisher")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	r := &Relay{cfg: cfg, pub: pub}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "relay")

	var poolOpts []worker.Option[streaming.Operation]
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[streaming.Operation](r.registry, "relay"))
	}
	pool, err := worker.NewPool(1, cfg.QueueSize, r.publish, poolOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "relay", "New", "create worker pool")
	}
	r.workers = pool
	return r, nil
}

// Subject returns the subject op is published on.
func (r *Relay) Subject(op streaming.Operation) string {
	return r.cfg.SubjectPrefix + "." + string(op.OpKind()) + "." + string(op.Entity())
}

// Start launches the publishing worker.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.workers.Start(ctx); err != nil {
		return errors.WrapInvalid(err, "relay", "Start", "start worker")
	}
	r.logger.Info("Relay started", "prefix", r.cfg.SubjectPrefix)
	return nil
}

// Stop waits up to timeout for queued operations to be published.
func (r *Relay) Stop(timeout time.Duration) error {
	if err := r.workers.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "relay", "Stop", "drain worker")
	}
	return nil
}

// Enqueue hands op to the worker without blocking.
func (r *Relay) Enqueue(op streaming.Operation) error {
	if err := r.workers.Submit(op); err != nil {
		return errors.WrapTransient(err, "relay", "Enqueue", "submit operation")
	}
	return nil
}

// Handler adapts the relay to a queue handler.
func (r *Relay) Handler() func(context.Context, streaming.Operation) error {
	return func(_ context.Context, op streaming.Operation) error {
		return r.Enqueue(op)
	}
}

func (r *Relay) publish(ctx context.Context, op streaming.Operation) error {
	data, err := json.Marshal(Message{
		ID:          uuid.NewString(),
		PublishedAt: time.Now().UTC(),
		Envelope:    streaming.NewEnvelope(op),
	})
	if err != nil {
		r.failed.Add(1)
		return errors.WrapInvalid(err, "relay", "publish", "encode operation")
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	subject := r.Subject(op)
	if err := r.pub.Publish(pubCtx, subject, data); err != nil {
		r.failed.Add(1)
		r.logger.Warn("Publish failed", "subject", subject, "id", op.TargetID(), "error", err)
		return err
	}
	r.published.Add(1)
	return nil
}

// Stats summarizes relay activity.
type Stats struct {
	Published int64            `json:"published"`
	Failed    int64            `json:"failed"`
	Worker    worker.PoolStats `json:"worker"`
}

// Stats returns a snapshot of relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Worker:    r.workers.Stats(),
	}
}

package datalayer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fedstream/config"
	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/health"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/clock"
	"github.com/c360/fedstream/pool"
	"github.com/c360/fedstream/queue"
	"github.com/c360/fedstream/reconcile"
	"github.com/c360/fedstream/relay"
	"github.com/c360/fedstream/streaming"
	"github.com/c360/fedstream/transport"
)

// Status is the lifecycle state of a Client.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock injects the clock driving every timer.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clock = clk } }

// WithMetrics registers component and core metrics with registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) { c.registry = registry }
}

// WithDialer replaces the websocket dialer used by the pool and the
// transport.
func WithDialer(d pool.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithHTTPClient sets the HTTP client for the sse and polling protocols.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithNormalizer sets the payload normalizer. The default decodes the
// canonical JSON shape.
func WithNormalizer(n streaming.Normalizer) Option { return func(c *Client) { c.normalizer = n } }

// WithPublisher supplies the relay publisher, typically a
// *natsclient.Client. It is required when the relay is enabled.
func WithPublisher(p relay.Publisher) Option { return func(c *Client) { c.publisher = p } }

// WithHealthMonitor reports component health into m instead of a private
// monitor.
func WithHealthMonitor(m *health.Monitor) Option { return func(c *Client) { c.monitor = m } }

// Client is the data layer.
type Client struct {
	cfg        *config.Config
	logger     *slog.Logger
	clock      clock.Clock
	registry   *metric.MetricsRegistry
	core       *metric.Metrics
	dialer     pool.Dialer
	httpClient *http.Client
	normalizer streaming.Normalizer
	publisher  relay.Publisher
	monitor    *health.Monitor

	pool      *pool.Pool
	transport *transport.Manager
	queue     *queue.Queue
	cache     *reconcile.Cache
	relay     *relay.Relay
	relayOp   queue.Handler
	parser    *streaming.Parser

	status     atomic.Int32
	closed     atomic.Bool
	listenerID transport.ListenerID

	mu        sync.RWMutex
	callbacks map[streaming.EntityKind]Callbacks
	feeds     []func()
}

// New builds a stopped Client from cfg.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg.Clone(),
		logger:    slog.Default(),
		dialer:    pool.WebsocketDialer{},
		callbacks: make(map[streaming.EntityKind]Callbacks),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	if c.monitor == nil {
		c.monitor = health.NewMonitor()
	}
	c.parser = streaming.NewParser(c.normalizer)

	// A nil *MetricsRegistry must not become a non-nil interface.
	var registrar metric.MetricsRegistrar
	if c.registry != nil {
		registrar = c.registry
		c.core = c.registry.CoreMetrics()
	}

	if err := c.build(registrar); err != nil {
		c.teardown()
		return nil, err
	}

	for _, kind := range streaming.OpKinds {
		c.queue.RegisterHandler(kind, c.handle)
	}

	c.listenerID = c.transport.On(transport.EventAny, transport.Handlers{
		OnOperation: func(ev transport.OperationReceived) { c.receive("transport", ev.Op) },
		OnError:     func(ev transport.ConnectionError) { c.recordError("transport", ev.Err) },
	}.Listener())

	c.registerHealthChecks()
	return c, nil
}

func (c *Client) build(registrar metric.MetricsRegistrar) error {
	poolOpts := []pool.Option{pool.WithClock(c.clock), pool.WithLogger(c.logger)}
	transportOpts := []transport.Option{
		transport.WithClock(c.clock),
		transport.WithLogger(c.logger),
		transport.WithDialer(c.dialer),
	}
	queueOpts := []queue.Option{queue.WithClock(c.clock), queue.WithLogger(c.logger)}
	cacheOpts := []reconcile.Option{reconcile.WithLogger(c.logger)}
	relayOpts := []relay.Option{relay.WithLogger(c.logger)}

	if registrar != nil {
		poolOpts = append(poolOpts, pool.WithMetrics(registrar))
		transportOpts = append(transportOpts, transport.WithMetrics(registrar))
		queueOpts = append(queueOpts, queue.WithMetrics(registrar))
		cacheOpts = append(cacheOpts, reconcile.WithMetrics(registrar))
		relayOpts = append(relayOpts, relay.WithMetrics(registrar))
	}
	if c.httpClient != nil {
		transportOpts = append(transportOpts, transport.WithHTTPClient(c.httpClient))
	}
	if c.normalizer != nil {
		transportOpts = append(transportOpts, transport.WithNormalizer(c.normalizer))
	}

	var err error
	if c.pool, err = pool.New(c.cfg.Pool, c.dialer, poolOpts...); err != nil {
		return err
	}
	if c.transport, err = transport.New(c.cfg.Transport, transportOpts...); err != nil {
		return err
	}
	if c.queue, err = queue.New(c.cfg.Queue, queueOpts...); err != nil {
		return err
	}
	if c.cache, err = reconcile.New(c.cfg.Cache, cacheOpts...); err != nil {
		return err
	}
	if c.cfg.Relay.Enabled {
		if c.publisher == nil {
			return errors.WrapInvalid(fmt.Errorf("%w: relay enabled without a publisher", errors.ErrMissingConfig),
				"datalayer", "New", "create relay")
		}
		if c.relay, err = relay.New(c.cfg.Relay, c.publisher, relayOpts...); err != nil {
			return err
		}
		c.relayOp = c.relay.Handler()
	}
	return nil
}

// Start begins streaming: the queue accepts operations, the relay worker
// runs, configured feeds are followed and the transport connects. A
// failed initial connect leaves the transport reconnecting on its own
// schedule and is returned as a transient error.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "datalayer", "Start", "check state")
	}
	if !c.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "datalayer", "Start", "check state")
	}

	c.queue.StartStreaming()
	if c.relay != nil {
		if err := c.relay.Start(ctx); err != nil {
			c.status.Store(int32(StatusStopped))
			return err
		}
	}

	for _, feed := range c.cfg.Feeds {
		stop, err := c.Follow(ctx, feed)
		if err != nil {
			c.logger.Warn("Failed to follow feed", "error", err)
			continue
		}
		c.mu.Lock()
		c.feeds = append(c.feeds, stop)
		c.mu.Unlock()
	}

	err := c.transport.Connect(ctx)
	c.status.Store(int32(StatusRunning))
	if err != nil {
		c.logger.Warn("Initial connect failed, transport will retry", "error", err)
		return errors.WrapTransient(err, "datalayer", "Start", "connect transport")
	}
	c.logger.Info("Data layer started", "protocol", c.cfg.Transport.Protocol, "feeds", len(c.cfg.Feeds))
	return nil
}

// Close stops intake, flushes the queue, drains the relay and releases
// every connection. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.status.Store(int32(StatusStopping))

	c.mu.Lock()
	feeds := c.feeds
	c.feeds = nil
	c.mu.Unlock()
	for _, stop := range feeds {
		stop()
	}

	c.transport.Off(c.listenerID)
	c.transport.Close()
	c.queue.StopStreaming(ctx)

	var errs []error
	if c.relay != nil {
		timeout := c.cfg.Relay.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		errs = append(errs, c.relay.Stop(timeout))
	}
	c.pool.Close()
	errs = append(errs, c.cache.Close())

	c.status.Store(int32(StatusStopped))
	c.logger.Info("Data layer stopped")
	return stderrors.Join(errs...)
}

// teardown releases what build managed to create.
func (c *Client) teardown() {
	if c.transport != nil {
		c.transport.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.cache != nil {
		_ = c.cache.Close()
	}
}

// Follow subscribes to a websocket feed through the pool. Followers of the
// same url share one connection. Frames are parsed like transport frames
// and enter the same queue. The returned function unsubscribes and
// releases the connection; it is safe to call more than once.
func (c *Client) Follow(ctx context.Context, url string) (func(), error) {
	if c.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "datalayer", "Follow", "check state")
	}
	conn, err := c.pool.Acquire(ctx, url)
	if err != nil {
		c.recordError("pool", err)
		return nil, err
	}

	unsubscribe := conn.Subscribe(func(data []byte) error {
		_, op, err := c.parser.ParseFrame(data)
		if err != nil {
			c.logger.Debug("Dropping feed frame", "error", err)
			return nil
		}
		c.receive("feed", op)
		return nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			conn.Release()
		})
	}, nil
}

func (c *Client) receive(source string, op streaming.Operation) {
	if c.core != nil {
		c.core.RecordReceived(source, string(op.OpKind()))
	}
	if err := c.queue.ProcessOperation(op); err != nil {
		c.logger.Debug("Operation not queued", "source", source, "op", op.OpKind(), "error", err)
		c.recordError("queue", err)
	}
}

// handle is the queue handler for every operation kind.
func (c *Client) handle(ctx context.Context, op streaming.Operation) error {
	res := c.cache.ApplyOperation(op)
	if c.core != nil {
		c.core.RecordApplied(string(op.OpKind()), string(op.Entity()), res.Applied)
	}

	cb := c.callbacksFor(op.Entity())
	if len(res.Conflicts) > 0 {
		if cb.OnConflict != nil {
			cb.OnConflict(op.TargetID(), res.Conflicts)
		}
		return errors.WrapInvalid(errors.ErrEditConflict, "datalayer", "handle", "apply edit "+op.TargetID())
	}
	if !res.Applied {
		return nil
	}

	// Relay before the renderer hooks: a panicking hook must not keep an
	// applied operation from followers.
	if c.relayOp != nil {
		if err := c.relayOp(ctx, op); err != nil {
			c.logger.Warn("Relay rejected operation", "op", op.OpKind(), "id", op.TargetID(), "error", err)
			c.recordError("relay", err)
		}
	}

	switch o := op.(type) {
	case streaming.Update:
		if cb.OnUpdate != nil {
			cb.OnUpdate(o.Payload)
		}
	case streaming.Delete:
		if cb.OnDelete != nil {
			cb.OnDelete(o.EntityID)
		}
	case streaming.Edit:
		if cb.OnEdit != nil {
			if entry, ok := c.cache.GetCachedItem(o.EntityID, o.EntityKind); ok {
				cb.OnEdit(entry.Entity)
			}
		}
	}
	return nil
}

func (c *Client) recordError(component string, err error) {
	if c.core == nil || err == nil {
		return
	}
	class := "transient"
	switch {
	case errors.IsFatal(err):
		class = "fatal"
	case errors.IsInvalid(err):
		class = "invalid"
	}
	c.core.RecordError(component, class)
}

// Status returns the lifecycle state.
func (c *Client) Status() Status { return Status(c.status.Load()) }

// Transport exposes the transport manager for subscription control.
func (c *Client) Transport() *transport.Manager { return c.transport }

// GetCachedItem returns the cached entry for (id, kind).
func (c *Client) GetCachedItem(id string, kind streaming.EntityKind) (reconcile.Entry, bool) {
	return c.cache.GetCachedItem(id, kind)
}

// Items returns every cached entry of kind.
func (c *Client) Items(kind streaming.EntityKind) []reconcile.Entry {
	return c.cache.Items(kind)
}

// ClearCache empties the reconciliation cache.
func (c *Client) ClearCache() { c.cache.ClearCache() }

// Flush dispatches queued operations without waiting for the debounce.
func (c *Client) Flush(ctx context.Context) { c.queue.Flush(ctx) }

// Stats is a snapshot of every component.
type Stats struct {
	Status    string           `json:"status"`
	Transport transport.Status `json:"transport"`
	Pool      pool.Stats       `json:"pool"`
	Queue     queue.State      `json:"queue"`
	Cache     reconcile.Stats  `json:"cache"`
	Relay     *relay.Stats     `json:"relay,omitempty"`
}

// Stats returns a snapshot of every component.
func (c *Client) Stats() Stats {
	s := Stats{
		Status:    c.Status().String(),
		Transport: c.transport.Status(),
		Pool:      c.pool.Stats(),
		Queue:     c.queue.State(),
		Cache:     c.cache.CacheStats(),
	}
	if c.relay != nil {
		rs := c.relay.Stats()
		s.Relay = &rs
	}
	return s
}

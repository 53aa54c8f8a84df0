// Package transport receives streaming operations from a remote service
// over one of three protocols (websocket, server-sent events or polling)
// and emits them, together with connection lifecycle changes, as typed
// events. Abnormal disconnects are retried on a fixed interval up to an
// attempt budget.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/clock"
	"github.com/c360/fedstream/pkg/retry"
	"github.com/c360/fedstream/pool"
	"github.com/c360/fedstream/streaming"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock driving reconnect and poll timers.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics registers transport metrics with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(m *Manager) { m.registry = registry }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d pool.Dialer) Option { return func(m *Manager) { m.dialer = d } }

// WithHTTPClient replaces the client used for event streams and polling.
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithNormalizer sets the payload normalizer used to build entities.
func WithNormalizer(n streaming.Normalizer) Option {
	return func(m *Manager) { m.parser = streaming.NewParser(n) }
}

// WithRetry sets the retry policy of polling fetches.
func WithRetry(cfg retry.Config) Option { return func(m *Manager) { m.retry = cfg } }

type listener struct {
	id   ListenerID
	name string
	fn   Listener
}

// Manager owns one logical streaming connection.
type Manager struct {
	cfg      Config
	dialer   pool.Dialer
	client   *http.Client
	parser   *streaming.Parser
	clock    clock.Clock
	logger   *slog.Logger
	limiter  *rate.Limiter
	retry    retry.Config
	registry metric.MetricsRegistrar
	metrics  *transportMetrics

	mu             sync.Mutex
	state          State
	attempts       int
	generation     uint64
	socket         pool.Socket
	cancel         context.CancelFunc
	reconnectTimer *clock.Timer
	pollTimer      *clock.Timer
	sinceTimeline  string
	sinceNotify    string
	lastErr        error
	connectedAt    time.Time
	subscriptions  map[string]controlFrame

	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []listener

	wg sync.WaitGroup
}

// New creates a disconnected Manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rc := errors.DefaultRetryConfig().ToRetryConfig()
	rc.RetryIf = errors.IsTransient

	m := &Manager{
		cfg:           cfg,
		dialer:        pool.WebsocketDialer{},
		client:        http.DefaultClient,
		parser:        streaming.NewParser(nil),
		retry:         rc,
		subscriptions: make(map[string]controlFrame),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "transport", "protocol", string(cfg.Protocol))

	if cfg.PollRateLimit > 0 {
		burst := cfg.PollBurst
		if burst < 2 {
			burst = 2
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.PollRateLimit), burst)
	}

	if m.registry != nil {
		tm, err := newTransportMetrics(m.registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "transport", "New", "register metrics")
		}
		m.metrics = tm
	}
	return m, nil
}

// On registers fn for events named name, or for every event with EventAny.
// Listeners run on the goroutine that produced the event and must not
// call Close.
func (m *Manager) On(name string, fn Listener) ListenerID {
	id := ListenerID(uuid.NewString())
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, listener{id: id, name: name, fn: fn})
	m.listenersMu.Unlock()
	return id
}

// Off removes a listener. It reports whether the listener was registered.
func (m *Manager) Off(id ListenerID) bool {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) emit(e Event) {
	m.listenersMu.RLock()
	var targets []listener
	for _, l := range m.listeners {
		if l.name == e.Name() || l.name == EventAny {
			targets = append(targets, l)
		}
	}
	m.listenersMu.RUnlock()

	m.metrics.event(e.Name())
	for _, l := range targets {
		m.notify(l, e)
	}
}

func (m *Manager) notify(l listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Listener panicked", "event", e.Name(), "listener", l.id, "panic", r)
		}
	}()
	l.fn(e)
}

// Connect opens the configured protocol. It resets the reconnect budget.
// A failed attempt is also reported as a ConnectionError event and a
// reconnect is scheduled, so callers may ignore the returned error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	gen := m.resetLocked()
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Debug("Connecting", "generation", gen)
	switch m.cfg.Protocol {
	case ProtocolWebsocket:
		return m.connectWebsocket(ctx, gen)
	case ProtocolSSE:
		return m.connectSSE(ctx, gen)
	default:
		return m.connectPolling(gen)
	}
}

// resetLocked supersedes every in-flight dial, read loop and timer of
// the previous generation and returns the new one.
func (m *Manager) resetLocked() uint64 {
	m.generation++
	m.reconnectTimer.Stop()
	m.pollTimer.Stop()
	m.reconnectTimer, m.pollTimer = nil, nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.socket != nil {
		_ = m.socket.Close()
		m.socket = nil
	}
	return m.generation
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

// opened moves generation gen to connected. It returns false when gen
// was superseded while connecting.
func (m *Manager) opened(gen uint64, sock pool.Socket, cancel context.CancelFunc) bool {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnected
	m.attempts = 0
	m.socket = sock
	m.cancel = cancel
	m.lastErr = nil
	m.connectedAt = m.clock.Now()
	resubscribe := make([]controlFrame, 0, len(m.subscriptions))
	for _, f := range m.subscriptions {
		resubscribe = append(resubscribe, f)
	}
	m.mu.Unlock()

	m.metrics.setConnected(true)
	m.logger.Info("Transport connected")
	m.emit(ConnectionOpened{Protocol: m.cfg.Protocol})

	if sock != nil && len(resubscribe) > 0 {
		sort.Slice(resubscribe, func(i, j int) bool { return resubscribe[i].key() < resubscribe[j].key() })
		for _, f := range resubscribe {
			if err := m.write(sock, f); err != nil {
				m.logger.Warn("Resubscribe failed", "stream", f.Stream, "error", err)
			}
		}
	}
	return true
}

// failed records a connection failure of generation gen, emits it and
// schedules a reconnect within the attempt budget.
func (m *Manager) failed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.socket != nil {
		_ = m.socket.Close()
		m.socket = nil
	}
	m.lastErr = err
	attempt, ok := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	m.metrics.setConnected(false)
	m.logger.Warn("Transport error", "error", err)
	m.emit(ConnectionError{Err: err})
	if ok {
		m.emit(Reconnecting{Attempt: attempt})
	}
}

// scheduleReconnectLocked arms the reconnect timer unless the budget is
// spent, in which case the manager stays disconnected until Connect.
func (m *Manager) scheduleReconnectLocked(gen uint64) (int, bool) {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateDisconnected
		m.logger.Warn("Reconnect budget exhausted", "attempts", m.attempts)
		return 0, false
	}
	m.attempts++
	m.state = StateReconnecting
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectInterval, func() { m.reconnect(gen) })
	m.logger.Info("Scheduling reconnect", "attempt", m.attempts, "delay", m.cfg.ReconnectInterval)
	return m.attempts, true
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.metrics.reconnected()
	_ = m.connect(context.Background())
}

// Disconnect closes the connection and cancels every pending timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	m.state = StateDisconnecting
	sock := m.socket
	m.socket = nil
	if sock != nil {
		m.writeMu.Lock()
		_ = sock.WriteMessage(closeMessage, normalCloseFrame)
		m.writeMu.Unlock()
		_ = sock.Close()
	}
	m.resetLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.metrics.setConnected(false)
	if wasConnected {
		m.logger.Info("Transport disconnected")
		m.emit(ConnectionClosed{Code: normalClosure, Reason: "client disconnect"})
	}
}

// Close disconnects and waits for read loops to exit.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status is a snapshot of a Manager for health reporting.
type Status struct {
	Protocol           Protocol  `json:"protocol"`
	State              string    `json:"state"`
	Connected          bool      `json:"connected"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	ConnectedSince     time.Time `json:"connected_since,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	Subscriptions      []string  `json:"subscriptions,omitempty"`
	TimelineCursor     string    `json:"timeline_cursor,omitempty"`
	NotificationCursor string    `json:"notification_cursor,omitempty"`
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Protocol:           m.cfg.Protocol,
		State:              m.state.String(),
		Connected:          m.state == StateConnected,
		ReconnectAttempts:  m.attempts,
		TimelineCursor:     m.sinceTimeline,
		NotificationCursor: m.sinceNotify,
	}
	if s.Connected {
		s.ConnectedSince = m.connectedAt
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	for key := range m.subscriptions {
		s.Subscriptions = append(s.Subscriptions, key)
	}
	sort.Strings(s.Subscriptions)
	return s
}

func (m *Manager) emitOperation(gen uint64, event string, stream []string, op streaming.Operation) {
	if !m.current(gen) {
		return
	}
	m.metrics.operation(string(op.OpKind()))
	m.emit(OperationReceived{Event: event, Stream: stream, Op: op})
}

func (m *Manager) dropFrame(reason string, err error) {
	m.metrics.dropped(reason)
	m.logger.Debug("Dropping frame", "reason", reason, "error", err)
}

func bearer(token string) string {
	return fmt.Sprintf("Bearer %s", token)
}

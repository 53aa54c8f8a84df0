// Package pool keeps keyed, reference-counted websocket connections that
// several subscribers can share. Each connection heartbeats, reconnects
// after abnormal closes while referenced, and is reaped once idle.
package pool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/clock"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var pingFrame = []byte(`{"type":"ping"}`)

// Handler receives every inbound message of a url.
type Handler func(data []byte) error

type subscription struct {
	id      string
	handler Handler
}

type entry struct {
	url          string
	socket       Socket
	state        State
	refCount     int
	lastActivity time.Time
	lastInbound  time.Time
	attempts     int

	heartbeat *clock.Timer
	reconnect *clock.Timer

	// generation invalidates read loops, ticks and dials that belong to
	// a previous socket of this entry.
	generation uint64
	ready      chan struct{}
	readyDone  bool
	dialErr    error

	writeMu sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock injects the clock driving heartbeats, reconnects and the reaper.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics registers pool metrics with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(p *Pool) { p.registry = registry }
}

// Pool is a set of shared connections keyed by url.
type Pool struct {
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger
	registry metric.MetricsRegistrar
	metrics  *poolMetrics

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string][]subscription
	reaper  *clock.Timer
	closed  bool
	wg      sync.WaitGroup

	evictions  int64
	reconnects int64
}

// New creates a pool and starts its idle reaper.
func New(cfg Config, dialer Dialer, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}

	p := &Pool{
		cfg:     cfg,
		dialer:  dialer,
		entries: make(map[string]*entry),
		subs:    make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pool")

	if p.registry != nil {
		m, err := newPoolMetrics(p.registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "pool", "New", "register metrics")
		}
		p.metrics = m
	}

	p.mu.Lock()
	p.scheduleReapLocked()
	p.mu.Unlock()
	return p, nil
}

// Connection is a reference to a pooled connection returned by Acquire.
type Connection struct {
	url  string
	pool *Pool
}

// URL returns the connection's key.
func (c *Connection) URL() string { return c.url }

// Send writes payload on the shared connection.
func (c *Connection) Send(payload []byte) error { return c.pool.Send(c.url, payload) }

// Subscribe registers h for inbound messages on the shared connection.
func (c *Connection) Subscribe(h Handler) func() { return c.pool.Subscribe(c.url, h) }

// Release drops this reference.
func (c *Connection) Release() { c.pool.Release(c.url) }

// Acquire returns a connected, referenced connection for url, dialing
// one if needed. When the pool is full, the least recently active idle
// connection is evicted; if every connection is referenced Acquire fails
// with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, url string) (*Connection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrShuttingDown, "pool", "Acquire", "acquire from closed pool")
		}

		e := p.entries[url]
		if e != nil {
			switch e.state {
			case StateConnected:
				e.refCount++
				e.lastActivity = p.clock.Now()
				p.mu.Unlock()
				p.metrics.acquired("reused")
				return &Connection{url: url, pool: p}, nil

			case StateConnecting:
				ready := e.ready
				p.mu.Unlock()
				select {
				case <-ready:
				case <-ctx.Done():
					return nil, errors.WrapTransient(ctx.Err(), "pool", "Acquire", "wait for connection")
				}
				p.mu.Lock()
				failed := p.entries[url] != e && e.dialErr != nil
				err := e.dialErr
				p.mu.Unlock()
				if failed {
					return nil, err
				}
				continue
			}
		}

		refs := 0
		if e != nil {
			// Stale entry: holders keep their references on the replacement.
			refs = e.refCount
			p.removeLocked(e)
		}

		if len(p.entries) >= p.cfg.MaxConnections {
			victim := p.idleVictimLocked()
			if victim == nil {
				p.mu.Unlock()
				p.metrics.acquired("exhausted")
				return nil, errors.WrapTransient(
					fmt.Errorf("%w: %d connections in use", errors.ErrPoolExhausted, len(p.entries)),
					"pool", "Acquire", "evict idle connection")
			}
			p.logger.Debug("Evicting idle connection", "url", victim.url, "for", url)
			p.removeLocked(victim)
			p.evictions++
			p.metrics.evicted()
		}

		e = &entry{
			url:          url,
			state:        StateConnecting,
			refCount:     refs,
			lastActivity: p.clock.Now(),
			ready:        make(chan struct{}),
		}
		p.entries[url] = e
		gen := e.generation
		p.mu.Unlock()

		sock, err := p.dial(ctx, url)

		p.mu.Lock()
		if p.entries[url] != e || e.generation != gen {
			p.mu.Unlock()
			if sock != nil {
				_ = sock.Close()
			}
			if err == nil {
				err = errors.WrapTransient(errors.ErrConnectionFailed, "pool", "Acquire", "connection closed while dialing")
			}
			return nil, err
		}
		if err != nil {
			e.dialErr = err
			p.removeLocked(e)
			p.mu.Unlock()
			p.metrics.acquired("failed")
			return nil, err
		}

		e.refCount++
		p.openLocked(e, sock)
		p.mu.Unlock()
		p.metrics.acquired("dialed")
		p.logger.Info("Connection opened", "url", url)
		return &Connection{url: url, pool: p}, nil
	}
}

// dial opens a socket within ConnectionTimeout.
func (p *Pool) dial(ctx context.Context, url string) (Socket, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	sock, err := p.dialer.Dial(dctx, url, p.cfg.Header)
	if err == nil {
		return sock, nil
	}
	if stderrors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w after %s", errors.ErrConnectionTimeout, p.cfg.ConnectionTimeout),
			"pool", "dial", "open "+url)
	}
	return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "pool", "dial", "open "+url)
}

// openLocked installs sock on e and starts its heartbeat and read loop.
func (p *Pool) openLocked(e *entry, sock Socket) {
	now := p.clock.Now()
	e.socket = sock
	e.state = StateConnected
	e.attempts = 0
	e.lastActivity = now
	e.lastInbound = now
	e.dialErr = nil
	p.markReadyLocked(e)

	gen := e.generation
	e.heartbeat = p.clock.AfterFunc(p.cfg.HeartbeatInterval, func() { p.heartbeatTick(e, gen) })

	p.wg.Add(1)
	go p.readLoop(e, sock, gen)
	p.metrics.setConnections(len(p.entries))
}

func (p *Pool) markReadyLocked(e *entry) {
	if !e.readyDone {
		e.readyDone = true
		close(e.ready)
	}
}

func (p *Pool) readLoop(e *entry, sock Socket, gen uint64) {
	defer p.wg.Done()
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			p.connectionLost(e, gen, err)
			return
		}

		p.mu.Lock()
		if e.generation != gen {
			p.mu.Unlock()
			return
		}
		now := p.clock.Now()
		e.lastActivity = now
		e.lastInbound = now
		subs := append([]subscription(nil), p.subs[e.url]...)
		p.mu.Unlock()

		p.fanOut(e.url, subs, data)
	}
}

// fanOut delivers data to each subscriber in registration order. A
// failing subscriber is logged and does not affect the others.
func (p *Pool) fanOut(url string, subs []subscription, data []byte) {
	for _, s := range subs {
		if err := p.deliver(s, data); err != nil {
			p.logger.Warn("Subscriber failed", "url", url, "subscription", s.id, "error", err)
			p.metrics.subscriberFailed()
		}
	}
}

func (p *Pool) deliver(s subscription, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", errors.ErrHandlerFailed, r)
		}
	}()
	if herr := s.handler(data); herr != nil {
		return fmt.Errorf("%w: %v", errors.ErrHandlerFailed, herr)
	}
	return nil
}

func (p *Pool) heartbeatTick(e *entry, gen uint64) {
	p.mu.Lock()
	if e.generation != gen || e.state != StateConnected {
		p.mu.Unlock()
		return
	}
	stale := p.cfg.LivenessTimeout > 0 &&
		p.clock.Now().Sub(e.lastInbound) > p.cfg.HeartbeatInterval+p.cfg.LivenessTimeout
	p.mu.Unlock()

	if stale {
		p.logger.Warn("No traffic within liveness deadline", "url", e.url)
		p.connectionLost(e, gen, errors.ErrConnectionLost)
		return
	}

	if err := p.write(e, pingFrame); err != nil {
		p.logger.Warn("Heartbeat failed", "url", e.url, "error", err)
		p.metrics.heartbeatFailed()
		p.connectionLost(e, gen, err)
		return
	}

	p.mu.Lock()
	if e.generation == gen && e.state == StateConnected {
		e.heartbeat = p.clock.AfterFunc(p.cfg.HeartbeatInterval, func() { p.heartbeatTick(e, gen) })
	}
	p.mu.Unlock()
}

// connectionLost handles a socket that closed or failed while generation
// gen was current. Referenced entries reconnect within the attempt budget;
// others are dropped.
func (p *Pool) connectionLost(e *entry, gen uint64, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries[e.url] != e || e.generation != gen {
		return
	}
	e.generation++
	e.heartbeat.Stop()
	if e.socket != nil {
		_ = e.socket.Close()
	}
	e.state = StateDisconnected

	if !isNormalClose(cause) {
		p.logger.Info("Connection lost", "url", e.url, "error", cause)
	}
	p.retryLocked(e)
}

// retryLocked schedules a reconnect for a disconnected entry or removes it.
func (p *Pool) retryLocked(e *entry) {
	if e.refCount <= 0 || e.attempts >= p.cfg.MaxReconnectAttempts {
		p.logger.Debug("Dropping connection", "url", e.url, "refs", e.refCount, "attempts", e.attempts)
		p.removeLocked(e)
		return
	}

	e.attempts++
	gen := e.generation
	p.logger.Info("Scheduling reconnect", "url", e.url, "attempt", e.attempts, "delay", p.cfg.ReconnectDelay)
	e.reconnect = p.clock.AfterFunc(p.cfg.ReconnectDelay, func() { p.redial(e, gen) })
}

func (p *Pool) redial(e *entry, gen uint64) {
	p.mu.Lock()
	if p.entries[e.url] != e || e.generation != gen || e.state != StateDisconnected {
		p.mu.Unlock()
		return
	}
	e.state = StateConnecting
	e.ready = make(chan struct{})
	e.readyDone = false
	p.reconnects++
	p.mu.Unlock()
	p.metrics.reconnected()

	sock, err := p.dial(context.Background(), e.url)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries[e.url] != e || e.generation != gen {
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		p.logger.Warn("Reconnect failed", "url", e.url, "attempt", e.attempts, "error", err)
		e.state = StateDisconnected
		e.dialErr = err
		p.markReadyLocked(e)
		p.retryLocked(e)
		return
	}
	p.openLocked(e, sock)
	p.logger.Info("Reconnected", "url", e.url)
}

// removeLocked is the single teardown point of an entry: it invalidates
// the generation, cancels both timers, closes the socket and deletes it.
func (p *Pool) removeLocked(e *entry) {
	e.generation++
	e.heartbeat.Stop()
	e.reconnect.Stop()
	e.state = StateDisconnecting
	if e.socket != nil {
		_ = e.socket.Close()
	}
	e.state = StateDisconnected
	if e.dialErr == nil && !e.readyDone {
		e.dialErr = errors.WrapTransient(errors.ErrConnectionFailed, "pool", "remove", "connection closed")
	}
	p.markReadyLocked(e)

	if p.entries[e.url] == e {
		delete(p.entries, e.url)
	}
	p.metrics.setConnections(len(p.entries))
}

func (p *Pool) idleVictimLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if e.refCount > 0 || e.state == StateConnecting {
			continue
		}
		if victim == nil || e.lastActivity.Before(victim.lastActivity) {
			victim = e
		}
	}
	return victim
}

// Release drops one reference to url. It never closes the connection
// and never drives the count below zero.
func (p *Pool) Release(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[url]
	if e == nil {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	e.lastActivity = p.clock.Now()
}

// Send writes payload to the connection for url.
func (p *Pool) Send(url string, payload []byte) error {
	p.mu.Lock()
	e := p.entries[url]
	if e == nil || e.state != StateConnected {
		p.mu.Unlock()
		return errors.WrapTransient(errors.ErrConnectionLost, "pool", "Send", "send to "+url)
	}
	e.lastActivity = p.clock.Now()
	p.mu.Unlock()

	if err := p.write(e, payload); err != nil {
		return errors.WrapTransient(err, "pool", "Send", "write to "+url)
	}
	return nil
}

// SendJSON encodes v and sends it to the connection for url.
func (p *Pool) SendJSON(url string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "pool", "SendJSON", "encode message")
	}
	return p.Send(url, data)
}

func (p *Pool) write(e *entry, payload []byte) error {
	p.mu.Lock()
	sock := e.socket
	p.mu.Unlock()
	if sock == nil {
		return errors.ErrConnectionLost
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, payload)
}

// Subscribe registers h for messages arriving on url. Subscriptions are
// independent of the connection's lifetime and survive reconnects.
func (p *Pool) Subscribe(url string, h Handler) func() {
	id := uuid.NewString()

	p.mu.Lock()
	p.subs[url] = append(p.subs[url], subscription{id: id, handler: h})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			subs := p.subs[url]
			for i, s := range subs {
				if s.id == id {
					p.subs[url] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(p.subs[url]) == 0 {
				delete(p.subs, url)
			}
		})
	}
}

// CloseConnection closes and removes the connection for url.
func (p *Pool) CloseConnection(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[url]; e != nil {
		p.removeLocked(e)
	}
}

// CloseAll closes every connection. The pool stays usable.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	for _, e := range p.entries {
		p.removeLocked(e)
	}
	p.mu.Unlock()
}

// Close tears the pool down: every connection, subscription and timer is
// released and later calls to Acquire fail.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.reaper.Stop()
	for _, e := range p.entries {
		p.removeLocked(e)
	}
	p.subs = make(map[string][]subscription)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) scheduleReapLocked() {
	p.reaper = p.clock.AfterFunc(p.cfg.ReapInterval, p.reap)
}

func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	now := p.clock.Now()
	for _, e := range p.entries {
		if e.refCount == 0 && e.state != StateConnecting && now.Sub(e.lastActivity) > p.cfg.IdleTimeout {
			p.logger.Debug("Reaping idle connection", "url", e.url, "idle", now.Sub(e.lastActivity))
			p.removeLocked(e)
		}
	}
	p.scheduleReapLocked()
}

// ConnectionStats describes one pooled connection.
type ConnectionStats struct {
	URL               string    `json:"url"`
	State             string    `json:"state"`
	RefCount          int       `json:"ref_count"`
	LastActivity      time.Time `json:"last_activity"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Subscribers       int       `json:"subscribers"`
}

// Stats summarizes the pool.
type Stats struct {
	TotalConnections  int               `json:"total_connections"`
	ActiveConnections int               `json:"active_connections"`
	IdleConnections   int               `json:"idle_connections"`
	Evictions         int64             `json:"evictions"`
	Reconnects        int64             `json:"reconnects"`
	Connections       []ConnectionStats `json:"connections"`
}

// Stats returns a snapshot ordered by url.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalConnections: len(p.entries),
		Evictions:        p.evictions,
		Reconnects:       p.reconnects,
		Connections:      make([]ConnectionStats, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		if e.refCount > 0 {
			s.ActiveConnections++
		} else {
			s.IdleConnections++
		}
		s.Connections = append(s.Connections, ConnectionStats{
			URL:               e.url,
			State:             e.state.String(),
			RefCount:          e.refCount,
			LastActivity:      e.lastActivity,
			ReconnectAttempts: e.attempts,
			Subscribers:       len(p.subs[e.url]),
		})
	}
	sort.Slice(s.Connections, func(i, j int) bool { return s.Connections[i].URL < s.Connections[j].URL })
	return s
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

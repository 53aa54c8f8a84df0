package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/pkg/clock"
	"github.com/c360/fedstream/pkg/retry"
	"github.com/c360/fedstream/streaming"
	"github.com/c360/fedstream/testutil"
	"github.com/c360/fedstream/transport"
)

func TestWebsocket_RealServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/streaming" || r.URL.Query().Get("access_token") != "tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, testutil.Frame("update", testutil.PostJSON("7", "hi"), true))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := transport.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.AccessToken = "tok"
	m, err := transport.New(cfg)
	require.NoError(t, err)
	defer m.Close()

	rec := &recorder{}
	m.On(transport.EventAny, rec.listen)
	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.count(transport.EventClose) == 1 }, 5*time.Second, 5*time.Millisecond)

	ops := rec.operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "7", ops[0].Op.TargetID())
	assert.Empty(t, rec.attempts())
	assert.Equal(t, transport.StateDisconnected, m.State())
}

func TestSSE_StreamsEventsAndReconnectsOnEOF(t *testing.T) {
	var mu sync.Mutex
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/streaming/user" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ":thump\n\n")
		fmt.Fprintf(w, "event: update\ndata: %s\n\n", testutil.PostJSON("10", "sse"))
		fmt.Fprint(w, "event: delete\ndata: 11\n\n")
		fmt.Fprint(w, "event: announcement\ndata: {}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	cfg := transport.DefaultConfig()
	cfg.Protocol = transport.ProtocolSSE
	cfg.BaseURL = srv.URL
	cfg.AccessToken = "tok"
	cfg.ReconnectInterval = time.Second

	clk := clock.Fake(epoch)
	m, err := transport.New(cfg, transport.WithClock(clk))
	require.NoError(t, err)
	defer m.Close()
	rec := &recorder{}
	m.On(transport.EventAny, rec.listen)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(rec.attempts()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ops := rec.operations()
	require.Len(t, ops, 2)
	assert.Equal(t, streaming.OpUpdate, ops[0].Op.OpKind())
	assert.Equal(t, []string{"user"}, ops[0].Stream)
	assert.Equal(t, streaming.Delete{EntityID: "11", EntityKind: streaming.KindPost}, ops[1].Op)
	assert.Equal(t, 1, rec.count(transport.EventError))

	mu.Lock()
	require.Len(t, headers, 1)
	assert.Equal(t, "text/event-stream", headers[0].Get("Accept"))
	assert.Equal(t, "Bearer tok", headers[0].Get("Authorization"))
	mu.Unlock()

	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(headers) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSSE_RejectedStreamFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := transport.DefaultConfig()
	cfg.Protocol = transport.ProtocolSSE
	cfg.BaseURL = srv.URL
	m, err := transport.New(cfg, transport.WithClock(clock.Fake(epoch)))
	require.NoError(t, err)
	defer m.Close()

	err = m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, transport.StateReconnecting, m.State())
}

// pollServer serves the home timeline and notifications newest first and
// records each request's query.
type pollServer struct {
	mu       sync.Mutex
	requests map[string][]string
	timeline []json.RawMessage
	notes    []json.RawMessage
}

func (s *pollServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.requests == nil {
		s.requests = make(map[string][]string)
	}
	s.requests[r.URL.Path] = append(s.requests[r.URL.Path], r.URL.Query().Get("since_id"))
	var items []json.RawMessage
	switch r.URL.Path {
	case "/api/v1/timelines/home":
		items, s.timeline = s.timeline, nil
	case "/api/v1/notifications":
		items, s.notes = s.notes, nil
	default:
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func (s *pollServer) calls(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests[path]...)
}

func newPollingManager(t *testing.T, ps *pollServer, mutate func(*transport.Config)) (*transport.Manager, *clock.FakeClock, *recorder) {
	t.Helper()
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)

	cfg := transport.DefaultConfig()
	cfg.Protocol = transport.ProtocolPolling
	cfg.BaseURL = srv.URL
	cfg.AccessToken = "tok"
	cfg.PollInterval = 5000 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	clk := clock.Fake(epoch)
	m, err := transport.New(cfg, transport.WithClock(clk), transport.WithRetry(retry.Config{MaxAttempts: 1}))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	rec := &recorder{}
	m.On(transport.EventAny, rec.listen)
	return m, clk, rec
}

func TestPolling_OneFetchCyclePerInterval(t *testing.T) {
	ps := &pollServer{
		timeline: []json.RawMessage{testutil.PostJSON("2", "newer"), testutil.PostJSON("1", "older")},
		notes:    []json.RawMessage{testutil.NotificationJSON("n2", "favourite"), testutil.NotificationJSON("n1", "follow")},
	}
	m, clk, rec := newPollingManager(t, ps, nil)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, m.State())
	assert.Equal(t, 1, rec.count(transport.EventOpen))
	assert.Empty(t, ps.calls("/api/v1/timelines/home"), "no fetch before the first tick")

	clk.Advance(4999 * time.Millisecond)
	assert.Empty(t, ps.calls("/api/v1/timelines/home"))

	clk.Advance(time.Millisecond)
	assert.Equal(t, []string{""}, ps.calls("/api/v1/timelines/home"))
	assert.Equal(t, []string{""}, ps.calls("/api/v1/notifications"))

	var ids []string
	for _, op := range rec.operations() {
		ids = append(ids, op.Op.TargetID())
	}
	assert.Equal(t, []string{"1", "2", "n1", "n2"}, ids)

	status := m.Status()
	assert.Equal(t, "2", status.TimelineCursor)
	assert.Equal(t, "n2", status.NotificationCursor)

	clk.Advance(5000 * time.Millisecond)
	assert.Equal(t, []string{"", "2"}, ps.calls("/api/v1/timelines/home"))
	assert.Equal(t, []string{"", "n2"}, ps.calls("/api/v1/notifications"))
	assert.Len(t, rec.operations(), 4)
}

func TestPolling_DefaultConfigFetchesEveryTick(t *testing.T) {
	ps := &pollServer{}
	m, clk, _ := newPollingManager(t, ps, func(c *transport.Config) { c.PollInterval = time.Second })
	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
	}
	assert.Len(t, ps.calls("/api/v1/timelines/home"), 10)
	assert.Len(t, ps.calls("/api/v1/notifications"), 10)
}

func TestPolling_RateLimitSkipsTick(t *testing.T) {
	ps := &pollServer{}
	m, clk, _ := newPollingManager(t, ps, func(c *transport.Config) {
		c.PollRateLimit = 0.1
		c.PollBurst = 2
	})
	require.NoError(t, m.Connect(context.Background()))

	clk.Advance(5 * time.Second)
	clk.Advance(5 * time.Second)
	assert.Len(t, ps.calls("/api/v1/timelines/home"), 1, "second tick exceeds the request budget")

	clk.Advance(15 * time.Second)
	assert.Len(t, ps.calls("/api/v1/timelines/home"), 2)
}

func TestPolling_FetchErrorEmitsErrorAndKeepsPolling(t *testing.T) {
	ps := &pollServer{}
	m, clk, rec := newPollingManager(t, ps, func(c *transport.Config) { c.AccessToken = "wrong" })
	require.NoError(t, m.Connect(context.Background()))

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, rec.count(transport.EventError))
	assert.Equal(t, transport.StateConnected, m.State())

	clk.Advance(5 * time.Second)
	assert.Len(t, ps.calls("/api/v1/notifications"), 2)
}

func TestPolling_SubscribeHasNoWireEffect(t *testing.T) {
	m, _, _ := newPollingManager(t, &pollServer{}, nil)
	require.NoError(t, m.Connect(context.Background()))

	assert.NoError(t, m.SubscribeToAdmin())
	assert.NoError(t, m.SubscribeToHashtag("go"))
}

func TestPolling_DisconnectStopsTicks(t *testing.T) {
	ps := &pollServer{}
	m, clk, _ := newPollingManager(t, ps, nil)
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	clk.Advance(time.Minute)
	assert.Empty(t, ps.calls("/api/v1/timelines/home"))
}

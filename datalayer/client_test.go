package datalayer_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/config"
	"github.com/c360/fedstream/datalayer"
	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/health"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/clock"
	"github.com/c360/fedstream/streaming"
	fstest "github.com/c360/fedstream/testutil"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	streamURL = "wss://social.example/api/v1/streaming?access_token=tok"
	feedURL   = "wss://other.example/api/v1/streaming?stream=public"
	debounce  = 100 * time.Millisecond
)

type harness struct {
	client *datalayer.Client
	dialer *fstest.FakeDialer
	clk    *clock.FakeClock
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...datalayer.Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.BaseURL = "https://social.example"
	cfg.Transport.AccessToken = "tok"
	cfg.Transport.ReconnectInterval = time.Second
	cfg.Queue.Debounce = debounce
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{dialer: fstest.NewFakeDialer(), clk: clock.Fake(epoch)}
	opts = append([]datalayer.Option{datalayer.WithClock(h.clk), datalayer.WithDialer(h.dialer)}, opts...)
	client, err := datalayer.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	h.client = client
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background()))
}

// deliver pushes frames on the transport socket and waits until the queue
// holds want operations.
func (h *harness) deliver(t *testing.T, want int, frames ...[]byte) {
	t.Helper()
	sock := h.dialer.Socket(streamURL)
	require.NotNil(t, sock)
	for _, f := range frames {
		sock.Deliver(f)
	}
	require.Eventually(t, func() bool { return h.client.Stats().Queue.QueueLength == want },
		time.Second, time.Millisecond)
}

// renderer records callback invocations as "hook:id" strings.
type renderer struct {
	mu    sync.Mutex
	calls []string
	last  map[string]streaming.Entity
}

func (r *renderer) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *renderer) callbacks() datalayer.Callbacks {
	return datalayer.Callbacks{
		OnUpdate: func(e streaming.Entity) {
			r.record("update:" + e.ID)
			r.keep(e)
		},
		OnDelete: func(id string) { r.record("delete:" + id) },
		OnEdit: func(e streaming.Entity) {
			r.record("edit:" + e.ID)
			r.keep(e)
		},
		OnConflict: func(id string, _ []string) { r.record("conflict:" + id) },
	}
}

func (r *renderer) keep(e streaming.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]streaming.Entity)
	}
	r.last[e.ID] = e
}

func (r *renderer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestNew_Validation(t *testing.T) {
	_, err := datalayer.New(config.Default())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg := config.Default()
	cfg.Transport.BaseURL = "https://social.example"
	cfg.Relay.Enabled = true
	_, err = datalayer.New(cfg, datalayer.WithDialer(fstest.NewFakeDialer()))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestSetCallbacks_RejectsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.client.SetCallbacks("reaction", datalayer.Callbacks{}))
	assert.NoError(t, h.client.SetCallbacks(streaming.KindAccount, datalayer.Callbacks{}))
}

func TestPipeline_UpdateAndDeleteReachCacheAndRenderer(t *testing.T) {
	h := newHarness(t, nil)
	r := &renderer{}
	require.NoError(t, h.client.SetCallbacks(streaming.KindPost, r.callbacks()))
	require.NoError(t, h.client.SetCallbacks(streaming.KindNotification, r.callbacks()))
	h.start(t)

	h.deliver(t, 2,
		fstest.Frame("update", fstest.PostJSON("1", "hello"), true, "user"),
		fstest.Frame("notification", fstest.NotificationJSON("n1", "mention"), false),
	)
	h.clk.Advance(debounce - time.Millisecond)
	assert.Empty(t, r.snapshot(), "nothing dispatched before the debounce")

	h.clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"update:1", "update:n1"}, r.snapshot())

	entry, ok := h.client.GetCachedItem("1", streaming.KindPost)
	require.True(t, ok)
	assert.Equal(t, "1", entry.Entity.ID)
	assert.Len(t, h.client.Items(streaming.KindNotification), 1)

	h.deliver(t, 1, fstest.DeleteFrame("1"))
	h.clk.Advance(debounce)
	assert.Equal(t, []string{"update:1", "update:n1", "delete:1"}, r.snapshot())
	_, ok = h.client.GetCachedItem("1", streaming.KindPost)
	assert.False(t, ok)
}

func TestPipeline_StaleEditReportsConflict(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Queue.EnableDeduplication = false })
	r := &renderer{}
	require.NoError(t, h.client.SetCallbacks(streaming.KindPost, r.callbacks()))
	h.start(t)

	newer := epoch.Add(2 * time.Hour)
	older := epoch.Add(time.Hour)
	h.deliver(t, 3,
		fstest.Frame("update", fstest.PostJSON("1", "v1"), false),
		fstest.Frame("status.update", fstest.EditedPostJSON("1", "v2", newer), false),
		fstest.Frame("status.update", fstest.EditedPostJSON("1", "stale", older), false),
	)
	h.clk.Advance(debounce)

	assert.Equal(t, []string{"update:1", "edit:1", "conflict:1"}, r.snapshot())
	entry, ok := h.client.GetCachedItem("1", streaming.KindPost)
	require.True(t, ok)
	assert.True(t, entry.EditedAt.Equal(newer))
	assert.Contains(t, string(entry.Entity.Data), "v2")
	assert.Equal(t, int64(1), h.client.Stats().Queue.HandlerErrors)
}

func TestPipeline_RendererPanicDoesNotStopBatch(t *testing.T) {
	pub := fstest.NewMockPublisher()
	h := newHarness(t, func(c *config.Config) { c.Relay.Enabled = true }, datalayer.WithPublisher(pub))
	r := &renderer{}
	require.NoError(t, h.client.SetCallbacks(streaming.KindPost, datalayer.Callbacks{
		OnUpdate: func(e streaming.Entity) {
			if e.ID == "1" {
				panic("render failed")
			}
			r.record("update:" + e.ID)
		},
	}))
	h.start(t)

	h.deliver(t, 2,
		fstest.Frame("update", fstest.PostJSON("1", "a"), false),
		fstest.Frame("update", fstest.PostJSON("2", "b"), false),
	)
	h.clk.Advance(debounce)

	assert.Equal(t, []string{"update:2"}, r.snapshot())
	assert.Equal(t, int64(1), h.client.Stats().Queue.HandlerErrors)
	_, ok := h.client.GetCachedItem("1", streaming.KindPost)
	assert.True(t, ok, "cache is updated before the renderer runs")

	require.Eventually(t, func() bool { return len(pub.Subjects()) == 2 }, time.Second, time.Millisecond,
		"the operation whose renderer panicked is still relayed")
}

func TestFollow_SharesOneConnection(t *testing.T) {
	h := newHarness(t, nil)
	r := &renderer{}
	require.NoError(t, h.client.SetCallbacks(streaming.KindPost, r.callbacks()))
	h.start(t)

	ctx := context.Background()
	stopA, err := h.client.Follow(ctx, feedURL)
	require.NoError(t, err)
	stopB, err := h.client.Follow(ctx, feedURL)
	require.NoError(t, err)
	assert.Equal(t, 1, h.dialer.Dials(feedURL))

	h.dialer.Socket(feedURL).Deliver(fstest.Frame("update", fstest.PostJSON("9", "federated"), false))
	require.Eventually(t, func() bool {
		st := h.client.Stats().Queue
		return st.QueueLength == 1 && st.Deduplicated == 1
	}, time.Second, time.Millisecond, "both followers receive the frame, the second copy is deduplicated")

	h.clk.Advance(debounce)
	assert.Equal(t, []string{"update:9"}, r.snapshot())

	stopA()
	stopA()
	stopB()
	stats := h.client.Stats().Pool
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, 0, stats.Connections[0].RefCount)
	assert.Equal(t, 0, stats.Connections[0].Subscribers)
}

func TestStart_FollowsConfiguredFeeds(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Feeds = []string{feedURL} })
	h.start(t)

	assert.Equal(t, 1, h.dialer.Dials(feedURL))
	assert.Equal(t, 1, h.dialer.Dials(streamURL))
	assert.Equal(t, 1, h.client.Stats().Pool.ActiveConnections)

	require.NoError(t, h.client.Close(context.Background()))
	assert.True(t, h.dialer.Socket(feedURL).Closed())
	assert.True(t, h.dialer.Socket(streamURL).Closed())
}

func TestRelay_PublishesAppliedOperations(t *testing.T) {
	pub := fstest.NewMockPublisher()
	h := newHarness(t, func(c *config.Config) { c.Relay.Enabled = true }, datalayer.WithPublisher(pub))
	h.start(t)

	h.deliver(t, 2,
		fstest.Frame("update", fstest.PostJSON("1", "ok"), false),
		fstest.DeleteFrame("404"),
	)
	h.clk.Advance(debounce)

	require.Eventually(t, func() bool { return len(pub.Subjects()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"fedstream.ops.update.post"}, pub.Subjects(), "a delete of an uncached id is not relayed")

	require.NoError(t, h.client.Close(context.Background()))
	rs := h.client.Stats().Relay
	require.NotNil(t, rs)
	assert.Equal(t, int64(1), rs.Published)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, datalayer.StatusStopped, h.client.Status())

	h.start(t)
	assert.Equal(t, datalayer.StatusRunning, h.client.Status())

	err := h.client.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, h.client.Close(context.Background()))
	require.NoError(t, h.client.Close(context.Background()))
	assert.Equal(t, datalayer.StatusStopped, h.client.Status())

	err = h.client.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	_, err = h.client.Follow(context.Background(), feedURL)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestClose_FlushesQueuedOperations(t *testing.T) {
	h := newHarness(t, nil)
	r := &renderer{}
	require.NoError(t, h.client.SetCallbacks(streaming.KindPost, r.callbacks()))
	h.start(t)

	h.deliver(t, 1, fstest.Frame("update", fstest.PostJSON("5", "late"), false))
	require.NoError(t, h.client.Close(context.Background()))
	assert.Equal(t, []string{"update:5"}, r.snapshot())
}

func TestStart_DialFailureKeepsRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.Fail(streamURL, stderrors.New("refused"))

	err := h.client.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, datalayer.StatusRunning, h.client.Status())

	status := h.client.Health()
	assert.Equal(t, health.StateDegraded, status.Status)

	h.dialer.Fail(streamURL, nil)
	h.clk.Advance(time.Second)
	require.Eventually(t, func() bool { return h.client.Health().IsHealthy() }, time.Second, time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	before := h.client.Health()
	assert.Equal(t, health.StateDegraded, before.Status, "transport reports degraded until started")

	h.start(t)
	after := h.client.Health()
	assert.Equal(t, health.StateHealthy, after.Status)
	assert.Equal(t, []string{"pool", "queue", "transport"}, h.client.Monitor().ListComponents())
}

func TestMetrics_CoreCounters(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHarness(t, nil, datalayer.WithMetrics(registry))
	h.start(t)

	h.deliver(t, 1, fstest.Frame("update", fstest.PostJSON("1", "m"), false))
	h.clk.Advance(debounce)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.OperationsReceived.WithLabelValues("transport", "update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.OperationsApplied.WithLabelValues("update", "post", "applied")))

	h.client.Health()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ComponentHealthy.WithLabelValues("transport")))
}

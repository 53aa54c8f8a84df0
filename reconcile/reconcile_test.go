package reconcile_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/reconcile"
	"github.com/c360/fedstream/streaming"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entity(kind streaming.EntityKind, id, data string) streaming.Entity {
	return streaming.Entity{ID: id, Kind: kind, Data: json.RawMessage(data)}
}

func update(kind streaming.EntityKind, id, data string) streaming.Update {
	return streaming.Update{EntityKind: kind, Payload: entity(kind, id, data)}
}

func editPost(id, content string, at time.Time) streaming.Edit {
	return streaming.Edit{
		EntityID:   id,
		EntityKind: streaming.KindPost,
		Data:       entity(streaming.KindPost, id, `{"content":"`+content+`"}`),
		EditedAt:   at,
	}
}

func newCache(t *testing.T, cfg reconcile.Config, opts ...reconcile.Option) *reconcile.Cache {
	t.Helper()
	c, err := reconcile.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestUpdate_StructuralCheck(t *testing.T) {
	tests := []struct {
		name    string
		op      streaming.Update
		applied bool
	}{
		{"post", update(streaming.KindPost, "1", `{"content":"hi"}`), true},
		{"account", update(streaming.KindAccount, "a", `{"username":"alice"}`), true},
		{"notification", update(streaming.KindNotification, "n", `{"type":"follow"}`), true},
		{"missing id", update(streaming.KindPost, "", `{"content":"hi"}`), false},
		{"post without content", update(streaming.KindPost, "1", `{"username":"alice"}`), false},
		{"account without username", update(streaming.KindAccount, "a", `{"content":"x"}`), false},
		{"notification with null type", update(streaming.KindNotification, "n", `{"type":null}`), false},
		{"unknown kind", update("status", "1", `{"content":"hi"}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(t, reconcile.DefaultConfig())
			res := c.ApplyOperation(tt.op)
			assert.Equal(t, tt.applied, res.Applied)
			assert.Empty(t, res.Conflicts)

			_, cached := c.GetCachedItem(tt.op.Payload.ID, tt.op.EntityKind)
			assert.Equal(t, tt.applied, cached)
		})
	}
}

func TestUpdate_UpsertsAndKindsAreDisjoint(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())

	require.True(t, c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"first"}`)).Applied)
	require.True(t, c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"second"}`)).Applied)
	require.True(t, c.ApplyOperation(update(streaming.KindAccount, "1", `{"username":"bob"}`)).Applied)

	post, ok := c.GetCachedItem("1", streaming.KindPost)
	require.True(t, ok)
	assert.JSONEq(t, `{"content":"second"}`, string(post.Entity.Data))

	acct, ok := c.GetCachedItem("1", streaming.KindAccount)
	require.True(t, ok)
	assert.JSONEq(t, `{"username":"bob"}`, string(acct.Entity.Data))

	_, ok = c.GetCachedItem("1", streaming.KindNotification)
	assert.False(t, ok)
	assert.Equal(t, 2, c.CacheStats().Entries)
}

func TestDelete(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"x"}`))

	assert.False(t, c.ApplyOperation(streaming.Delete{EntityID: "1", EntityKind: streaming.KindAccount}).Applied,
		"delete is scoped to its kind")
	assert.True(t, c.ApplyOperation(streaming.Delete{EntityID: "1", EntityKind: streaming.KindPost}).Applied)
	assert.False(t, c.ApplyOperation(streaming.Delete{EntityID: "1", EntityKind: streaming.KindPost}).Applied)

	_, ok := c.GetCachedItem("1", streaming.KindPost)
	assert.False(t, ok)
}

func TestEdit_StaleEditConflicts(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	require.True(t, c.ApplyOperation(editPost("1", "newer", t0.Add(time.Minute))).Applied)

	res := c.ApplyOperation(editPost("1", "older", t0))
	assert.False(t, res.Applied)
	require.Len(t, res.Conflicts, 1)
	assert.Contains(t, res.Conflicts[0], errors.ErrEditConflict.Error())

	entry, ok := c.GetCachedItem("1", streaming.KindPost)
	require.True(t, ok)
	assert.JSONEq(t, `{"content":"newer"}`, string(entry.Entity.Data))
	assert.Equal(t, t0.Add(time.Minute), entry.EditedAt)
	assert.Equal(t, int64(1), c.CacheStats().Conflicts)
}

func TestEdit_NewerOrEqualEditApplies(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	c.ApplyOperation(editPost("1", "v1", t0))

	res := c.ApplyOperation(editPost("1", "v1-again", t0))
	assert.True(t, res.Applied, "equal timestamps are not strictly later")
	assert.Empty(t, res.Conflicts)

	res = c.ApplyOperation(editPost("1", "v2", t0.Add(time.Second)))
	assert.True(t, res.Applied)
	assert.Empty(t, res.Conflicts)

	entry, _ := c.GetCachedItem("1", streaming.KindPost)
	assert.JSONEq(t, `{"content":"v2"}`, string(entry.Entity.Data))
	assert.Equal(t, "1", entry.Entity.ID)
	assert.Equal(t, streaming.KindPost, entry.Entity.Kind)
}

func TestEdit_AfterUpdateWithoutEditTime(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"original"}`))

	assert.True(t, c.ApplyOperation(editPost("1", "edited", t0)).Applied)
}

func TestClearCache(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"x"}`))
	c.ApplyOperation(update(streaming.KindNotification, "n", `{"type":"mention"}`))

	c.ClearCache()
	assert.Equal(t, 0, c.CacheStats().Entries)
	assert.Empty(t, c.Items(streaming.KindPost))
}

func TestMaxEntriesPerKind_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, reconcile.Config{MaxEntriesPerKind: 2})
	c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"a"}`))
	c.ApplyOperation(update(streaming.KindPost, "2", `{"content":"b"}`))
	_, _ = c.GetCachedItem("1", streaming.KindPost)
	c.ApplyOperation(update(streaming.KindPost, "3", `{"content":"c"}`))
	c.ApplyOperation(update(streaming.KindAccount, "a", `{"username":"x"}`))

	_, ok := c.GetCachedItem("2", streaming.KindPost)
	assert.False(t, ok)
	_, ok = c.GetCachedItem("1", streaming.KindPost)
	assert.True(t, ok)

	stats := c.CacheStats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(1), stats.Kinds[streaming.KindPost].Evictions)
}

func TestConfig_RejectsNegativeBound(t *testing.T) {
	_, err := reconcile.New(reconcile.Config{MaxEntriesPerKind: -1})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
}

func TestHandler_ReportsConflicts(t *testing.T) {
	c := newCache(t, reconcile.DefaultConfig())
	h := c.Handler()
	ctx := context.Background()

	require.NoError(t, h(ctx, editPost("1", "new", t0.Add(time.Hour))))
	require.NoError(t, h(ctx, update(streaming.KindPost, "", `{}`)), "rejected updates are not errors")

	err := h(ctx, editPost("1", "old", t0))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrEditConflict))
}

func TestMetrics_Registered(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newCache(t, reconcile.DefaultConfig(), reconcile.WithMetrics(registry))
	c.ApplyOperation(update(streaming.KindPost, "1", `{"content":"x"}`))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fedstream_reconcile_operations_total"])
	assert.True(t, names["fedstream_cache_writes_total"])
}

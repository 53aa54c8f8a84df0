package cache

import (
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
)

func builders() map[string]func() (Cache[string], error) {
	return map[string]func() (Cache[string], error){
		"simple": func() (Cache[string], error) { return NewSimple[string]() },
		"lru":    func() (Cache[string], error) { return NewLRU[string](100) },
	}
}

func TestCache_BasicOperations(t *testing.T) {
	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			c, err := build()
			require.NoError(t, err)
			defer c.Close()

			isNew, err := c.Set("post-1", "hello")
			require.NoError(t, err)
			assert.True(t, isNew)

			isNew, err = c.Set("post-1", "edited")
			require.NoError(t, err)
			assert.False(t, isNew)

			v, ok := c.Get("post-1")
			require.True(t, ok)
			assert.Equal(t, "edited", v)

			_, ok = c.Get("post-2")
			assert.False(t, ok)

			existed, err := c.Delete("post-1")
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = c.Delete("post-1")
			require.NoError(t, err)
			assert.False(t, existed)

			s := c.Stats().Summary()
			assert.Equal(t, int64(1), s.Hits)
			assert.Equal(t, int64(1), s.Misses)
			assert.Equal(t, int64(2), s.Sets)
			assert.Equal(t, int64(1), s.Deletes)
			assert.Equal(t, 0.5, s.HitRatio)
		})
	}
}

func TestCache_EmptyKeyRejected(t *testing.T) {
	for name, build := range builders() {
		t.Run(name, func(t *testing.T) {
			c, err := build()
			require.NoError(t, err)

			_, err = c.Set("", "x")
			assert.True(t, errors.IsInvalid(err))
			_, err = c.Delete("")
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCache_ClearInvokesCallback(t *testing.T) {
	var evicted []string
	c, err := NewSimple(WithEvictionCallback(func(k string, _ int) { evicted = append(evicted, k) }))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	require.NoError(t, c.Clear())

	sort.Strings(evicted)
	assert.Equal(t, []string{"a", "b"}, evicted)
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU(2, WithEvictionCallback(func(k string, _ int) { evicted = append(evicted, k) }))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("a")
	_, _ = c.Set("c", 3)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Strategy: StrategyLRU, MaxSize: 1}.Validate())
	assert.True(t, errors.IsInvalid(Config{Strategy: StrategyLRU}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Strategy: "ttl"}.Validate()))

	c, err := New[int](Config{Strategy: StrategyLRU, MaxSize: 1})
	require.NoError(t, err)
	_, _ = c.Set("x", 1)
	_, _ = c.Set("y", 2)
	assert.Equal(t, 1, c.Size())
}

func TestCache_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewSimple(WithMetrics[int](registry, "posts"))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	m := c.(*simpleCache[int]).metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.size))

	_, err = NewSimple(WithMetrics[int](registry, "posts"))
	assert.Error(t, err)
}

package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, 4, buf.Capacity())
	assert.False(t, buf.IsFull())

	head, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, head)

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, buf.Drain())
	assert.True(t, buf.IsEmpty())

	_, ok = buf.Read()
	assert.False(t, ok)
	assert.Nil(t, buf.ReadBatch(5))
}

func TestCircularBuffer_OverflowEvictsOldest(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer(3, WithDropCallback(func(s string) { dropped = append(dropped, s) }))
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, buf.Write(s))
	}

	assert.True(t, buf.IsFull())
	assert.Equal(t, []string{"c", "d", "e"}, buf.Drain())
	assert.Equal(t, []string{"a", "b"}, dropped)
	assert.Equal(t, int64(2), buf.Stats().Drops())
}

func TestCircularBuffer_Wraparound(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Write(i))
		if i%2 == 1 {
			_, _ = buf.Read()
		}
	}
	assert.Equal(t, []int{8, 9}, buf.Drain())
}

func TestCircularBuffer_Statistics(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)
	_ = buf.ReadBatch(1)

	s := buf.Stats().Summary()
	assert.Equal(t, int64(3), s.Writes)
	assert.Equal(t, int64(1), s.Reads)
	assert.Equal(t, int64(1), s.Drops)
	assert.Equal(t, int64(1), s.CurrentSize)
	assert.Equal(t, int64(2), s.MaxSize)
	assert.InDelta(t, 0.25, s.DropRate, 0.0001)
}

func TestCircularBuffer_ClearAndClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	_ = buf.Write(1)
	buf.Clear()
	assert.True(t, buf.IsEmpty())

	require.NoError(t, buf.Close())
	err = buf.Write(2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCircularBuffer_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCircularBuffer(1, WithMetrics[int](registry, "queue"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)

	cb := buf.(*circularBuffer[int])
	assert.Equal(t, 2.0, testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.utilization))

	_, err = NewCircularBuffer(1, WithMetrics[int](registry, "queue"))
	assert.Error(t, err)
}

func TestCircularBuffer_Concurrent(t *testing.T) {
	buf, err := NewCircularBuffer[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = buf.Write(i)
				_ = buf.ReadBatch(2)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, buf.Size(), 64)
	assert.Equal(t, int64(800), buf.Stats().Writes())
}

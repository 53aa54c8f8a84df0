package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/clock"
)

// unreachable refuses connections immediately.
const unreachable = "nats://127.0.0.1:1"

func newFakeClient(t *testing.T, opts ...ClientOption) (*Client, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := NewClient(unreachable, append([]ClientOption{WithClock(clk), WithTimeout(200 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return c, clk
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"zero threshold", WithCircuitBreakerThreshold(0)},
		{"zero backoff", WithMaxBackoff(0)},
		{"negative timeout", WithTimeout(-time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tt.opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	c, _ := newFakeClient(t)

	for i := 0; i < 4; i++ {
		c.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(5), c.Failures())
}

func TestCircuitBreaker_HalfOpensAfterBackoff(t *testing.T) {
	c, clk := newFakeClient(t)
	for i := 0; i < 5; i++ {
		c.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, c.Status())

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, StatusCircuitOpen, c.Status())

	clk.Advance(time.Millisecond)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestCircuitBreaker_BackoffDoublesAndCaps(t *testing.T) {
	c, _ := newFakeClient(t, WithMaxBackoff(5*time.Second))

	round := func() {
		for i := 0; i < 5; i++ {
			c.recordFailure()
		}
	}
	round()
	assert.Equal(t, 2*time.Second, c.Backoff())
	round()
	assert.Equal(t, 4*time.Second, c.Backoff())
	round()
	assert.Equal(t, 5*time.Second, c.Backoff())

	c.resetCircuit()
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnect_FailureOpensCircuit(t *testing.T) {
	c, clk := newFakeClient(t, WithCircuitBreakerThreshold(1))

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, StatusCircuitOpen, c.Status())

	err = c.Connect(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, int32(1), c.Failures(), "an open circuit fails fast without dialing")

	clk.Advance(time.Second)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), c.Failures())
}

func TestConnect_FailureBelowThreshold(t *testing.T) {
	c, _ := newFakeClient(t)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.GetStatus().LastFailureTime.IsZero())
}

func TestPublish_RequiresConnection(t *testing.T) {
	c, _ := newFakeClient(t)

	err := c.Publish(context.Background(), "fedstream.ops.update.post", []byte("{}"))
	assert.True(t, stderrors.Is(err, ErrNotConnected))
	assert.True(t, errors.IsTransient(err))

	for i := 0; i < 5; i++ {
		c.recordFailure()
	}
	err = c.Publish(context.Background(), "fedstream.ops.update.post", []byte("{}"))
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	c, _ := newFakeClient(t)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	err := c.Connect(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrShuttingDown))
}

func TestWaitForConnection_Timeout(t *testing.T) {
	c, _ := newFakeClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestMetrics_StatusGauge(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, _ := newFakeClient(t, WithMetrics(registry))
	for i := 0; i < 5; i++ {
		c.recordFailure()
	}

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var status, failures float64
	for _, f := range families {
		switch f.GetName() {
		case "fedstream_nats_status":
			status = f.GetMetric()[0].GetGauge().GetValue()
		case "fedstream_nats_connect_failures_total":
			failures = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(StatusCircuitOpen), status)
	assert.Equal(t, 5.0, failures)
}

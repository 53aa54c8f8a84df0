package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("pool", "test_counter", counter))
	counter.Inc()

	assert.True(t, gathered(t, registry, "test_counter"))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})

	require.NoError(t, registry.RegisterGauge("queue", "dup", g1))

	err := registry.RegisterGauge("queue", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterGauge("other", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "test"}, []string{"a"})

	require.NoError(t, registry.RegisterCounterVec("relay", "vec", vec))
	assert.True(t, registry.Unregister("relay", "vec"))
	assert.False(t, registry.Unregister("relay", "vec"))

	require.NoError(t, registry.RegisterCounterVec("relay", "vec", vec))
}

func TestCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordReceived("websocket", "update")
	m.RecordApplied("edit", "post", false)
	m.RecordError("pool", "transient")
	m.RecordHealth("transport", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsReceived.WithLabelValues("websocket", "update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsApplied.WithLabelValues("edit", "post", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentHealthy.WithLabelValues("transport")))
	assert.True(t, gathered(t, registry, "fedstream_errors_total"))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordReceived("polling", "notification")

	srv := httptest.NewServer(NewServer("", "", registry, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fedstream_operations_received_total")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, s.Start())

	err := s.Start()
	assert.True(t, errors.IsInvalid(err))

	resp, err := http.Get("http://" + s.Address() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

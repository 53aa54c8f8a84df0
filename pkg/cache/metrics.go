package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

// cacheMetrics mirrors Statistics into Prometheus. A nil *cacheMetrics is
// valid and records nothing.
type cacheMetrics struct {
	requests  *prometheus.CounterVec
	writes    *prometheus.CounterVec
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry metric.MetricsRegistrar, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &cacheMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: "requests_total",
			Help: "Cache lookups by result", ConstLabels: labels,
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: "writes_total",
			Help: "Cache mutations by kind", ConstLabels: labels,
		}, []string{"op"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted for capacity", ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: "entries",
			Help: "Current number of entries", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterCounterVec(component, "cache_requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(component, "cache_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "cache_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.requests.WithLabelValues("hit").Inc()
	} else {
		m.requests.WithLabelValues("miss").Inc()
	}
}

func (m *cacheMetrics) set(size int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues("set").Inc()
	m.size.Set(float64(size))
}

func (m *cacheMetrics) delete(size int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues("delete").Inc()
	m.size.Set(float64(size))
}

func (m *cacheMetrics) evict() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *cacheMetrics) resize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}

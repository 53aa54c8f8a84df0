package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

// poolMetrics is nil when no registry was supplied; every method is a
// no-op on a nil receiver.
type poolMetrics struct {
	connections      prometheus.Gauge
	acquires         *prometheus.CounterVec
	evictions        prometheus.Counter
	reconnects       prometheus.Counter
	heartbeatFails   prometheus.Counter
	subscriberErrors prometheus.Counter
}

func newPoolMetrics(registry metric.MetricsRegistrar) (*poolMetrics, error) {
	labels := prometheus.Labels{"component": "pool"}
	m := &poolMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "connections",
			Help: "Pooled connections", ConstLabels: labels,
		}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "acquires_total",
			Help: "Acquire calls by result", ConstLabels: labels,
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "evictions_total",
			Help: "Idle connections evicted to make room", ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "reconnects_total",
			Help: "Reconnect attempts", ConstLabels: labels,
		}),
		heartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "heartbeat_failures_total",
			Help: "Heartbeat pings that failed to send", ConstLabels: labels,
		}),
		subscriberErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "pool", Name: "subscriber_errors_total",
			Help: "Subscriber errors and panics", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterGauge("pool", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("pool", "acquires", m.acquires); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("pool", "evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("pool", "reconnects", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("pool", "heartbeat_failures", m.heartbeatFails); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("pool", "subscriber_errors", m.subscriberErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *poolMetrics) acquired(result string) {
	if m != nil {
		m.acquires.WithLabelValues(result).Inc()
	}
}

func (m *poolMetrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *poolMetrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *poolMetrics) heartbeatFailed() {
	if m != nil {
		m.heartbeatFails.Inc()
	}
}

func (m *poolMetrics) subscriberFailed() {
	if m != nil {
		m.subscriberErrors.Inc()
	}
}

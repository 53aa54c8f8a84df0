package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

type clientMetrics struct {
	status    prometheus.Gauge
	published *prometheus.CounterVec
	failures  prometheus.Counter
}

func newClientMetrics(registry metric.MetricsRegistrar) (*clientMetrics, error) {
	labels := prometheus.Labels{"component": "natsclient"}
	m := &clientMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "nats", Name: "status",
			Help:        "Connection status (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 circuit open)",
			ConstLabels: labels,
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "nats", Name: "published_total",
			Help: "Publish calls by result", ConstLabels: labels,
		}, []string{"result"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "nats", Name: "connect_failures_total",
			Help: "Failed connection attempts", ConstLabels: labels,
		}),
	}
	if err := registry.RegisterGauge("natsclient", "status", m.status); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("natsclient", "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("natsclient", "connect_failures", m.failures); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) setStatus(s ConnectionStatus) {
	if m != nil {
		m.status.Set(float64(s))
	}
}

func (m *clientMetrics) publish(result string) {
	if m != nil {
		m.published.WithLabelValues(result).Inc()
	}
}

func (m *clientMetrics) failure() {
	if m != nil {
		m.failures.Inc()
	}
}

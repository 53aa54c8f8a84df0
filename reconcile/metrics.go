package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

type reconcileMetrics struct {
	operations *prometheus.CounterVec
}

func newReconcileMetrics(registry metric.MetricsRegistrar) (*reconcileMetrics, error) {
	m := &reconcileMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "reconcile",
			Name:        "operations_total",
			Help:        "Operations applied to the cache by kind and outcome",
			ConstLabels: prometheus.Labels{"component": "reconcile"},
		}, []string{"op", "kind", "outcome"}),
	}
	if err := registry.RegisterCounterVec("reconcile", "operations", m.operations); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *reconcileMetrics) observe(op, kind, outcome string) {
	if m != nil {
		m.operations.WithLabelValues(op, kind, outcome).Inc()
	}
}

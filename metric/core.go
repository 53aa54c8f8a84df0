package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the cross-component metrics of the data layer. Component
// specific metrics are registered by each component through the registry.
type Metrics struct {
	OperationsReceived *prometheus.CounterVec
	OperationsApplied  *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	ComponentHealthy   *prometheus.GaugeVec
}

// NewMetrics creates the core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		OperationsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "operations",
				Name:      "received_total",
				Help:      "Streaming operations received from a transport or feed",
			},
			[]string{"source", "op"},
		),
		OperationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "operations",
				Name:      "applied_total",
				Help:      "Streaming operations applied to the local cache",
			},
			[]string{"op", "kind", "result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
		ComponentHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "component_healthy",
				Help:      "1 when the component reports healthy",
			},
			[]string{"component"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.OperationsReceived,
		m.OperationsApplied,
		m.ErrorsTotal,
		m.ComponentHealthy,
	}
}

// RecordReceived counts an operation arriving from source
func (m *Metrics) RecordReceived(source, op string) {
	m.OperationsReceived.WithLabelValues(source, op).Inc()
}

// RecordApplied counts a cache application outcome
func (m *Metrics) RecordApplied(op, kind string, applied bool) {
	result := "applied"
	if !applied {
		result = "skipped"
	}
	m.OperationsApplied.WithLabelValues(op, kind, result).Inc()
}

// RecordError counts an error for component with its classification
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealth sets the health gauge for a component
func (m *Metrics) RecordHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.ComponentHealthy.WithLabelValues(component).Set(v)
}

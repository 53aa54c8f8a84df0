package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

type transportMetrics struct {
	connected  prometheus.Gauge
	events     *prometheus.CounterVec
	operations *prometheus.CounterVec
	frames     *prometheus.CounterVec
	reconnects prometheus.Counter
	polls      *prometheus.CounterVec
}

func newTransportMetrics(registry metric.MetricsRegistrar) (*transportMetrics, error) {
	labels := prometheus.Labels{"component": "transport"}
	m := &transportMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "connected",
			Help: "1 while the transport is connected", ConstLabels: labels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "events_total",
			Help: "Events emitted by name", ConstLabels: labels,
		}, []string{"event"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "operations_total",
			Help: "Operations parsed by kind", ConstLabels: labels,
		}, []string{"op"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "dropped_frames_total",
			Help: "Inbound frames dropped by reason", ConstLabels: labels,
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "reconnects_total",
			Help: "Scheduled reconnects that ran", ConstLabels: labels,
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "transport", Name: "polls_total",
			Help: "Poll ticks by result", ConstLabels: labels,
		}, []string{"result"}),
	}

	if err := registry.RegisterGauge("transport", "connected", m.connected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("transport", "events", m.events); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("transport", "operations", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("transport", "dropped_frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("transport", "reconnects", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("transport", "polls", m.polls); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *transportMetrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *transportMetrics) event(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *transportMetrics) operation(op string) {
	if m != nil {
		m.operations.WithLabelValues(op).Inc()
	}
}

func (m *transportMetrics) dropped(reason string) {
	if m != nil {
		m.frames.WithLabelValues(reason).Inc()
	}
}

func (m *transportMetrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *transportMetrics) polled() {
	if m != nil {
		m.polls.WithLabelValues("fetched").Inc()
	}
}

func (m *transportMetrics) pollSkipped() {
	if m != nil {
		m.polls.WithLabelValues("skipped").Inc()
	}
}

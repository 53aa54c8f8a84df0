package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

type queueMetrics struct {
	enqueuedOps  *prometheus.CounterVec
	dedupOps     prometheus.Counter
	droppedOps   prometheus.Counter
	handlerErrs  *prometheus.CounterVec
	flushSeconds *prometheus.HistogramVec
}

func newQueueMetrics(registry metric.MetricsRegistrar) (*queueMetrics, error) {
	labels := prometheus.Labels{"component": "queue"}
	m := &queueMetrics{
		enqueuedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Operations accepted into the queue", ConstLabels: labels,
		}, []string{"op"}),
		dedupOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "deduplicated_total",
			Help: "Operations dropped as duplicates", ConstLabels: labels,
		}),
		droppedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "overflow_dropped_total",
			Help: "Operations evicted because the queue was full", ConstLabels: labels,
		}),
		handlerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "handler_errors_total",
			Help: "Handler errors and panics", ConstLabels: labels,
		}, []string{"op"}),
		flushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "flush_seconds",
			Help: "Duration of one flush", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"trigger"}),
	}

	if err := registry.RegisterCounterVec("queue", "enqueued", m.enqueuedOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("queue", "deduplicated", m.dedupOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("queue", "overflow_dropped", m.droppedOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("queue", "handler_errors", m.handlerErrs); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("queue", "flush_seconds", m.flushSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) enqueued(op string) {
	if m != nil {
		m.enqueuedOps.WithLabelValues(op).Inc()
	}
}

func (m *queueMetrics) deduplicatedOp() {
	if m != nil {
		m.dedupOps.Inc()
	}
}

func (m *queueMetrics) droppedOp() {
	if m != nil {
		m.droppedOps.Inc()
	}
}

func (m *queueMetrics) handlerFailed(op string) {
	if m != nil {
		m.handlerErrs.WithLabelValues(op).Inc()
	}
}

func (m *queueMetrics) flushed(trigger string, d time.Duration) {
	if m != nil {
		m.flushSeconds.WithLabelValues(trigger).Observe(d.Seconds())
	}
}

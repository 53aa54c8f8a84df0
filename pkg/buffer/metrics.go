package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fedstream/metric"
)

type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry metric.MetricsRegistrar, component string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Items written to the buffer"),
		reads:       counter("reads_total", "Items read from the buffer"),
		drops:       counter("drops_total", "Items discarded by the overflow policy"),
		size:        gauge("size", "Current number of buffered items"),
		utilization: gauge("utilization", "Fill ratio from 0.0 to 1.0"),
	}

	for name, c := range map[string]prometheus.Counter{
		"buffer_writes": m.writes, "buffer_reads": m.reads, "buffer_drops": m.drops,
	} {
		if err := registry.RegisterCounter(component, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(component, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) observe(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}

package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msakrejda/cartographer/metric"
)

type ringMetrics struct {
	writes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newRingMetrics(registry metric.MetricsRegistrar, name string) (*ringMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "writes_total",
			ConstLabels: labels, Help: "Items accepted by the queue",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "drops_total",
			ConstLabels: labels, Help: "Items discarded by the overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: "depth",
			ConstLabels: labels, Help: "Items waiting in the queue",
		}),
	}

	for metricName, c := range map[string]prometheus.Counter{"queue_writes": m.writes, "queue_drops": m.drops} {
		if err := registry.RegisterCounter(name, metricName, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(name, "queue_depth", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ringMetrics) written(depth int) {
	if m != nil {
		m.writes.Inc()
		m.size.Set(float64(depth))
	}
}

func (m *ringMetrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *ringMetrics) depth(depth int) {
	if m != nil {
		m.size.Set(float64(depth))
	}
}

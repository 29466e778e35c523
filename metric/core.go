package metric

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the process exports.
const Namespace = "cartographer"

// Metrics are the process-wide series every registry carries. Transports
// take them directly instead of registering their own, since several
// transports share the upstream label space.
type Metrics struct {
	BuildInfo          *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec
	UpstreamConnected  *prometheus.GaugeVec
	UpstreamReconnects *prometheus.CounterVec
}

// NewMetrics builds an unregistered set of core metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Always 1; labelled with the running version",
		}, []string{"version", "goversion"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class (transient, invalid, fatal)",
		}, []string{"component", "class"}),
		UpstreamConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "1 while the named result transport is connected",
		}, []string{"transport"}),
		UpstreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per result transport",
		}, []string{"transport"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.BuildInfo, m.ErrorsTotal, m.UpstreamConnected, m.UpstreamReconnects}
}

// SetBuildInfo publishes the running version.
func (m *Metrics) SetBuildInfo(version string) {
	m.BuildInfo.WithLabelValues(version, runtime.Version()).Set(1)
}

// RecordError counts an error of the given class against component.
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordUpstreamStatus flips the connection gauge of transport.
func (m *Metrics) RecordUpstreamStatus(transport string, connected bool) {
	g := m.UpstreamConnected.WithLabelValues(transport)
	if connected {
		g.Set(1)
		return
	}
	g.Set(0)
}

// RecordUpstreamReconnect counts one reconnect attempt of transport.
func (m *Metrics) RecordUpstreamReconnect(transport string) {
	m.UpstreamReconnects.WithLabelValues(transport).Inc()
}

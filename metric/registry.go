package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/msakrejda/cartographer/errors"
)

// MetricsRegistrar is what components accept to publish their own series.
// A nil registrar means metrics are off.
type MetricsRegistrar interface {
	RegisterCounter(owner, name string, counter prometheus.Counter) error
	RegisterGauge(owner, name string, gauge prometheus.Gauge) error
	RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error
}

// MetricsRegistry wraps a private Prometheus registry that already holds the
// core metrics and the Go runtime collectors.
type MetricsRegistry struct {
	mu     sync.Mutex
	prom   *prometheus.Registry
	core   *Metrics
	owners map[string]map[string]struct{}
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry returns a registry with the core metrics registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:   prometheus.NewRegistry(),
		core:   NewMetrics(),
		owners: make(map[string]map[string]struct{}),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the underlying registry for gathering.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the shared process metrics.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.core
}

func (r *MetricsRegistry) RegisterCounter(owner, name string, counter prometheus.Counter) error {
	return r.Register(owner, name, counter)
}

func (r *MetricsRegistry) RegisterGauge(owner, name string, gauge prometheus.Gauge) error {
	return r.Register(owner, name, gauge)
}

func (r *MetricsRegistry) RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error {
	return r.Register(owner, name, vec)
}

// Register adds collector under owner/name. Registering a name an owner
// already holds, or a series Prometheus already knows, is an invalid error.
func (r *MetricsRegistry) Register(owner, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.owners[owner]
	if _, dup := names[name]; dup {
		return errors.WrapInvalid(fmt.Errorf("%s already registered by %s", name, owner),
			"MetricsRegistry", "Register", "register metric")
	}

	if err := r.prom.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "register "+owner+"/"+name)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+owner+"/"+name)
	}

	if names == nil {
		names = make(map[string]struct{})
		r.owners[owner] = names
	}
	names[name] = struct{}{}
	return nil
}

// Registered reports whether owner has registered name.
func (r *MetricsRegistry) Registered(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[owner][name]
	return ok
}

// Package metric holds the Prometheus plumbing shared by the proxy and the
// viewer.
//
// NewMetricsRegistry returns a private registry preloaded with the core
// series (build info, classified errors, upstream connection state). Each
// component registers its own collectors under an owner name through the
// MetricsRegistrar interface:
//
//	registry := metric.NewMetricsRegistry()
//	results := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: metric.Namespace,
//	    Subsystem: "capture",
//	    Name:      "results_total",
//	    Help:      "Results published by the proxy",
//	})
//	if err := registry.RegisterCounter("capture", "results_total", results); err != nil {
//	    return err
//	}
//
//	go metric.NewServer(9090, "/metrics", registry).Serve(ctx)
package metric

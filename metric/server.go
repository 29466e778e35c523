package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msakrejda/cartographer/errors"
)

const (
	defaultPort = 9090
	defaultPath = "/metrics"
)

// Server exposes a registry over HTTP along with a liveness probe.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
}

// NewServer returns a server for registry. Zero values pick port 9090 and
// path /metrics.
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if port == 0 {
		port = defaultPort
	}
	if path == "" {
		path = defaultPath
	}
	return &Server{port: port, path: path, registry: registry}
}

// Handler serves the metrics path and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve listens on the configured port until ctx is done, then shuts the
// listener down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Serve", "metrics registry not provided")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Serve", fmt.Sprintf("listen on port %d", s.port))
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	select {
	case err := <-served:
		return errors.WrapTransient(err, "Server", "Serve", "serve metrics")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "Serve", "shut down metrics server")
	}
	if err := <-served; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapTransient(err, "Server", "Serve", "serve metrics")
	}
	return nil
}

// Address is the URL scrapers should use.
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}

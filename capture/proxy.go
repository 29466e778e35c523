// Package capture implements a Postgres wire-protocol proxy that forwards
// traffic between clients and a server and captures the result of every
// simple-protocol query it sees.
package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/result"
)

// Proxy accepts client connections and proxies each one to the target.
type Proxy struct {
	config  Config
	sink    Sink
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *proxyMetrics

	ids atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]net.Conn
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Proxy.
type Option func(*Proxy) error

// WithLogger sets the proxy logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithClock sets the clock used to time queries.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Proxy) error {
		if clock != nil {
			p.clock = clock
		}
		return nil
	}
}

// WithMetrics registers the capture metrics.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(p *Proxy) error {
		if registry == nil {
			return nil
		}
		m, err := newProxyMetrics(registry)
		if err != nil {
			return err
		}
		p.metrics = m
		return nil
	}
}

// NewProxy validates config and creates a stopped proxy.
func NewProxy(config Config, sink Sink, opts ...Option) (*Proxy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Proxy", "NewProxy", "sink validation")
	}

	p := &Proxy{
		config:   config,
		sink:     sink,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]net.Conn),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, errors.Wrap(err, "Proxy", "NewProxy", "apply option")
		}
	}
	p.logger = p.logger.With("component", "capture-proxy")
	return p, nil
}

// Start listens and accepts connections in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Proxy", "Start", "check started state")
	}

	ln, err := Listen(ctx, p.config.Listen)
	if err != nil {
		return err
	}

	proxyCtx, cancel := context.WithCancel(ctx)
	p.listener = ln
	p.cancel = cancel
	p.started = true

	p.wg.Add(1)
	go p.acceptLoop(proxyCtx, ln)

	p.logger.Info("proxy listening", "listen", ln.Addr().String(), "target", p.config.Target)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener and every session, then waits for them to exit.
func (p *Proxy) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	_ = p.listener.Close()
	for _, conn := range p.sessions {
		_ = conn.Close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Proxy", "Stop", "wait for sessions")
	}
}

// Sessions returns the number of open sessions.
func (p *Proxy) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) {
	defer p.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}

		id := uuid.NewString()
		if !p.track(id, conn) {
			_ = conn.Close()
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(id)
			p.serve(ctx, id, conn)
		}()
	}
}

func (p *Proxy) track(id string, conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	p.sessions[id] = conn
	p.metrics.sessionOpened()
	return true
}

func (p *Proxy) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
	p.metrics.sessionClosed()
}

func (p *Proxy) serve(ctx context.Context, id string, clientConn net.Conn) {
	logger := p.logger.With("session", id, "client", clientConn.RemoteAddr().String())
	logger.Info("session opened")

	watcher := NewWatcher(id, &p.ids, p.clock, logger, func(msg *result.Message) {
		p.publish(ctx, logger, msg)
	})

	s := &session{
		id:      id,
		config:  p.config,
		client:  clientConn,
		watcher: watcher,
		logger:  logger,
	}
	err := s.run(ctx)
	switch {
	case err == nil:
		logger.Info("session closed")
	case ctx.Err() != nil:
		logger.Info("session closed by shutdown")
	default:
		logger.Warn("session closed with error", "error", err)
	}
}

func (p *Proxy) publish(ctx context.Context, logger *slog.Logger, msg *result.Message) {
	if err := p.sink.Publish(ctx, msg); err != nil {
		p.metrics.publishFailed()
		logger.Warn("publish result failed", "id", msg.ID, "error", err)
		return
	}
	p.metrics.captured()
	logger.Debug("result captured", "id", msg.ID, "rows", len(msg.Data))
}

type proxyMetrics struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	results        prometheus.Counter
	publishErrors  prometheus.Counter
}

func newProxyMetrics(registry metric.MetricsRegistrar) (*proxyMetrics, error) {
	m := &proxyMetrics{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "sessions_total",
			Help:      "Total number of proxied client sessions",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "sessions_active",
			Help:      "Currently open proxied sessions",
		}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "results_total",
			Help:      "Total number of captured results published",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "publish_failures_total",
			Help:      "Captured results the sink rejected",
		}),
	}

	if err := registry.RegisterCounter("capture", "sessions_total", m.sessionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("capture", "sessions_active", m.sessionsActive); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("capture", "results_total", m.results); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("capture", "publish_failures_total", m.publishErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *proxyMetrics) sessionOpened() {
	if m != nil {
		m.sessionsTotal.Inc()
		m.sessionsActive.Inc()
	}
}

func (m *proxyMetrics) sessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *proxyMetrics) captured() {
	if m != nil {
		m.results.Inc()
	}
}

func (m *proxyMetrics) publishFailed() {
	if m != nil {
		m.publishErrors.Inc()
	}
}

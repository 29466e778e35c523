// Package intake feeds wire payloads from a transport into the result store.
//
// The Adapter is not safe for concurrent use. Transports deliver payloads on
// their own goroutines, so callers post every Adapter call onto the same
// serial loop that owns the store and the chart engine.
package intake

import (
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/result"
)

// Default warning rate for malformed payloads.
const (
	DefaultWarnRate  = rate.Limit(1)
	DefaultWarnBurst = 5
)

// Option configures an Adapter.
type Option func(*Adapter) error

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}

// WithWarnLimit sets how often malformed payloads are logged. Payloads over
// the limit are still counted.
func WithWarnLimit(limit rate.Limit, burst int) Option {
	return func(a *Adapter) error {
		a.limiter = rate.NewLimiter(limit, max(burst, 1))
		return nil
	}
}

// WithMetrics registers the intake counters.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(a *Adapter) error {
		if registry == nil {
			return nil
		}
		m, err := newIntakeMetrics(registry)
		if err != nil {
			return err
		}
		a.metrics = m
		return nil
	}
}

// Adapter decodes wire payloads and appends the results to a store.
type Adapter struct {
	store   *result.Store
	decoder *result.Decoder
	logger  *slog.Logger
	limiter *rate.Limiter
	metrics *intakeMetrics

	opened      bool
	closed      bool
	closeReason string
	suppressed  int

	received  atomic.Int64
	appended  atomic.Int64
	malformed atomic.Int64
}

// NewAdapter creates an adapter over store. A nil decoder uses the default
// token table.
func NewAdapter(store *result.Store, decoder *result.Decoder, opts ...Option) (*Adapter, error) {
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Adapter", "NewAdapter", "store validation")
	}
	if decoder == nil {
		d, err := result.NewDecoder()
		if err != nil {
			return nil, err
		}
		decoder = d
	}

	a := &Adapter{
		store:   store,
		decoder: decoder,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(DefaultWarnRate, DefaultWarnBurst),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, errors.Wrap(err, "Adapter", "NewAdapter", "apply option")
		}
	}
	a.logger = a.logger.With("component", "intake")
	return a, nil
}

// OnOpened marks the upstream connected. Reconnecting transports call it
// once per connection.
func (a *Adapter) OnOpened() {
	if a.closed {
		a.logger.Info("upstream reopened")
	}
	a.opened = true
	a.closed = false
	a.closeReason = ""
}

// OnMessage decodes payload and appends the result. A malformed payload is
// logged, counted and dropped; the returned error matches
// errors.ErrMalformedResult and the stream carries on. An error from the
// store's subscribers is returned as is: the result was still appended.
func (a *Adapter) OnMessage(payload []byte) error {
	a.received.Add(1)
	a.metrics.record(kindReceived)

	r, err := a.decoder.Decode(payload)
	if err != nil {
		a.malformed.Add(1)
		a.metrics.record(kindMalformed)
		a.warnMalformed(err, len(payload))
		return err
	}

	err = a.store.Append(r)
	a.appended.Add(1)
	a.metrics.record(kindAppended)
	if err != nil {
		return errors.Wrap(err, "Adapter", "OnMessage", "notify selection")
	}
	return nil
}

// warnMalformed logs at most the limiter's rate and reports how many
// warnings were held back since the last one.
func (a *Adapter) warnMalformed(err error, size int) {
	if !a.limiter.Allow() {
		a.suppressed++
		return
	}
	a.logger.Warn("dropping malformed result", "error", err, "bytes", size, "suppressed", a.suppressed)
	a.suppressed = 0
}

// OnClosed marks the upstream closed. History is kept.
func (a *Adapter) OnClosed(reason string) {
	a.closed = true
	a.closeReason = reason
	a.logger.Info("upstream closed", "reason", reason, "results", a.store.Len())
}

// Closed reports whether the upstream is closed and why.
func (a *Adapter) Closed() (bool, string) {
	return a.closed, a.closeReason
}

// Opened reports whether the upstream connected at least once.
func (a *Adapter) Opened() bool {
	return a.opened
}

// Stats counts payloads seen by the adapter. It is safe to call from any
// goroutine.
type Stats struct {
	Received  int64 `json:"received"`
	Appended  int64 `json:"appended"`
	Malformed int64 `json:"malformed"`
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Received:  a.received.Load(),
		Appended:  a.appended.Load(),
		Malformed: a.malformed.Load(),
	}
}

type intakeMetrics struct {
	received  prometheus.Counter
	appended  prometheus.Counter
	malformed prometheus.Counter
}

func newIntakeMetrics(registry metric.MetricsRegistrar) (*intakeMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "intake",
			Name:      name,
			Help:      help,
		})
	}
	m := &intakeMetrics{
		received:  counter("received_total", "Payloads received from the upstream"),
		appended:  counter("appended_total", "Results appended to the store"),
		malformed: counter("malformed_total", "Payloads dropped as malformed"),
	}
	for name, c := range map[string]prometheus.Counter{
		"received_total":  m.received,
		"appended_total":  m.appended,
		"malformed_total": m.malformed,
	} {
		if err := registry.RegisterCounter("intake", name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type kind int

const (
	kindReceived kind = iota
	kindAppended
	kindMalformed
)

func (m *intakeMetrics) record(k kind) {
	if m == nil {
		return
	}
	switch k {
	case kindReceived:
		m.received.Inc()
	case kindAppended:
		m.appended.Inc()
	case kindMalformed:
		m.malformed.Inc()
	}
}

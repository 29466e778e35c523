// Package nats provides an intake transport that reads results published on
// a NATS subject by a capture proxy.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/intake"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/natsclient"
)

const transportName = "nats"

// DefaultSubject is the subject results are published on.
const DefaultSubject = "cartographer.results"

// Transport subscribes to one subject and delivers each message as a payload.
type Transport struct {
	intake.Handlers

	client  *natsclient.Client
	subject string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	sub     *natsclient.Subscription
	started bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithCoreMetrics records upstream status in the shared process metrics.
func WithCoreMetrics(m *metric.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New creates a transport over client. An empty subject uses DefaultSubject.
func New(client *natsclient.Client, subject string, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Transport", "New", "nats client validation")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	t := &Transport{client: client, subject: subject, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With("component", "intake-nats", "subject", subject)
	return t, nil
}

// Start connects the client when needed and subscribes.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Transport", "Start", "check started state")
	}

	if !t.client.IsHealthy() {
		if err := t.client.Connect(ctx); err != nil {
			return errors.Wrap(err, "Transport", "Start", "connect to NATS")
		}
	}

	t.client.OnHealthChange(t.healthChanged)

	sub, err := t.client.Subscribe(ctx, t.subject, func(_ context.Context, data []byte) {
		t.EmitMessage(data)
	})
	if err != nil {
		return errors.Wrap(err, "Transport", "Start", "subscribe")
	}
	t.sub = sub
	t.started = true

	t.recordStatus(true)
	t.logger.Info("subscribed")
	t.EmitOpen()
	return nil
}

func (t *Transport) healthChanged(healthy bool) {
	t.recordStatus(healthy)
	if healthy {
		if t.metrics != nil {
			t.metrics.RecordUpstreamReconnect(transportName)
		}
		t.EmitOpen()
		return
	}
	t.EmitClose(fmt.Sprintf("nats %s", t.client.State()))
}

// Stop unsubscribes. The client stays connected; its owner closes it.
func (t *Transport) Stop(_ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}
	t.started = false
	t.client.OnHealthChange(nil)

	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
		t.sub = nil
	}
	t.recordStatus(false)
	t.EmitClose("stopped")
	return err
}

func (t *Transport) recordStatus(connected bool) {
	if t.metrics != nil {
		t.metrics.RecordUpstreamStatus(transportName, connected)
	}
}

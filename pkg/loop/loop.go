// Package loop runs posted events one at a time, in post order, on a single
// goroutine. Producers on other goroutines (transports, consoles, timers)
// post closures; only the loop goroutine touches the state those closures
// close over.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/pkg/buffer"
)

// DefaultQueueSize is used when New is given a non-positive size.
const DefaultQueueSize = 256

// Event is one unit of work. It runs to completion before the next starts.
type Event func()

// Loop is a serial event loop.
type Loop struct {
	queue  *buffer.Ring[Event]
	logger *slog.Logger

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	done        chan struct{}

	processed atomic.Int64
	panics    atomic.Int64

	metrics *loopMetrics
}

type config struct {
	policy   buffer.OverflowPolicy
	logger   *slog.Logger
	registry metric.MetricsRegistrar
}

// Option configures a Loop.
type Option func(*config)

// WithOverflowPolicy sets what Post does when the queue is full. The default
// is buffer.Block, which keeps every event.
func WithOverflowPolicy(policy buffer.OverflowPolicy) Option {
	return func(c *config) { c.policy = policy }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports queue depth, drops and event counts.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(c *config) { c.registry = registry }
}

type loopMetrics struct {
	processed prometheus.Counter
	panics    prometheus.Counter
}

// New creates a stopped loop.
func New(queueSize int, opts ...Option) (*Loop, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	cfg := &config{policy: buffer.Block, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	l := &Loop{
		logger: cfg.logger.With("component", "loop"),
		done:   make(chan struct{}),
	}

	queue, err := buffer.NewRing(queueSize,
		buffer.WithOverflowPolicy[Event](cfg.policy),
		buffer.WithMetrics[Event](cfg.registry, "loop"),
		buffer.WithDropCallback[Event](func(Event) {
			l.logger.Warn("event dropped, loop queue full", "policy", cfg.policy.String())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Loop", "New", "create queue")
	}
	l.queue = queue

	if cfg.registry != nil {
		if err := l.registerMetrics(cfg.registry); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Loop) registerMetrics(registry metric.MetricsRegistrar) error {
	m := &loopMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "loop",
			Name:      "events_total",
			Help:      "Total number of events run by the loop",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "loop",
			Name:      "panics_total",
			Help:      "Total number of events that panicked",
		}),
	}
	if err := registry.RegisterCounter("loop", "events_total", m.processed); err != nil {
		return errors.Wrap(err, "Loop", "New", "register metrics")
	}
	if err := registry.RegisterCounter("loop", "panics_total", m.panics); err != nil {
		return errors.Wrap(err, "Loop", "New", "register metrics")
	}
	l.metrics = m
	return nil
}

// Post queues ev. It may block under the Block policy.
func (l *Loop) Post(ev Event) error {
	return l.PostContext(context.Background(), ev)
}

// PostContext queues ev, giving up when ctx is done while the queue is full.
func (l *Loop) PostContext(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Loop", "Post", "nil event")
	}
	if err := l.queue.WriteContext(ctx, ev); err != nil {
		return errors.Wrap(err, "Loop", "Post", "enqueue event")
	}
	return nil
}

// Call runs fn on the loop and waits for its result. It must not be called
// from inside an event: the loop would wait on itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := l.PostContext(ctx, func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// the event may have run just before the loop exited
		select {
		case err := <-result:
			return err
		default:
			return errors.Wrap(errors.ErrAlreadyStopped, "Loop", "Call", "wait for event")
		}
	}
}

// Start runs the loop until ctx is done or Stop drains the queue.
func (l *Loop) Start(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Loop", "Start", "start loop")
	}
	l.started = true

	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		ev, err := l.queue.ReadContext(ctx)
		if err != nil {
			l.logger.Debug("loop exiting", "reason", err)
			return
		}
		l.dispatch(ev)
	}
}

func (l *Loop) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			if l.metrics != nil {
				l.metrics.panics.Inc()
			}
			l.logger.Error("event panicked", "panic", fmt.Sprint(r))
		}
	}()

	ev()
	l.processed.Add(1)
	if l.metrics != nil {
		l.metrics.processed.Inc()
	}
}

// Stop closes the queue and waits up to timeout for queued events to run.
func (l *Loop) Stop(timeout time.Duration) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true
	_ = l.queue.Close()

	if !l.started {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(
			fmt.Errorf("%w: loop did not drain within %s", errors.ErrTimeout, timeout),
			"Loop", "Stop", "drain queue")
	}
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats reports loop counters.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	QueueSize  int   `json:"queue_size"`
	Processed  int64 `json:"processed"`
	Panics     int64 `json:"panics"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		QueueDepth: l.queue.Size(),
		QueueSize:  l.queue.Capacity(),
		Processed:  l.processed.Load(),
		Panics:     l.panics.Load(),
		Dropped:    l.queue.Stats().Drops,
	}
}

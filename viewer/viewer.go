// Package viewer assembles the result pipeline: a transport feeds the intake
// adapter through a serial event loop, the adapter fills the result store,
// and the chart engine follows the store's selection onto a surface.
//
// Every store and engine call runs on the loop goroutine. Commands from the
// console or other goroutines go through the loop with Call.
package viewer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/msakrejda/cartographer/chart"
	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/intake"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/pkg/buffer"
	"github.com/msakrejda/cartographer/pkg/loop"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/rendererregistry"
	"github.com/msakrejda/cartographer/result"
)

// Viewer owns the pipeline from transport to surface.
type Viewer struct {
	transport intake.Transport
	loop      *loop.Loop
	store     *result.Store
	adapter   *intake.Adapter
	registry  *renderer.Registry
	engine    *chart.Engine
	surface   renderer.Surface
	logger    *slog.Logger
	sub       *result.Subscription

	mu      sync.Mutex
	started bool
}

type options struct {
	logger     *slog.Logger
	metrics    metric.MetricsRegistrar
	surface    renderer.Surface
	renderers  []string
	policy     chart.ReplacePolicy
	maxHistory int
	queueSize  int
	overflow   buffer.OverflowPolicy
	decoder    *result.Decoder
}

// Option configures a Viewer.
type Option func(*options)

// WithLogger sets the logger shared by every pipeline component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers every component's metrics.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(o *options) { o.metrics = registry }
}

// WithSurface sets the surface renderers draw on. Defaults to an in-memory
// surface.
func WithSurface(surface renderer.Surface) Option {
	return func(o *options) { o.surface = surface }
}

// WithRenderers sets which built-in renderers are registered, in order.
func WithRenderers(names []string) Option {
	return func(o *options) { o.renderers = names }
}

// WithPolicy sets the chart engine replace policy.
func WithPolicy(policy chart.ReplacePolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithMaxHistory bounds the result history. Zero keeps everything.
func WithMaxHistory(n int) Option {
	return func(o *options) { o.maxHistory = n }
}

// WithQueue sets the event loop queue size and overflow policy.
func WithQueue(size int, policy buffer.OverflowPolicy) Option {
	return func(o *options) {
		o.queueSize = size
		o.overflow = policy
	}
}

// WithDecoder sets the wire decoder, e.g. one with extra type tokens.
func WithDecoder(decoder *result.Decoder) Option {
	return func(o *options) { o.decoder = decoder }
}

// New builds a stopped viewer reading from transport.
func New(transport intake.Transport, opts ...Option) (*Viewer, error) {
	if transport == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Viewer", "New", "transport validation")
	}

	o := options{
		logger:    slog.Default(),
		renderers: rendererregistry.DefaultOrder,
		queueSize: loop.DefaultQueueSize,
		overflow:  buffer.Block,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.surface == nil {
		o.surface = renderer.NewMemorySurface()
	}

	l, err := loop.New(o.queueSize,
		loop.WithOverflowPolicy(o.overflow),
		loop.WithLogger(o.logger),
		loop.WithMetrics(o.metrics))
	if err != nil {
		return nil, errors.Wrap(err, "Viewer", "New", "create loop")
	}

	storeOpts := []result.StoreOption{result.WithLogger(o.logger)}
	if o.maxHistory > 0 {
		storeOpts = append(storeOpts, result.WithMaxHistory(o.maxHistory))
	}
	store := result.NewStore(storeOpts...)

	adapter, err := intake.NewAdapter(store, o.decoder,
		intake.WithLogger(o.logger),
		intake.WithMetrics(o.metrics))
	if err != nil {
		return nil, errors.Wrap(err, "Viewer", "New", "create adapter")
	}

	registry := renderer.NewRegistry()
	if err := rendererregistry.RegisterOrdered(registry, o.renderers); err != nil {
		return nil, err
	}

	engine, err := chart.NewEngine(registry, o.surface,
		chart.WithPolicy(o.policy),
		chart.WithLogger(o.logger),
		chart.WithMetrics(o.metrics))
	if err != nil {
		return nil, errors.Wrap(err, "Viewer", "New", "create engine")
	}

	v := &Viewer{
		transport: transport,
		loop:      l,
		store:     store,
		adapter:   adapter,
		registry:  registry,
		engine:    engine,
		surface:   o.surface,
		logger:    o.logger.With("component", "viewer"),
	}
	v.sub = store.Subscribe(engine.OnResultSelected)
	return v, nil
}

// Start runs the loop and connects the transport.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Viewer", "Start", "check started state")
	}
	if err := v.loop.Start(ctx); err != nil {
		return err
	}

	v.transport.OnMessage(func(payload []byte) {
		v.post(ctx, func() { v.handlePayload(payload) })
	})
	v.transport.OnClose(func(reason string) {
		v.post(ctx, func() { v.adapter.OnClosed(reason) })
	})
	if opener, ok := v.transport.(intake.Opener); ok {
		opener.OnOpen(func() {
			v.post(ctx, v.adapter.OnOpened)
		})
	}

	if err := v.transport.Start(ctx); err != nil {
		_ = v.loop.Stop(time.Second)
		return errors.Wrap(err, "Viewer", "Start", "start transport")
	}
	v.started = true
	v.logger.Info("viewer started", "renderers", v.registry.Names(), "policy", v.engine.Policy().String())
	return nil
}

// Stop disconnects the transport and drains the loop.
func (v *Viewer) Stop(timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.started {
		return nil
	}
	v.started = false

	var errs []error
	if err := v.transport.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := v.loop.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	v.sub.Unsubscribe()
	return stderrors.Join(errs...)
}

// Done is closed when the loop exits.
func (v *Viewer) Done() <-chan struct{} {
	return v.loop.Done()
}

func (v *Viewer) post(ctx context.Context, ev loop.Event) {
	if err := v.loop.PostContext(ctx, ev); err != nil {
		v.logger.Debug("event dropped", "error", err)
	}
}

func (v *Viewer) handlePayload(payload []byte) {
	err := v.adapter.OnMessage(payload)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrMalformedResult):
		// already logged by the adapter
	case stderrors.Is(err, errors.ErrNoCompatibleRenderer):
		v.logger.Info("no renderer accepts the selected result", "error", err)
	default:
		v.logger.Warn("selection failed", "error", err)
	}
}

// SelectResult selects the result with the given ID.
func (v *Viewer) SelectResult(ctx context.Context, id int64) error {
	return v.loop.Call(ctx, func() error {
		return v.store.SelectID(id)
	})
}

// SelectRenderer switches the engine to the named renderer.
func (v *Viewer) SelectRenderer(ctx context.Context, name string) error {
	return v.loop.Call(ctx, func() error {
		return v.engine.SelectName(name)
	})
}

// Redraw repaints the current frame on surfaces that support it.
func (v *Viewer) Redraw(ctx context.Context) error {
	return v.loop.Call(ctx, func() error {
		if r, ok := v.surface.(interface{ Repaint() error }); ok {
			return r.Repaint()
		}
		return nil
	})
}

// ResultSummary is one history entry.
type ResultSummary struct {
	ID         int64     `json:"id"`
	Query      string    `json:"query"`
	Columns    int       `json:"columns"`
	Rows       int       `json:"rows"`
	Failed     bool      `json:"failed"`
	Selected   bool      `json:"selected"`
	ReceivedAt time.Time `json:"received_at"`
}

// Results lists the history in arrival order.
func (v *Viewer) Results(ctx context.Context) ([]ResultSummary, error) {
	var out []ResultSummary
	err := v.loop.Call(ctx, func() error {
		selected := v.store.Selected()
		for _, r := range v.store.History() {
			out = append(out, ResultSummary{
				ID:         r.ID(),
				Query:      r.Query(),
				Columns:    r.NumColumns(),
				Rows:       r.NumRows(),
				Failed:     r.Failed(),
				Selected:   r == selected,
				ReceivedAt: r.ReceivedAt(),
			})
		}
		return nil
	})
	return out, err
}

// RendererInfo describes one registered renderer relative to the selected
// result.
type RendererInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Compatible  bool   `json:"compatible"`
	Active      bool   `json:"active"`
}

// Renderers lists every registered renderer in registration order.
func (v *Viewer) Renderers(ctx context.Context) ([]RendererInfo, error) {
	var out []RendererInfo
	err := v.loop.Call(ctx, func() error {
		selected := v.store.Selected()
		current := v.engine.CurrentRenderer()
		for _, d := range v.registry.Descriptors() {
			out = append(out, RendererInfo{
				Name:        d.Name,
				Description: d.Description,
				Compatible:  selected != nil && d.Accepts(selected),
				Active:      d == current,
			})
		}
		return nil
	})
	return out, err
}

// Status is a snapshot of the whole pipeline.
type Status struct {
	Upstream    string       `json:"upstream"`
	CloseReason string       `json:"close_reason,omitempty"`
	State       string       `json:"state"`
	Renderer    string       `json:"renderer,omitempty"`
	ResultID    int64        `json:"result_id,omitempty"`
	History     int          `json:"history"`
	Policy      string       `json:"policy"`
	Intake      intake.Stats `json:"intake"`
	Loop        loop.Stats   `json:"loop"`
}

// Status reports the pipeline state.
func (v *Viewer) Status(ctx context.Context) (Status, error) {
	var st Status
	err := v.loop.Call(ctx, func() error {
		closed, reason := v.adapter.Closed()
		switch {
		case closed:
			st.Upstream = "closed"
			st.CloseReason = reason
		case v.adapter.Opened():
			st.Upstream = "open"
		default:
			st.Upstream = "connecting"
		}

		st.State = v.engine.State().String()
		if d := v.engine.CurrentRenderer(); d != nil {
			st.Renderer = d.Name
		}
		if r := v.engine.CurrentResult(); r != nil {
			st.ResultID = r.ID()
		}
		st.History = v.store.Len()
		st.Policy = v.engine.Policy().String()
		st.Intake = v.adapter.Stats()
		return nil
	})
	st.Loop = v.loop.Stats()
	return st, err
}

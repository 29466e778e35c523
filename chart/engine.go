// Package chart implements the selection engine that owns the render
// surface. It decides, for each newly selected result, whether the live
// renderer can redraw in place or must be replaced by the first compatible
// renderer, and drives the create, reload and dispose lifecycle.
//
// The engine is not safe for concurrent transitions. OnResultSelected, Select
// and SelectName must be called from a single goroutine, normally the event
// loop; the read accessors are safe from any goroutine.
package chart

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/result"
)

// State is the engine state.
type State int

const (
	// Empty means no renderer instance is mounted.
	Empty State = iota
	// Rendered means a live instance is mounted for the current result.
	Rendered
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Rendered:
		return "rendered"
	default:
		return "unknown"
	}
}

// ReplacePolicy decides what happens when the live renderer still accepts a
// newly selected result.
type ReplacePolicy int

const (
	// Sticky reloads the live instance in place when it supports it.
	Sticky ReplacePolicy = iota
	// AlwaysReplace tears the instance down and creates a fresh one.
	AlwaysReplace
)

// String returns the policy name used in configuration.
func (p ReplacePolicy) String() string {
	if p == AlwaysReplace {
		return "always_replace"
	}
	return "sticky"
}

// ParseReplacePolicy parses a configuration value; the empty string is Sticky.
func ParseReplacePolicy(s string) (ReplacePolicy, bool) {
	switch strings.ToLower(s) {
	case "", "sticky":
		return Sticky, true
	case "always_replace":
		return AlwaysReplace, true
	default:
		return Sticky, false
	}
}

// Engine is the chart selection state machine.
type Engine struct {
	registry *renderer.Registry
	surface  renderer.Surface
	policy   ReplacePolicy
	logger   *slog.Logger
	metrics  *engineMetrics

	// step serializes transitions. mu guards the fields below and is never
	// held while renderer code runs, so renderers may read engine state.
	step            sync.Mutex
	mu              sync.RWMutex
	state           State
	currentResult   *result.QueryResult
	currentRenderer *renderer.Descriptor
	currentInstance renderer.Instance
}

// Option configures an Engine.
type Option func(*Engine) error

// WithPolicy sets the replace policy.
func WithPolicy(policy ReplacePolicy) Option {
	return func(e *Engine) error {
		e.policy = policy
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithMetrics registers transition and failure counters.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(e *Engine) error {
		if registry == nil {
			return nil
		}
		m, err := newEngineMetrics(registry)
		if err != nil {
			return err
		}
		e.metrics = m
		return nil
	}
}

// NewEngine creates an engine in the Empty state.
func NewEngine(registry *renderer.Registry, surface renderer.Surface, opts ...Option) (*Engine, error) {
	if registry == nil || surface == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "NewEngine", "registry and surface validation")
	}

	e := &Engine{
		registry: registry,
		surface:  surface,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, errors.Wrap(err, "Engine", "NewEngine", "apply option")
		}
	}
	e.logger = e.logger.With("component", "chart-engine")
	return e, nil
}

// OnResultSelected reacts to a selection change. It reloads the live
// renderer in place when allowed, and otherwise replaces it with the first
// compatible renderer. When nothing accepts r the error matches
// errors.ErrNoCompatibleRenderer and the engine state is unchanged.
func (e *Engine) OnResultSelected(r *result.QueryResult) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "OnResultSelected", "nil result")
	}

	e.step.Lock()
	defer e.step.Unlock()

	current := e.currentRenderer
	accepted := current != nil && current.Accepts(r)

	if accepted && e.currentInstance != nil && e.policy == Sticky && current.CanReload(e.currentInstance) {
		return e.reload(r)
	}

	var next *renderer.Descriptor
	switch {
	case accepted && e.currentInstance == nil:
		// a renderer chosen before any result arrived
		next = current
	case accepted && e.policy == AlwaysReplace:
		next = current
	default:
		candidates := e.registry.Compatible(r)
		if len(candidates) == 0 {
			e.metrics.noCompatible()
			e.logger.Warn("no compatible renderer", "result", r.String(), "columns", describeColumns(r))
			return errors.WrapInvalid(
				fmt.Errorf("%w: result %d with columns %s", errors.ErrNoCompatibleRenderer, r.ID(), describeColumns(r)),
				"Engine", "OnResultSelected", "find compatible renderer")
		}
		next = candidates[0]
	}

	e.commit(func() { e.currentResult = r })
	return e.replace(next, "OnResultSelected")
}

// Select switches to d. Selecting the current renderer is a no-op. When a
// result is shown, d must accept it.
func (e *Engine) Select(d *renderer.Descriptor) error {
	if d == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "Select", "nil renderer")
	}

	e.step.Lock()
	defer e.step.Unlock()

	if d == e.currentRenderer {
		e.metrics.transition("noop")
		return nil
	}
	if e.currentResult != nil && !d.Accepts(e.currentResult) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: renderer %q does not accept result %d", errors.ErrNoCompatibleRenderer, d.Name, e.currentResult.ID()),
			"Engine", "Select", "check renderer compatibility")
	}
	return e.replace(d, "Select")
}

// SelectName looks d up by name and selects it.
func (e *Engine) SelectName(name string) error {
	d, ok := e.registry.Lookup(name)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownRenderer, name),
			"Engine", "SelectName", "lookup renderer")
	}
	return e.Select(d)
}

// commit applies a state change under the write lock. Callers hold step, so
// they may read the fields without mu.
func (e *Engine) commit(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func (e *Engine) reload(r *result.QueryResult) error {
	name := e.currentRenderer.Name
	reloader := e.currentInstance.(renderer.Reloader)

	if err := guard(func() error { return reloader.Reload(r) }); err != nil {
		failure := errors.NewRendererFailure(name, errors.PhaseReload, err)
		e.metrics.failure(errors.PhaseReload)
		e.logger.Error("renderer reload failed", "renderer", name, "result", r.ID(), "error", err)

		errs := []error{failure}
		if disposeErr := e.dispose(); disposeErr != nil {
			errs = append(errs, disposeErr)
		}
		e.surface.Clear()
		e.commit(func() {
			e.currentResult = r
			e.currentRenderer = nil
			e.state = Empty
		})
		return errors.Wrap(stderrors.Join(errs...), "Engine", "OnResultSelected", "reload renderer")
	}

	e.commit(func() { e.currentResult = r })
	e.metrics.transition("reload")
	e.logger.Debug("renderer reloaded", "renderer", name, "result", r.ID())
	return nil
}

// replace runs dispose, clear, create. Creation is deferred when no result
// has been selected yet.
func (e *Engine) replace(d *renderer.Descriptor, method string) error {
	var errs []error
	if err := e.dispose(); err != nil {
		errs = append(errs, err)
	}

	e.surface.Clear()
	e.commit(func() {
		e.currentRenderer = d
		e.state = Empty
	})

	if e.currentResult == nil {
		e.metrics.transition("deferred")
		e.logger.Info("renderer selected, waiting for a result", "renderer", d.Name)
		return errors.Wrap(stderrors.Join(errs...), "Engine", method, "replace renderer")
	}

	r := e.currentResult
	var inst renderer.Instance
	err := guard(func() error {
		var createErr error
		inst, createErr = d.Create(e.surface, r)
		return createErr
	})
	if err != nil {
		e.metrics.failure(errors.PhaseCreate)
		e.logger.Error("renderer create failed", "renderer", d.Name, "result", r.ID(), "error", err)
		e.surface.Clear()
		e.commit(func() { e.currentRenderer = nil })
		errs = append(errs, errors.NewRendererFailure(d.Name, errors.PhaseCreate, err))
		return errors.Wrap(stderrors.Join(errs...), "Engine", method, "replace renderer")
	}

	e.commit(func() {
		e.currentInstance = inst
		e.state = Rendered
	})
	e.metrics.transition("replace")
	e.logger.Info("renderer mounted", "renderer", d.Name, "result", r.ID())
	return errors.Wrap(stderrors.Join(errs...), "Engine", method, "replace renderer")
}

// dispose releases the live instance. The instance is gone afterwards
// whether or not Dispose succeeded.
func (e *Engine) dispose() error {
	inst := e.currentInstance
	e.commit(func() { e.currentInstance = nil })
	if inst == nil {
		return nil
	}
	disposer, ok := inst.(renderer.Disposer)
	if !ok {
		return nil
	}

	name := e.currentRenderer.String()
	if err := guard(disposer.Dispose); err != nil {
		e.metrics.failure(errors.PhaseDispose)
		e.logger.Warn("renderer dispose failed", "renderer", name, "error", err)
		return errors.NewRendererFailure(name, errors.PhaseDispose, err)
	}
	return nil
}

// guard turns a panic in renderer code into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CurrentRenderer returns the selected renderer, or nil.
func (e *Engine) CurrentRenderer() *renderer.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentRenderer
}

// CurrentResult returns the result the engine last rendered or tried to.
func (e *Engine) CurrentResult() *result.QueryResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentResult
}

// Available returns the renderers compatible with the current result.
func (e *Engine) Available() []*renderer.Descriptor {
	e.mu.RLock()
	r := e.currentResult
	e.mu.RUnlock()
	return e.registry.Compatible(r)
}

// Policy returns the replace policy.
func (e *Engine) Policy() ReplacePolicy {
	return e.policy
}

func describeColumns(r *result.QueryResult) string {
	columns := r.Columns()
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = col.Name + ":" + string(col.Type)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type engineMetrics struct {
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	incompatible prometheus.Counter
}

func newEngineMetrics(registry metric.MetricsRegistrar) (*engineMetrics, error) {
	m := &engineMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Engine transitions by kind (reload, replace, deferred, noop)",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "renderer_failures_total",
			Help:      "Renderer lifecycle failures by phase",
		}, []string{"phase"}),
		incompatible: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "no_compatible_total",
			Help:      "Selected results no renderer accepted",
		}),
	}
	if err := registry.RegisterCounterVec("engine", "transitions_total", m.transitions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "renderer_failures_total", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "no_compatible_total", m.incompatible); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) transition(kind string) {
	if m != nil {
		m.transitions.WithLabelValues(kind).Inc()
	}
}

func (m *engineMetrics) failure(phase errors.Phase) {
	if m != nil {
		m.failures.WithLabelValues(string(phase)).Inc()
	}
}

func (m *engineMetrics) noCompatible() {
	if m != nil {
		m.incompatible.Inc()
	}
}

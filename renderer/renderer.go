// Package renderer defines the visualization plugin contract and the ordered
// registry the chart engine chooses from.
//
// A renderer is described by a Descriptor: a unique name, an Accepts predicate
// over a result's column schema, and a Create factory that draws a result onto
// a Surface and returns a live Instance. Instances may optionally implement
// Reloader to redraw with a new result in place, and Disposer to release
// what they hold before the surface is cleared.
package renderer

import (
	"fmt"
	"io"

	"github.com/msakrejda/cartographer/result"
)

// Instance is a live renderer created by a Descriptor's factory. It carries
// no required methods; capabilities are discovered through Reloader and
// Disposer.
type Instance any

// Reloader is implemented by instances that can redraw a new result without
// being torn down.
type Reloader interface {
	Reload(r *result.QueryResult) error
}

// Disposer is implemented by instances that hold resources which must be
// released before the surface is reused.
type Disposer interface {
	Dispose() error
}

// Factory draws r onto surface and returns the live instance. Factories and
// instance methods may read engine state but must not start a transition
// such as a selection; those calls block until the current one returns.
type Factory func(surface Surface, r *result.QueryResult) (Instance, error)

// Descriptor describes one registered renderer.
type Descriptor struct {
	Name        string
	Description string

	// Accepts reports whether the renderer can draw r. It must be pure.
	Accepts func(r *result.QueryResult) bool

	// SupportsIncrementalReload allows the engine to call Reload on a live
	// instance instead of replacing it.
	SupportsIncrementalReload bool

	Create Factory
}

// CanReload reports whether inst may be reloaded in place.
func (d *Descriptor) CanReload(inst Instance) bool {
	if d == nil || !d.SupportsIncrementalReload {
		return false
	}
	_, ok := inst.(Reloader)
	return ok
}

// String returns the renderer name.
func (d *Descriptor) String() string {
	if d == nil {
		return "<none>"
	}
	return d.Name
}

// WriteCaption writes the one-line header shared by the built-in renderers.
func WriteCaption(w io.Writer, r *result.QueryResult) error {
	_, err := fmt.Fprintf(w, "#%d %s (%.2f ms)\n", r.ID(), r.Query(), r.ElapsedMillis())
	return err
}

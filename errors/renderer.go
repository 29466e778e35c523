package errors

import (
	"errors"
	"fmt"
)

// Phase names the renderer lifecycle call that failed.
type Phase string

// Renderer lifecycle phases.
const (
	PhaseCreate  Phase = "create"
	PhaseReload  Phase = "reload"
	PhaseDispose Phase = "dispose"
)

// RendererFailure reports an error returned (or panicked) by a renderer
// lifecycle call. It matches ErrRendererFailure with errors.Is and unwraps
// to the renderer's own cause.
type RendererFailure struct {
	Renderer string
	Phase    Phase
	Cause    error
}

// NewRendererFailure builds a RendererFailure, returning nil for a nil cause.
func NewRendererFailure(renderer string, phase Phase, cause error) error {
	if cause == nil {
		return nil
	}
	return &RendererFailure{Renderer: renderer, Phase: phase, Cause: cause}
}

// Error implements the error interface
func (rf *RendererFailure) Error() string {
	return fmt.Sprintf("renderer %q %s failed: %v", rf.Renderer, rf.Phase, rf.Cause)
}

// Unwrap returns the renderer's cause
func (rf *RendererFailure) Unwrap() error {
	return rf.Cause
}

// Is reports ErrRendererFailure as a match so callers can test the category
// without unpacking the struct.
func (rf *RendererFailure) Is(target error) bool {
	return target == ErrRendererFailure
}

// AsRendererFailure extracts the first RendererFailure in err's chain.
func AsRendererFailure(err error) (*RendererFailure, bool) {
	var rf *RendererFailure
	if errors.As(err, &rf) {
		return rf, true
	}
	return nil, false
}

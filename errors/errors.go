// Package errors defines the error vocabulary shared by the capture proxy and
// the viewer pipeline.
//
// Every error that crosses a component boundary carries one of three classes.
// The class decides what the caller does next:
//
//	Transient  retry the operation, or wait for the upstream to come back
//	Invalid    drop the offending input and keep running
//	Fatal      stop the component and surface the error
//
// Errors are classified either explicitly, with WrapTransient, WrapInvalid or
// WrapFatal, or implicitly by the sentinel they wrap. Classify consults both.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the handling category of an error.
type Class uint8

// Error classes.
const (
	Transient Class = iota
	Invalid
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Component lifecycle.
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
)

// Upstream links: the Postgres target, the relay socket and NATS.
var (
	ErrNoConnection = errors.New("not connected")
	ErrTimeout      = errors.New("timed out")
)

// Result intake.
var (
	ErrInvalidData     = errors.New("invalid data")
	ErrMalformedResult = errors.New("malformed result")
	ErrUnknownResult   = errors.New("unknown result")
)

// Renderer selection.
var (
	ErrNoCompatibleRenderer = errors.New("no compatible renderer")
	ErrUnknownRenderer      = errors.New("unknown renderer")
	ErrRendererFailure      = errors.New("renderer failure")
	ErrConfiguration        = errors.New("renderer configuration error")
)

// Configuration.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// sentinelClasses is consulted in order when an error carries no explicit
// class. Sentinels missing from the table classify as Transient.
var sentinelClasses = []struct {
	target error
	class  Class
}{
	{ErrInvalidConfig, Fatal},
	{ErrMissingConfig, Fatal},
	{ErrConfiguration, Fatal},
	{ErrInvalidData, Invalid},
	{ErrMalformedResult, Invalid},
	{ErrUnknownResult, Invalid},
	{ErrNoCompatibleRenderer, Invalid},
	{ErrUnknownRenderer, Invalid},
}

// ClassifiedError pins a class on an error along with the component and
// method that produced it.
type ClassifiedError struct {
	Class     Class
	Component string
	Method    string
	Err       error
}

func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. A nil error is Transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	for _, entry := range sentinelClasses {
		if errors.Is(err, entry.target) {
			return entry.class
		}
	}
	return Transient
}

// IsTransient reports whether err is worth retrying. Context expiry, network
// timeouts and ErrTimeout count even when they were wrapped without a class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrTimeout) {
		var ce *ClassifiedError
		return !errors.As(err, &ce) || ce.Class == Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Class == Transient
}

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == Invalid
}

// IsFatal reports whether err should stop the component that received it.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == Fatal
}

// Wrap adds call-site context in the form
// "component.method: action failed: <err>".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Method:    method,
		Err:       Wrap(err, component, method, action),
	}
}

// WrapTransient wraps err like Wrap and marks it Transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(Transient, err, component, method, action)
}

// WrapInvalid wraps err like Wrap and marks it Invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(Invalid, err, component, method, action)
}

// WrapFatal wraps err like Wrap and marks it Fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(Fatal, err, component, method, action)
}

package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "invalid", Invalid.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "unknown", Class(42).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Transient},
		{"plain error", errors.New("boom"), Transient},
		{"timeout sentinel", ErrTimeout, Transient},
		{"invalid config", ErrInvalidConfig, Fatal},
		{"missing config", fmt.Errorf("load: %w", ErrMissingConfig), Fatal},
		{"renderer configuration", ErrConfiguration, Fatal},
		{"malformed result", fmt.Errorf("decode: %w", ErrMalformedResult), Invalid},
		{"unknown result", ErrUnknownResult, Invalid},
		{"no compatible renderer", ErrNoCompatibleRenderer, Invalid},
		{"explicit class wins over sentinel", WrapTransient(ErrInvalidConfig, "C", "M", "a"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"timeout sentinel", ErrTimeout, true},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"wrapped transient", WrapTransient(errors.New("gone"), "Client", "Run", "read"), true},
		{"timeout marked fatal", WrapFatal(ErrTimeout, "Loop", "Stop", "drain"), false},
		{"malformed result", ErrMalformedResult, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalidAndIsFatal(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))

	assert.True(t, IsInvalid(ErrNoCompatibleRenderer))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("x"), "C", "M", "a")))
	assert.False(t, IsInvalid(ErrInvalidConfig))

	assert.True(t, IsFatal(fmt.Errorf("register: %w", ErrConfiguration)))
	assert.True(t, IsFatal(WrapFatal(errors.New("x"), "C", "M", "a")))
	assert.False(t, IsFatal(ErrTimeout))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))

	err := Wrap(errors.New("no rows"), "Engine", "Select", "create renderer")
	assert.EqualError(t, err, "Engine.Select: create renderer failed: no rows")
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("socket closed")

	tests := []struct {
		name string
		wrap func(error, string, string, string) error
		want Class
	}{
		{"transient", WrapTransient, Transient},
		{"invalid", WrapInvalid, Invalid},
		{"fatal", WrapFatal, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.wrap(nil, "Hub", "Publish", "send"))

			err := tt.wrap(base, "Hub", "Publish", "send")
			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.want, ce.Class)
			assert.Equal(t, "Hub", ce.Component)
			assert.Equal(t, "Publish", ce.Method)
			assert.EqualError(t, err, "Hub.Publish: send failed: socket closed")
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestRendererFailure(t *testing.T) {
	cause := errors.New("canvas gone")
	err := NewRendererFailure("line", PhaseReload, cause)

	assert.ErrorIs(t, err, ErrRendererFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `renderer "line" reload failed`)

	wrapped := WrapInvalid(err, "Engine", "OnResultSelected", "reload renderer")
	rf, ok := AsRendererFailure(wrapped)
	require.True(t, ok)
	assert.Equal(t, "line", rf.Renderer)
	assert.Equal(t, PhaseReload, rf.Phase)

	_, ok = AsRendererFailure(errors.New("other"))
	assert.False(t, ok)
	assert.NoError(t, NewRendererFailure("line", PhaseCreate, nil))
}

func BenchmarkClassify(b *testing.B) {
	err := fmt.Errorf("decode: %w", ErrMalformedResult)
	for i := 0; i < b.N; i++ {
		Classify(err)
	}
}

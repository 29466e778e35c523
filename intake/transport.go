package intake

import (
	"context"
	"sync"
	"time"

	"github.com/msakrejda/cartographer/errors"
)

// Transport delivers raw payloads from an upstream. Callbacks run on the
// transport's own goroutines and must be registered before Start.
type Transport interface {
	OnMessage(func(payload []byte))
	OnClose(func(reason string))
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Opener is implemented by transports that report each (re)connection.
type Opener interface {
	OnOpen(func())
}

// Handlers holds transport callbacks. Transports embed it.
type Handlers struct {
	mu      sync.RWMutex
	message func([]byte)
	closed  func(string)
	open    func()
}

// OnMessage registers the payload callback.
func (h *Handlers) OnMessage(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = fn
}

// OnClose registers the close callback.
func (h *Handlers) OnClose(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = fn
}

// OnOpen registers the open callback.
func (h *Handlers) OnOpen(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = fn
}

// EmitMessage calls the payload callback, if any.
func (h *Handlers) EmitMessage(payload []byte) {
	h.mu.RLock()
	fn := h.message
	h.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

// EmitClose calls the close callback, if any.
func (h *Handlers) EmitClose(reason string) {
	h.mu.RLock()
	fn := h.closed
	h.mu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

// EmitOpen calls the open callback, if any.
func (h *Handlers) EmitOpen() {
	h.mu.RLock()
	fn := h.open
	h.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// MemoryTransport is an in-process transport driven by Send and Close.
// Payloads are delivered synchronously on the caller's goroutine.
type MemoryTransport struct {
	Handlers

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewMemoryTransport creates a stopped in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// Start opens the transport.
func (t *MemoryTransport) Start(_ context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MemoryTransport", "Start", "start transport")
	}
	t.started = true
	t.mu.Unlock()

	t.EmitOpen()
	return nil
}

// Send delivers payload to the registered callback.
func (t *MemoryTransport) Send(payload []byte) error {
	t.mu.Lock()
	ready := t.started && !t.closed
	t.mu.Unlock()
	if !ready {
		return errors.WrapInvalid(errors.ErrNoConnection, "MemoryTransport", "Send", "deliver payload")
	}
	t.EmitMessage(payload)
	return nil
}

// Close closes the transport with reason. Later calls are ignored.
func (t *MemoryTransport) Close(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.EmitClose(reason)
}

// Stop closes the transport.
func (t *MemoryTransport) Stop(_ time.Duration) error {
	t.Close("stopped")
	return nil
}

package buffer

import (
	"context"
	"sync"

	"github.com/msakrejda/cartographer/errors"
)

// Ring is a fixed-capacity FIFO safe for concurrent use. Blocked readers and
// writers wait on channels that are closed and replaced whenever the ring
// changes, so waits can also select on a context.
type Ring[T any] struct {
	mu       sync.Mutex
	slots    []T
	head     int // oldest item
	count    int
	closed   bool
	stats    Stats
	changed  chan struct{}
	settings settings[T]
	metrics  *ringMetrics
}

// NewRing returns an empty ring. Capacity below 1 becomes 1. It fails only
// if metric registration does.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	s := settings[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	r := &Ring[T]{
		slots:    make([]T, max(capacity, 1)),
		changed:  make(chan struct{}),
		settings: s,
	}
	if s.registry != nil {
		m, err := newRingMetrics(s.registry, s.name)
		if err != nil {
			return nil, errors.Wrap(err, "Ring", "NewRing", "register metrics")
		}
		r.metrics = m
	}
	return r, nil
}

// Write is WriteContext without a deadline.
func (r *Ring[T]) Write(item T) error {
	return r.WriteContext(context.Background(), item)
}

// WriteContext appends item, applying the overflow policy when full. Under
// Block it waits for room until ctx is done or the ring closes.
func (r *Ring[T]) WriteContext(ctx context.Context, item T) error {
	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Write", "write to closed ring")
		}
		if r.count < len(r.slots) {
			break
		}

		switch r.settings.policy {
		case DropNewest:
			r.dropLocked()
			r.mu.Unlock()
			r.notifyDrop(item)
			return nil
		case DropOldest:
			oldest := r.evictLocked()
			r.dropLocked()
			r.putLocked(item)
			r.mu.Unlock()
			r.notifyDrop(oldest)
			return nil
		}

		wait := r.changed
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		r.mu.Lock()
	}

	r.putLocked(item)
	r.mu.Unlock()
	return nil
}

// ReadContext removes the oldest item, waiting for one if the ring is empty.
// Once closed, remaining items are still returned; after that it fails with
// ErrAlreadyStopped.
func (r *Ring[T]) ReadContext(ctx context.Context) (T, error) {
	var zero T
	r.mu.Lock()
	for r.count == 0 {
		if r.closed {
			r.mu.Unlock()
			return zero, errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Read", "read from drained ring")
		}
		wait := r.changed
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
		r.mu.Lock()
	}
	item := r.takeLocked()
	r.mu.Unlock()
	return item, nil
}

// TryRead removes the oldest item without waiting.
func (r *Ring[T]) TryRead() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.takeLocked(), true
}

func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring[T]) Capacity() int { return len(r.slots) }

func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close rejects further writes and wakes every waiter. It is idempotent.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.signalLocked()
	}
	return nil
}

func (r *Ring[T]) putLocked(item T) {
	r.slots[(r.head+r.count)%len(r.slots)] = item
	r.count++
	r.stats.Writes++
	r.stats.HighWater = max(r.stats.HighWater, r.count)
	r.metrics.written(r.count)
	r.signalLocked()
}

func (r *Ring[T]) takeLocked() T {
	item := r.evictLocked()
	r.stats.Reads++
	r.metrics.depth(r.count)
	r.signalLocked()
	return item
}

// evictLocked unlinks the oldest item without counting a read.
func (r *Ring[T]) evictLocked() T {
	var zero T
	item := r.slots[r.head]
	r.slots[r.head] = zero
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	return item
}

func (r *Ring[T]) dropLocked() {
	r.stats.Drops++
	r.metrics.dropped()
}

func (r *Ring[T]) signalLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Ring[T]) notifyDrop(item T) {
	if r.settings.onDrop != nil {
		r.settings.onDrop(item)
	}
}

package result

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/msakrejda/cartographer/errors"
)

// Handler receives each newly selected result. Returned errors are reported
// to whoever triggered the selection; they never undo it.
type Handler func(*QueryResult) error

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxHistory caps the history length; 0 keeps everything. The cap is
// at least 2 so a new arrival always fits next to the selected result.
func WithMaxHistory(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = max(n, 2)
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is the ordered history of received results plus the current
// selection. Writes are expected from a single goroutine; reads are safe
// from any goroutine.
type Store struct {
	mu          sync.RWMutex
	history     []*QueryResult
	selected    *QueryResult
	subscribers []*subscriber
	nextSubID   int
	maxHistory  int
	logger      *slog.Logger

	// selections raised from inside a handler are queued here so every
	// subscriber sees selections in the order they were made
	notifying bool
	pending   []*QueryResult
}

type subscriber struct {
	id      int
	handler Handler
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	store *Store
	id    int
	once  sync.Once
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With("component", "result-store")
	return s
}

// Append adds r to the end of the history. When nothing is selected yet it
// also selects r.
func (s *Store) Append(r *QueryResult) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", "Append", "nil result")
	}

	s.mu.Lock()
	s.history = append(s.history, r)
	s.evictLocked()
	first := s.selected == nil
	s.mu.Unlock()

	s.logger.Debug("result appended", "id", r.ID(), "columns", r.NumColumns(), "rows", r.NumRows())

	if first {
		return s.Select(r)
	}
	return nil
}

// Select makes r the selected result and synchronously notifies every
// subscriber. Selecting the already selected result is a no-op.
func (s *Store) Select(r *QueryResult) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", "Select", "nil result")
	}

	s.mu.Lock()
	if s.selected == r {
		s.mu.Unlock()
		return nil
	}
	if !slices.Contains(s.history, r) {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: result %d is not in the history", errors.ErrUnknownResult, r.ID()),
			"Store", "Select", "lookup result")
	}
	s.selected = r
	if s.notifying {
		s.pending = append(s.pending, r)
		s.mu.Unlock()
		return nil
	}
	s.notifying = true
	s.mu.Unlock()

	return s.drain(r)
}

// SelectID selects the most recent result with the given ID.
func (s *Store) SelectID(id int64) error {
	r, ok := s.ByID(id)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no result with id %d", errors.ErrUnknownResult, id),
			"Store", "SelectID", "lookup result")
	}
	return s.Select(r)
}

func (s *Store) drain(next *QueryResult) error {
	var errs []error
	for next != nil {
		s.mu.RLock()
		subs := slices.Clone(s.subscribers)
		s.mu.RUnlock()

		s.logger.Debug("result selected", "id", next.ID(), "subscribers", len(subs))
		for _, sub := range subs {
			if err := sub.handler(next); err != nil {
				errs = append(errs, err)
			}
		}

		s.mu.Lock()
		next = nil
		if len(s.pending) > 0 {
			next = s.pending[0]
			s.pending = s.pending[1:]
		} else {
			s.notifying = false
		}
		s.mu.Unlock()
	}
	return stderrors.Join(errs...)
}

// Subscribe registers handler for future selections. There is no replay of
// the current selection.
func (s *Store) Subscribe(handler Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	s.subscribers = append(s.subscribers, &subscriber{id: s.nextSubID, handler: handler})
	return &Subscription{store: s, id: s.nextSubID}
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subscribers = slices.DeleteFunc(s.subscribers, func(entry *subscriber) bool {
			return entry.id == sub.id
		})
	})
}

// Selected returns the selected result, or nil.
func (s *Store) Selected() *QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Len returns the history length.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// History returns a snapshot of the history in arrival order.
func (s *Store) History() []*QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// ByID returns the most recent result with the given ID.
func (s *Store) ByID(id int64) (*QueryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID() == id {
			return s.history[i], true
		}
	}
	return nil, false
}

// evictLocked drops the oldest unselected results beyond maxHistory.
func (s *Store) evictLocked() {
	if s.maxHistory <= 0 {
		return
	}
	for len(s.history) > s.maxHistory {
		victim := 0
		if s.history[0] == s.selected {
			victim = 1
		}
		s.history = slices.Delete(s.history, victim, victim+1)
	}
}

// Package buffer implements Ring, the bounded FIFO behind the viewer's event
// loop queue and each relay client's send queue.
//
// What a full ring does with one more item is the OverflowPolicy: the loop
// uses Block so no event is lost, while relay clients use DropOldest so one
// slow socket cannot hold up a broadcast.
package buffer

import (
	"strings"

	"github.com/msakrejda/cartographer/metric"
)

// OverflowPolicy decides what Write does on a full ring.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	DropNewest
	Block
)

var policyNames = [...]string{
	DropOldest: "drop_oldest",
	DropNewest: "drop_newest",
	Block:      "block",
}

func (p OverflowPolicy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return "unknown"
	}
	return policyNames[p]
}

// ParseOverflowPolicy is the inverse of String, ignoring case. An empty
// string is DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	if s == "" {
		return DropOldest, true
	}
	for p, name := range policyNames {
		if strings.EqualFold(s, name) {
			return OverflowPolicy(p), true
		}
	}
	return DropOldest, false
}

// Stats are cumulative counters for one ring.
type Stats struct {
	Writes    int64
	Reads     int64
	Drops     int64
	HighWater int
}

type settings[T any] struct {
	policy   OverflowPolicy
	onDrop   func(T)
	registry metric.MetricsRegistrar
	name     string
}

// Option configures a Ring.
type Option[T any] func(*settings[T])

// WithOverflowPolicy sets the full-ring behavior. The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(s *settings[T]) { s.policy = policy }
}

// WithDropCallback is called, outside the ring's lock, with every item the
// overflow policy discards.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(s *settings[T]) { s.onDrop = fn }
}

// WithMetrics exports depth, writes and drops labelled with name. A nil
// registry or empty name leaves metrics off.
func WithMetrics[T any](registry metric.MetricsRegistrar, name string) Option[T] {
	return func(s *settings[T]) {
		if registry != nil && name != "" {
			s.registry, s.name = registry, name
		}
	}
}

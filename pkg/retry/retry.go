// Package retry repeats an operation with exponential backoff.
//
// Anything the errors package classifies as invalid or fatal ends the loop
// at once, as does an error passed through Stop. Everything else is retried
// until the policy runs out of attempts or the context ends.
//
//	conn, err := retry.Run(ctx, retry.Default(), func() (net.Conn, error) {
//		return net.DialTimeout("tcp", target, time.Second)
//	})
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msakrejda/cartographer/errors"
)

// Policy describes how often and how long to retry.
type Policy struct {
	// Attempts is the total number of calls; zero or one means no retry.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter randomizes each wait by up to this fraction of it.
	Jitter float64
	// OnRetry, when set, is told about each failure that will be retried.
	OnRetry func(err error, wait time.Duration)
}

// Default allows three calls, waiting 100ms then 200ms with light jitter.
func Default() Policy {
	return Policy{Attempts: 3, Initial: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.25}
}

// Stop marks err as not worth retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) check() error {
	switch {
	case p.Initial < 0 || p.Max < 0 || p.Factor < 0 || p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("%w: negative delay, factor or jitter out of [0,1]", errors.ErrInvalidConfig)
	case p.Initial > 0 && p.Max > 0 && p.Max < p.Initial:
		return fmt.Errorf("%w: max delay %s below initial %s", errors.ErrInvalidConfig, p.Max, p.Initial)
	}
	return nil
}

func (p Policy) schedule(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cmpOr(p.Initial, 100*time.Millisecond)),
		backoff.WithMaxInterval(cmpOr(p.Max, 5*time.Second)),
		backoff.WithMultiplier(cmpOr(p.Factor, 2)),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(p.Attempts, 1)-1)), ctx)
}

func cmpOr[T time.Duration | float64](v, fallback T) T {
	if v == 0 {
		return fallback
	}
	return v
}

// Do calls fn according to p and returns nil on the first success.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if err := p.check(); err != nil {
		return errors.WrapInvalid(err, "retry", "Do", "check policy")
	}

	calls := 0
	var last error
	op := func() error {
		calls++
		err := fn()
		if err != nil && (errors.IsInvalid(err) || errors.IsFatal(err)) {
			err = backoff.Permanent(err)
		}
		if err != nil {
			last = err
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = backoff.Notify(p.OnRetry)
	}

	err := backoff.RetryNotify(op, p.schedule(ctx), notify)
	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case stderrors.As(last, &permanent):
		return permanent.Err
	case ctx.Err() != nil:
		return fmt.Errorf("gave up after %d attempts: %w", calls, stderrors.Join(ctx.Err(), last))
	default:
		return fmt.Errorf("gave up after %d attempts: %w", calls, last)
	}
}

// Run is Policy.Do for functions that return a value.
func Run[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Package ratelimit enforces a minimum spacing between outbound requests
// and wraps operations with bounded exponential-backoff retry.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryBase is the initial backoff interval for WithRetry; the
// interval doubles on each subsequent attempt.
const DefaultRetryBase = 500 * time.Millisecond

// Limiter blocks callers so that consecutive calls are at least MinInterval
// apart. The only state is the time the previous Throttle returned, guarded
// for concurrent callers.
type Limiter struct {
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// New creates a Limiter with the given minimum inter-request interval.
func New(minInterval time.Duration) *Limiter {
	return &Limiter{minInterval: minInterval}
}

// Throttle blocks until at least the minimum interval has elapsed since the
// previous Throttle returned. Returns early with the context error on
// cancellation.
func (l *Limiter) Throttle(ctx context.Context) error {
	l.mu.Lock()
	wait := l.minInterval - time.Since(l.last)
	if wait > 0 {
		// Reserve the slot before sleeping so concurrent callers queue up
		// behind this one instead of racing for the same slot.
		l.last = l.last.Add(l.minInterval)
	} else {
		l.last = time.Now()
		wait = 0
	}
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry invokes op, retrying up to attempts times total with
// exponential backoff starting at base. The last error is returned when all
// attempts are exhausted. Wrapping an error with backoff.Permanent stops
// retrying immediately; the wrapped error type is preserved either way so
// callers can classify failures with errors.Is.
func WithRetry[T any](ctx context.Context, attempts uint, base time.Duration, op func() (T, error)) (T, error) {
	if base <= 0 {
		base = DefaultRetryBase
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(attempts),
	)
}

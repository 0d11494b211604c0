// Package retry runs an operation until it succeeds, a permanent error is
// returned, the attempt budget is spent, or the context is cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Unlimited as Attempts retries until success or cancellation.
const Unlimited = -1

// ErrExhausted is returned (wrapped around the last failure) once every
// allowed attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff waits Interval between attempts, multiplying the wait by
// Multiplier after each failure up to MaxInterval. A Multiplier of 1 (or 0)
// gives a fixed interval.
type Backoff struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration

	// Attempts is the number of tries; 0 means none at all and
	// Unlimited means keep going until ctx is cancelled.
	Attempts int

	Clock clock.Clock
}

// Delay returns the wait after the given failed attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Interval
	m := b.Multiplier
	if m < 1 {
		m = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * m)
		if b.MaxInterval > 0 && d >= b.MaxInterval {
			return b.MaxInterval
		}
	}
	if b.MaxInterval > 0 && d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}

// Do calls fn with a 1-based attempt number until it returns nil.
// Permanent errors stop the loop and are returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	clk := b.Clock
	if clk == nil {
		clk = clock.New()
	}

	if b.Attempts == 0 {
		return ErrExhausted
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.Attempts != Unlimited && attempt >= b.Attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		timer := clk.Timer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

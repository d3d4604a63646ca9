// Package wait holds the small timing primitives shared by the submission and
// rotation code: a cancellable sleep, the RPC backoff curve, and a bounded
// fixed-spacing retry.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Retry when every attempt was used up.
var ErrExhausted = errors.New("retry attempts exhausted")

// Wait blocks for d or until ctx is cancelled, whichever happens first.
// A non-positive d returns immediately (after checking ctx).
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exponential returns base * 2^attempt (1s, 2s, 4s, ... for base=1s).
func Exponential(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << uint(attempt)
}

// Retry calls fn up to attempts times, sleeping spacing between calls.
// fn returns done=true to stop early; a nil error with done=false means
// "not yet". The last error (if any) is wrapped into ErrExhausted.
func Retry(ctx context.Context, attempts int, spacing time.Duration, fn func(attempt int) (bool, error)) error {
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			if err := Wait(ctx, spacing); err != nil {
				return err
			}
		}
		done, err := fn(attempt)
		if done {
			return err
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}

// Package resilience provides a bounded retry loop with per-error backoff.
//
// [Retry] runs an operation up to a fixed number of times. The wait between
// attempts depends on the error that ended the previous attempt, some errors
// can be declared final so they surface immediately, and cancelling the
// parent context stops the loop without further attempts.
//
// All types are safe for concurrent use; a [RetryPolicy] carries no state.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the maximum number of calls. Default: 3.
	Attempts int

	// Delay returns how long to wait after an attempt that failed with err.
	// Default: no wait.
	Delay func(err error) time.Duration

	// Retryable reports whether err may be retried. A false result surfaces
	// err immediately. Default: every error is retryable.
	Retryable func(err error) bool

	// Sleep waits for d or until ctx is done. Tests replace it to observe
	// delays without waiting. Default: a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned by [Retry] when every attempt failed. It wraps
// the error of the final attempt so callers can still match it with
// [errors.Is].
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the error of the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retry calls fn until it succeeds, returns a non-retryable error, the
// parent context is done, or the policy's attempts are used up. attempt
// counts from 1.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(err)
		}
		slog.Warn("resilience: attempt failed, retrying",
			"name", p.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait,
			"err", err,
		)
		if serr := sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

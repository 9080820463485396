// Package retry implements a small generic retry policy with exponential
// backoff and error classification.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Action tells the retry loop how to treat a failed attempt.
type Action int

const (
	// Stop marks the error as permanent; the loop aborts immediately.
	Stop Action = iota
	// Retry marks the error as transient; the loop backs off and tries again.
	Retry
)

// Policy controls attempt count and backoff shape.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

// Classify decides whether an error is worth retrying.
type Classify func(err error) Action

// Operation is a single fallible attempt producing a value.
type Operation[T any] func() (T, error)

// Do runs op under the policy until it succeeds, the error is classified as
// permanent, the attempt budget is exhausted, or ctx is cancelled. The clock
// is injectable so tests can drive the backoff.
func Do[T any](ctx context.Context, clock clockwork.Clock, p Policy, classify Classify, op Operation[T]) (T, error) {
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		if classify(err) == Stop {
			var zero T
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			var zero T
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

// DoVoid is Do for operations without a result value.
func DoVoid(ctx context.Context, clock clockwork.Clock, p Policy, classify Classify, op func() error) error {
	_, err := Do(ctx, clock, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// AlwaysRetry classifies every error as transient.
func AlwaysRetry(error) Action { return Retry }

// PermanentError wraps an error classified as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

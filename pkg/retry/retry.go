package retry

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
)

// Runner drives one attempt chain per call. Delays are measured on Clock so
// tests can advance time deterministically.
type Runner struct {
	Policy Policy
	Clock  clockwork.Clock
	Logger logr.Logger
}

func (r Runner) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

// Do runs fn until it succeeds, the policy gives up, or ctx is cancelled while
// waiting. On exhaustion the last error from fn is returned unchanged.
func Do[T any](ctx context.Context, r Runner, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}

		if !r.Policy.ShouldRetry(err, attempt) {
			return zero, err
		}

		delay := r.Policy.DelayFor(attempt)
		r.Logger.V(1).Info("retrying after transient failure", "operation", operation, "attempt", attempt, "delay", delay, "error", err.Error())

		if err := wait(ctx, r.clock(), delay); err != nil {
			return zero, err
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, r Runner, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func wait(ctx context.Context, clock clockwork.Clock, delay time.Duration) error {
	timer := clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

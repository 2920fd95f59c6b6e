package resilience

import (
	"context"
	"time"
)

// Policy controls a Retry loop.
type Policy struct {
	// Attempts is the total number of executions, including the first.
	Attempts int
	// Schedule supplies the sleep between attempts.
	Schedule Schedule
	// ShouldRetry decides whether err at the given zero-based attempt is
	// worth another try. A nil func retries every error.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry, if set, is invoked before each sleep with the failed
	// attempt index and its error.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Retry executes fn up to p.Attempts times. It returns nil on the first
// success, the last error once attempts are exhausted or ShouldRetry
// declines, and ctx.Err() if the context is cancelled during a sleep.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err, attempt) {
			break
		}

		delay := p.Schedule.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
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

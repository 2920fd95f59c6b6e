package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned by Do when the breaker fails fast.
// RetryAfter is the remaining cool-down.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter)
}

// Breaker is a consecutive-failure circuit breaker. After
// FailureThreshold consecutive failures it opens for OpenFor; the first
// call after the cool-down probes in half-open state. Fail-fast rejections
// do not count as failures.
//
// Safe for concurrent use. Each backend path gets its own instance so an
// outage on one path does not gate the other; ingestion is push-only, so
// the relay creates a breaker for the submit path only.
type Breaker struct {
	FailureThreshold int
	OpenFor          time.Duration

	// now is stubbed in tests.
	now func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openUntil           time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(failureThreshold int, openFor time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{
		FailureThreshold: failureThreshold,
		OpenFor:          openFor,
		now:              time.Now,
		state:            BreakerClosed,
	}
}

// Do runs fn under the breaker: it fails fast with *CircuitOpenError while
// open, and otherwise records fn's result.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Allow reports whether a call may proceed. While open it returns
// *CircuitOpenError; once the cool-down elapses the breaker moves to
// half-open and admits a single probe (and any concurrent callers — the
// breaker bounds failures, not concurrency).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	now := b.now()
	if now.Before(b.openUntil) {
		return &CircuitOpenError{RetryAfter: b.openUntil.Sub(now)}
	}
	b.state = BreakerHalfOpen
	return nil
}

// Success records a successful call: closes the breaker and clears the
// failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
}

// Failure records a failed call. In half-open it reopens immediately; in
// closed it opens once the streak reaches FailureThreshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.open()
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.FailureThreshold {
		b.open()
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.consecutiveFailures = 0
	b.openUntil = b.now().Add(b.OpenFor)
}

// State returns the current position without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

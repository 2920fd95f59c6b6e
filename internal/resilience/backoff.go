// Package resilience provides the retry, backoff and circuit-breaker
// primitives shared by the chat runner and the backend client.
package resilience

import (
	"math/rand"
	"time"
)

// Schedule is a table-driven backoff: attempt i sleeps
// Base[min(i, len(Base)-1)] plus up to Jitter of random spread. The table
// is explicit rather than exponential so burst recovery can be tuned per
// call site.
type Schedule struct {
	Base   []time.Duration
	Jitter time.Duration
}

// Delay returns the sleep before retrying after attempt (zero-based).
// A schedule with no base delays always returns zero.
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s.Base) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Base) {
		attempt = len(s.Base) - 1
	}
	d := s.Base[attempt]
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter)))
	}
	return d
}

// Package backoff computes exponential retry delays with jitter. Two
// independent instances are used in this system — one inside the
// downstream client (B) for transport retries, one inside the scheduler (E)
// for job-level retries — each with its own base, cap, and jitter per §4.9
// ("keep downstream-transport retries and job-level retries as two distinct
// mechanisms with separate budgets and separate backoff schedules").
package backoff

import (
	"math/rand"
	"time"
)

// Schedule computes min(base*2^(n-1), cap) with uniform jitter of ±frac,
// matching the reference worker's backoff() helper generalized to a
// configurable base, cap, and jitter fraction. n is 1-indexed (n=1 is the
// delay before the first retry).
type Schedule struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction, e.g. 0.1 for ±10%
}

// Delay returns the backoff duration before attempt n (n >= 1).
func (s Schedule) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := s.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d > s.Cap {
			d = s.Cap
			break
		}
	}
	if d > s.Cap {
		d = s.Cap
	}
	if s.Jitter <= 0 {
		return d
	}
	delta := float64(d) * s.Jitter
	offset := (rand.Float64()*2 - 1) * delta
	jittered := float64(d) + offset
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

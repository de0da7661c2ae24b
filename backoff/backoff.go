// Package backoff provides retry delay strategies for job attempts and
// workflow step retries.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
// Attempt numbering starts at 1 for the first retry.
type Strategy interface {
	// Delay returns the wait duration before the given attempt.
	Delay(attempt int) time.Duration
}

// Func adapts a plain function into a Strategy.
type Func func(attempt int) time.Duration

// Delay implements Strategy.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant returns the same delay for every attempt.
func Constant(d time.Duration) Strategy {
	return Func(func(int) time.Duration { return d })
}

// Linear grows the delay by base per attempt, capped at max.
func Linear(base, max time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(attempt) * base
		if d > max {
			return max
		}
		return d
	})
}

// Exponential doubles the delay each attempt starting from base,
// capped at max.
func Exponential(base, max time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		exp := math.Pow(2, float64(attempt-1))
		d := time.Duration(float64(base) * exp)
		if d > max || d <= 0 {
			return max
		}
		return d
	})
}

// ExponentialWithJitter is Exponential with the delay uniformly sampled
// from [d/2, d). Jitter spreads retries from jobs that failed together.
func ExponentialWithJitter(base, max time.Duration) Strategy {
	exp := Exponential(base, max)
	return Func(func(attempt int) time.Duration {
		d := exp.Delay(attempt)
		if d <= 0 {
			return d
		}
		half := d / 2
		return half + rand.N(half)
	})
}

// Default is the strategy applied when a job or step does not configure
// its own: exponential from 1s capped at 5m, with jitter.
func Default() Strategy {
	return ExponentialWithJitter(time.Second, 5*time.Minute)
}

// Package backoff computes capped exponential retry delays.
// It is shared by feed polling, client reconnects and process restarts.
package backoff

import "time"

const (
	DefaultInitial = 5 * time.Second
	DefaultMax     = 60 * time.Second
)

// Delay returns the wait before retry number attempt (1-based):
// initial·2^(attempt-1), capped at max. Attempts below 1 count as 1.
func Delay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if initial <= 0 {
		return 0
	}
	if max < initial {
		max = initial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		// doubling past max/2 would reach or overflow the cap
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Policy bundles the initial and maximum delay for callers that carry
// their own attempt counters.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Default returns the 5s→60s policy.
func Default() Policy {
	return Policy{Initial: DefaultInitial, Max: DefaultMax}
}

// Delay returns the wait before the given attempt under p.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Initial, p.Max)
}

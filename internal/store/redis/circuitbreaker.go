package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a publish.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // publishes pass through
	StateOpen                  // publishes rejected and buffered
	StateHalfOpen              // a single probe publish is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the Redis publisher. After maxFailures consecutive
// failures it opens for resetTimeout, then lets exactly one probe through.
// A successful probe closes it; a failed probe reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	probing      bool
	maxFailures  int
	resetTimeout time.Duration
	openedAt     time.Time
	now          func() time.Time

	// OnStateChange is called with the lock held; it must not call back
	// into the breaker.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open (or a probe is already running),
// in which case it returns ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	cb.probing = false

	if err != nil {
		cb.failures++
		if wasProbe || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return err
	}

	if wasProbe {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) <= cb.resetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
	}
	return true
}

// CurrentState returns the current breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}

package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	ncerr "apcgate/internal/errors"
)

// State is the position of a [CircuitBreaker].
type State int

const (
	// StateClosed lets every dial through.
	StateClosed State = iota
	// StateOpen rejects dials until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets a single trial dial through at a time.
	StateHalfOpen
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

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields take
// the defaults of [DefaultCircuitBreakerConfig].
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failed dial sequences
	// that opens the circuit.
	Threshold int
	// Cooldown is how long an open circuit rejects dials before it
	// admits a trial dial.
	Cooldown time.Duration
	// Recoveries is the number of consecutive successful trial dials
	// needed to close the circuit again.
	Recoveries int
	// OnStateChange runs on every transition, under the breaker lock.
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig suits a single apcupsd backend: five
// failed client sessions in a row stop dialing for 30s, and the first
// session that gets through afterwards closes the circuit.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Threshold:  5,
		Cooldown:   30 * time.Second,
		Recoveries: 1,
	}
}

// CircuitBreaker keeps client sessions from piling dials onto a backend
// that is down.  Dials abandoned by their caller (context cancelled or
// past its deadline) say nothing about the backend and are not counted.
type CircuitBreaker struct {
	threshold     int
	cooldown      time.Duration
	recoveries    int
	onStateChange func(from, to State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	recovered int
	openedAt  time.Time
	trial     bool // a half-open trial dial is in flight
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg == nil {
		cfg = def
	}
	cb := &CircuitBreaker{
		threshold:     cfg.Threshold,
		cooldown:      cfg.Cooldown,
		recoveries:    cfg.Recoveries,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
	if cb.threshold <= 0 {
		cb.threshold = def.Threshold
	}
	if cb.cooldown <= 0 {
		cb.cooldown = def.Cooldown
	}
	if cb.recoveries <= 0 {
		cb.recoveries = def.Recoveries
	}
	return cb
}

// Execute runs dial unless the circuit rejects it, in which case the
// returned error wraps errors.ErrCircuitOpen and dial is not called.
// ctx is the caller's dial context; it only decides whether a failure
// is charged to the backend.
func (cb *CircuitBreaker) Execute(ctx context.Context, dial func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = dial()
	cb.record(trial, err != nil && ctx.Err() == nil, err == nil)
	return err
}

// CurrentState returns the breaker's state.  An open circuit whose
// cooldown has elapsed still reports open until a dial is attempted.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the number of consecutive failed dials.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// RetryIn returns how long an open circuit keeps rejecting dials, or 0.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.retryIn()
}

// Reset closes the circuit and forgets past failures.  Used when the
// backend address changes.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.recovered = 0
	cb.trial = false
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) retryIn() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	if left := cb.cooldown - cb.now().Sub(cb.openedAt); left > 0 {
		return left
	}
	return 0
}

// admit decides whether a dial may run and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if left := cb.retryIn(); left > 0 {
			return false, fmt.Errorf("%w: %d failed dials, next attempt in %v",
				ncerr.ErrCircuitOpen, cb.failures, left.Truncate(time.Millisecond))
		}
		cb.recovered = 0
		cb.transition(StateHalfOpen)
		cb.trial = true
		return true, nil
	case StateHalfOpen:
		if cb.trial {
			return false, fmt.Errorf("%w: trial dial in progress", ncerr.ErrCircuitOpen)
		}
		cb.trial = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial, failed, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trial = false
	}

	switch {
	case ok:
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			if !trial {
				return
			}
			cb.recovered++
			if cb.recovered >= cb.recoveries {
				cb.failures = 0
				cb.transition(StateClosed)
			}
		case StateOpen:
			// A dial admitted before the circuit opened got through.
			cb.failures = 0
			cb.transition(StateClosed)
		}
	case failed:
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.threshold {
				cb.open()
			}
		case StateHalfOpen:
			if trial {
				cb.open()
			}
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

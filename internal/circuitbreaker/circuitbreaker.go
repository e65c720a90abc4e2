// Package circuitbreaker implements a three-state breaker used to stop
// hammering an RPC endpoint that is consistently failing.
//
// Closed: calls flow, consecutive failures are counted. Open: calls are
// rejected until the open timeout elapses. Half-open: a limited number of
// probe calls are allowed; enough successes close the breaker, any failure
// reopens it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count in half-open that
	// closes the breaker again.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before allowing
	// half-open probes.
	OpenTimeout time.Duration
}

// DefaultConfig returns the thresholds used when none are supplied.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Stats is a snapshot of the breaker's counters for observability.
type Stats struct {
	State                State
	Failures             uint64
	Successes            uint64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureAt        time.Time
	OpenedAt             time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg Config

	state                State
	failures             uint64
	successes            uint64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	openedAt             time.Time

	// now is swapped out in tests.
	now func() time.Time
}

// New builds a breaker in the closed state. Zero config fields fall back
// to DefaultConfig values.
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning open to
// half-open once the open timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.state = StateHalfOpen
			cb.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure notes a failed call, tripping the breaker when the
// threshold is reached. Any failure in half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
}

// Reset returns the breaker to closed and clears the consecutive
// counters. Cumulative totals are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:                cb.state,
		Failures:             cb.failures,
		Successes:            cb.successes,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureAt:        cb.lastFailureAt,
		OpenedAt:             cb.openedAt,
	}
}

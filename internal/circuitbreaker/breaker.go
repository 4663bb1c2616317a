// Package circuitbreaker tracks per-endpoint failure state so that dispatch
// to a failing endpoint can be skipped before any network cost is paid.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means the circuit breaker is closed and allowing requests through
	StateClosed State = iota
	// StateOpen means the circuit breaker is open and rejecting requests
	StateOpen
	// StateHalfOpen means the circuit breaker is testing if the endpoint has recovered
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

// Config holds the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before the next
	// IsOpen check transitions it to half-open
	ResetTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker implements the circuit breaker state machine for one endpoint.
//
// In the closed state a success decrements the failure counter (floor 0)
// rather than resetting it, so a flaky-but-mostly-healthy endpoint needs a
// burst of failures to open the circuit, not just isolated blips spread
// over time. The open-to-half-open transition happens lazily inside IsOpen;
// there is no background timer. Half-open allows exactly one trial: the
// first success closes the circuit, any failure reopens it immediately.
type Breaker struct {
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialTaken  bool

	now func() time.Time
}

// New creates a breaker in the closed state
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// IsOpen reports whether dispatch should be skipped. When the reset timeout
// has elapsed on an open circuit it transitions to half-open and admits a
// single trial: the first check returns false and takes the trial slot,
// every later check returns true until the trial's result is recorded.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.state = StateHalfOpen
		b.trialTaken = false
	}

	switch b.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		if b.trialTaken {
			return true
		}
		b.trialTaken = true
		return false
	}
	return false
}

// RecordSuccess registers a successful call against the endpoint
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.trialTaken = false
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure registers a failed call against the endpoint
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.lastFailure
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.lastFailure
		b.trialTaken = false
	}
}

// State returns the current state without triggering lazy transitions
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats holds a snapshot of breaker state for observability
type Stats struct {
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Stats returns the current statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		State:    b.state.String(),
		Failures: b.failures,
	}
	if !b.lastFailure.IsZero() {
		stats.LastFailure = &b.lastFailure
	}
	if !b.openedAt.IsZero() {
		stats.OpenedAt = &b.openedAt
	}
	return stats
}

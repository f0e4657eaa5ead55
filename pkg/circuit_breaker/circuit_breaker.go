// Package circuit_breaker guards a repeatedly-failing operation, tripping
// open after a run of failures and probing half-open after a cooldown.
// Used by the snapshot engine to stop retrying writes to a wedged pipe.
package circuit_breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config tunes the breaker's failure and retry thresholds.
type Config struct {
	MaxFailures   int64         `yaml:"max_failures"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Stats snapshots a breaker's counters.
type Stats struct {
	State         string
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// CircuitBreaker wraps fn calls, tripping open after repeated failure.
type CircuitBreaker struct {
	config          Config
	state           string
	failures        int64
	successes       int64
	requests        int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextRetryTime   time.Time
	mutex           sync.RWMutex
}

// New creates a CircuitBreaker in the closed state.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Execute runs fn if the breaker is closed or half-open (probing), returning
// ErrCircuitBreakerOpen without calling fn when the breaker is tripped.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.requests++

	if cb.state == StateOpen {
		if time.Now().Before(cb.nextRetryTime) {
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.nextRetryTime = time.Now().Add(cb.config.ResetTimeout)
		}
		return err
	}

	cb.successes++
	cb.lastSuccessTime = time.Now()
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = 0
	}
	return nil
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() string {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// IsOpen reports whether calls are currently being short-circuited.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state == StateOpen
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.nextRetryTime = time.Time{}
}

// GetStats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return Stats{
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		Requests:      cb.requests,
		LastFailure:   cb.lastFailureTime,
		LastSuccess:   cb.lastSuccessTime,
		NextRetryTime: cb.nextRetryTime,
	}
}

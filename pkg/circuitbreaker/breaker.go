package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
)

// Config holds the breaker thresholds
type Config struct {
	Enabled      bool
	Threshold    int
	Window       time.Duration
	ResetTimeout time.Duration
}

// State is a snapshot of the breaker, as served on the status endpoint
type State struct {
	Enabled       bool      `json:"enabled"`
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	FailThreshold int       `json:"fail_threshold"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	TripTime      time.Time `json:"trip_time,omitempty"`
}

// CircuitBreaker stops settlement handoffs after repeated failures inside a
// window and lets them through again once the reset timeout has passed.
type CircuitBreaker struct {
	name   string
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg Config, clk clock.Clock, log logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		clock:  clk,
		logger: log,
	}
}

// RecordFailure records a failure and trips the circuit if threshold is exceeded
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.cfg.Enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.cfg.ResetTimeout {
			return true
		}
		cb.logger.Info("Circuit breaker %s: attempting to reset after timeout", cb.name)
		cb.closeLocked()
	}

	if now.Sub(cb.lastFailure) > cb.cfg.Window {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.cfg.Threshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitBreakerOpen.Set(1)
		cb.logger.Notice("Circuit breaker %s tripped: %d failures in %v window", cb.name, cb.failureCount, cb.cfg.Window)
		return true
	}

	return false
}

// RecordSuccess clears the failure count of a closed circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.cfg.Enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// If tripped but reset timeout has passed, try again
	if cb.tripped && cb.clock.Now().Sub(cb.tripTime) > cb.cfg.ResetTimeout {
		cb.closeLocked()
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
	cb.logger.Info("Circuit breaker %s reset", cb.name)
}

// Name identifies the guarded endpoint
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	open := cb.IsOpen()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Enabled:       cb.cfg.Enabled,
		Open:          open,
		FailureCount:  cb.failureCount,
		FailThreshold: cb.cfg.Threshold,
		LastFailure:   cb.lastFailure,
		TripTime:      cb.tripTime,
	}
}

func (cb *CircuitBreaker) closeLocked() {
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitBreakerOpen.Set(0)
}

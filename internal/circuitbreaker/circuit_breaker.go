// Package circuitbreaker protects remote metadata hosts from repeated calls
// once they start failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/contract-catalog/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MinCalls         int     // Calls observed before the failure rate is considered
	FailureThreshold float64 // Failure rate that opens the circuit (0.0-1.0)
	ConsecutiveFails int     // Consecutive failures that open the circuit regardless of rate
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns the configuration used for metadata hosts
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MinCalls:         10,
		FailureThreshold: 0.5,
		ConsecutiveFails: 5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	halfOpenInFlight int
	consecutiveFails int
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:             *config,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted against the remote host.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(ctx); err != nil {
		return err
	}
	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.afterRequest(ctx, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) <= cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if err == nil {
		cb.successes++
		cb.consecutiveFails = 0
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.setState(StateClosed)
			logging.FromContext(ctx).WithField("circuitBreaker", cb.cfg.Name).Info("Circuit breaker closed after successful recovery")
		}
		return
	}

	cb.failures++
	cb.consecutiveFails++
	switch cb.state {
	case StateClosed:
		if cb.shouldOpen() {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"circuitBreaker":   cb.cfg.Name,
				"failures":         cb.failures,
				"totalCalls":       cb.totalCalls,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		logging.FromContext(ctx).WithField("circuitBreaker", cb.cfg.Name).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.ConsecutiveFails > 0 && cb.consecutiveFails >= cb.cfg.ConsecutiveFails {
		return true
	}
	if cb.totalCalls < cb.cfg.MinCalls {
		return false
	}
	return float64(cb.failures)/float64(cb.totalCalls) >= cb.cfg.FailureThreshold
}

// setState changes state and resets the counters for the new state
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.totalCalls = 0
	cb.halfOpenInFlight = 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Manager hands out one breaker per name, typically per remote host
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   func(name string) *Config
}

// NewManager creates a manager; config may be nil to use DefaultConfig
func NewManager(config func(name string) *Config) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), config: config}
}

// Get returns the breaker for name, creating it on first use
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(m.config(name))
	m.breakers[name] = cb
	return cb
}

// States reports the state of every breaker
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.GetState()
	}
	return out
}

// Package circuitbreaker wraps broker and store calls so that a failing
// dependency stops being hammered.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three circuit-breaker states.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a single breaker's failure/timeout thresholds.
type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
	Logger      zerolog.Logger
}

// DefaultConfig returns sane defaults for a named dependency.
func DefaultConfig(name string, logger zerolog.Logger) Config {
	return Config{
		Name:        name,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
		Logger:      logger,
	}
}

// CircuitBreaker guards calls to a single dependency (one broker endpoint
// class, or the Store) and trips to Open after MaxFailures consecutive
// failures, allowing MaxRequests probes through once Timeout has elapsed.
type CircuitBreaker struct {
	config Config

	mu              sync.Mutex
	state           State
	failures        int
	consecutiveSucc int
	lastStateChange time.Time
	halfOpenReqs    int
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is tripped and not
// yet ready to probe.
var ErrCircuitOpen = fmt.Errorf("circuitbreaker: circuit open")

// Execute runs fn if the breaker currently allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()

	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenReqs = 1
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	cb.consecutiveSucc++

	if cb.state == StateHalfOpen && cb.consecutiveSucc >= cb.config.MaxRequests {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveSucc = 0
	cb.failures++

	if cb.state == StateHalfOpen {
		cb.setState(StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.config.Logger.GetLevel() >= 0 {
		cb.config.Logger.Warn().
			Str("breaker", cb.config.Name).
			Str("from", cb.state.String()).
			Str("to", s.String()).
			Msg("circuit breaker state change")
	}
	cb.state = s
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.consecutiveSucc = 0
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics is a point-in-time snapshot suitable for Prometheus gauges.
type Metrics struct {
	Name     string
	State    State
	Failures int
}

func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Metrics{Name: cb.config.Name, State: cb.state, Failures: cb.failures}
}

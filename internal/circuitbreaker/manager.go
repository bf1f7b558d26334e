package circuitbreaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager manages multiple circuit breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   zerolog.Logger
}

// NewManager creates a new circuit breaker manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (m *Manager) GetOrCreate(name string, config Config) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config.Name = name
	config.Logger = m.logger
	breaker := New(config)
	m.breakers[name] = breaker

	m.logger.Info().
		Str("breaker", name).
		Int("max_failures", config.MaxFailures).
		Dur("timeout", config.Timeout).
		Msg("Created circuit breaker")

	return breaker
}

// Get returns an existing circuit breaker
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	breaker, exists := m.breakers[name]
	return breaker, exists
}

// GetAllMetrics returns a snapshot of every registered breaker.
func (m *Manager) GetAllMetrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Metrics, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		out = append(out, breaker.GetMetrics())
	}
	return out
}

// DefaultDatabaseConfig tunes the breaker wrapping Store calls to fail fast.
func DefaultDatabaseConfig() Config {
	return Config{
		MaxFailures: 3,
		Timeout:     10 * time.Second,
		MaxRequests: 2,
	}
}

// DefaultBrokerConfig tunes the breaker wrapping broker adapter calls, which
// tolerates more transient flakiness before tripping.
func DefaultBrokerConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 3,
	}
}

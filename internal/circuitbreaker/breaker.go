// Package circuitbreaker implements the circuit breaker state machine that
// fronts every slow external integration (permit registry, webhook sinks).
// A breaker that has seen too many consecutive failures shorts requests
// until its reset timeout elapses, then admits a single probe.
package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/buildguard/backend/internal/faults"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // reset timeout elapsed, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when a request is shorted. It carries the
// BREAKER_OPEN kind so the retry layer can classify it.
var ErrOpen = faults.New(faults.KindBreakerOpen, "circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the logical endpoint this breaker protects
	Name string

	// FailMax is the number of consecutive failures that trips the breaker
	FailMax uint32

	// ResetTimeout is the period of open state before admitting a probe
	ResetTimeout time.Duration

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the default policy: trip after 3 consecutive
// failures, stay open for 30 seconds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		FailMax:      3,
		ResetTimeout: 30 * time.Second,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[BREAKER:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts for one generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Clear resets all counts
func (c *Counts) Clear() {
	*c = Counts{}
}

// OnSuccess records a successful request
func (c *Counts) OnSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed request
func (c *Counts) OnFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker protects one logical endpoint. It is shared across
// concurrent callers; all transitions happen under the mutex and the lock
// is never held across the protected call itself.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	counts     Counts
	openedAt   time.Time
	probing    bool // half-open: a probe is already in flight
	generation uint64
}

// New creates a circuit breaker in the closed state.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailMax == 0 {
		cfg.FailMax = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the endpoint name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, promoting OPEN to HALF_OPEN when the
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns a copy of the current generation's counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// NextProbeAt returns when the breaker will next admit a probe. The zero
// time means the breaker is not open.
func (cb *CircuitBreaker) NextProbeAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.currentState(time.Now()) != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cfg.ResetTimeout)
}

// Allow reserves permission to issue one request. Returns ErrOpen while the
// breaker is open and when a half-open probe is already in flight. On nil,
// the caller must report the outcome via Success or Failure with the
// returned generation.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateOpen:
		return cb.generation, ErrOpen
	case StateHalfOpen:
		if cb.probing {
			return cb.generation, ErrOpen
		}
		cb.probing = true
	}
	return cb.generation, nil
}

// Success reports a successful call. A half-open probe success closes the
// breaker; stale reports from a previous generation are ignored.
func (cb *CircuitBreaker) Success(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}
	state := cb.currentState(time.Now())
	cb.counts.OnSuccess()
	if state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// Failure reports a failed call. In the closed state, FailMax consecutive
// failures trip the breaker; a half-open probe failure re-opens it.
func (cb *CircuitBreaker) Failure(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}
	state := cb.currentState(time.Now())
	cb.counts.OnFailure()
	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailMax {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// currentState must be called with the mutex held.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.probing = false
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, StateOpen, StateHalfOpen)
		}
	}
	return cb.state
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.counts.Clear()
	cb.probing = false
	if state == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager holds one breaker per logical endpoint so concurrent callers of
// the same integration share failure history.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // default config for new breakers
}

// NewManager creates a manager with the given default config.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb
	return cb
}

// GetOrCreate returns an existing breaker or creates one with a custom config.
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	if cfg == nil {
		c := *m.cfg
		cfg = &c
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Status describes one breaker for the health surface.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	NextProbeAt time.Time `json:"next_probe_at,omitempty"`
	Counts      Counts    `json:"counts"`
}

// Stats returns a snapshot of every breaker.
func (m *Manager) Stats() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Status, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = Status{
			Name:        name,
			State:       cb.State().String(),
			NextProbeAt: cb.NextProbeAt(),
			Counts:      cb.Counts(),
		}
	}
	return stats
}

package llm

import (
	"sync"
	"time"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// CircuitState represents the state of a model circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Probing recovery
	CircuitOpen                         // Skipping the model
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker skips a model after consecutive failures until a cooldown
// has passed, then lets a single trial call through.
type CircuitBreaker struct {
	model string
	mu    sync.Mutex
	state CircuitState
	now   func() time.Time

	// Configuration
	failureThreshold int
	cooldownPeriod   time.Duration

	// State tracking
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker for one model.
func NewCircuitBreaker(model string, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		model:            model,
		state:            CircuitClosed,
		now:              time.Now,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
	}
}

// Allow reports whether a call to the model may be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check if we should transition from Open -> HalfOpen
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldownPeriod {
		cb.setState(CircuitHalfOpen)
		cb.probing = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// One trial call at a time
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.setState(CircuitClosed)
}

// RecordFailure counts a failure; the circuit opens at the threshold and
// re-opens on a failed trial call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.probing = false
		cb.setState(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.ModelCircuitState.WithLabelValues(cb.model).Set(float64(s))
}

// breakerSet lazily creates one breaker per model.
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	cooldown  time.Duration
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (s *breakerSet) get(model string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[model]
	if !ok {
		cb = NewCircuitBreaker(model, s.threshold, s.cooldown)
		s.breakers[model] = cb
	}
	return cb
}

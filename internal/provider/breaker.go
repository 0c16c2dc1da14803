package provider

import (
	"sync"
	"time"

	"github.com/ossian/flint/pkg/schema"
)

// CircuitState represents the state of a provider circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior per provider type.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single provider type.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-provider-type circuit breakers. A provider
// that keeps failing across runs trips its breaker; subsequent invocations
// fail fast until the cooldown lets a test request through.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the given provider type is allowed.
// Returns nil if allowed, or a FlintError if the circuit is open.
func (r *BreakerRegistry) AllowRequest(providerType string) error {
	b := r.getOrCreate(providerType)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for provider %q: %d consecutive failures, cooldown remaining",
			providerType, b.consecutiveFailures).
			WithDetails(map[string]any{
				"provider":             providerType,
				"consecutive_failures": b.consecutiveFailures,
				"state":                b.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for provider %q: max test requests reached", providerType)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful invocation for the provider type.
func (r *BreakerRegistry) RecordSuccess(providerType string) {
	b := r.getOrCreate(providerType)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure records a failed invocation for the provider type.
// Returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(providerType string) CircuitState {
	b := r.getOrCreate(providerType)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		b.state = CircuitOpen
		return CircuitOpen
	}

	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		return CircuitOpen
	}

	return b.state
}

// State returns the current state of the circuit for a provider type.
func (r *BreakerRegistry) State(providerType string) CircuitState {
	b := r.getOrCreate(providerType)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}

	return b.state
}

// Stats returns diagnostic information about a circuit breaker.
func (r *BreakerRegistry) Stats(providerType string) map[string]any {
	b := r.getOrCreate(providerType)
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"provider":             providerType,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(providerType string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerType]
	if !ok {
		b = &breaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[providerType] = b
	}
	return b
}

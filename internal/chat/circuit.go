package chat

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed is normal operation.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every call until the quiet period has passed.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

var circuitStateNames = [...]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

// String returns the lowercase state name, "unknown" for values outside the
// defined range.
func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // probe successes to close again
	Timeout          time.Duration // quiet period while open
}

// DefaultCircuitBreakerConfig is tuned for LLM providers: five straight
// failures buy the provider 30 seconds of quiet before probes resume.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker keeps a failing model provider from burning the retry
// budget of every request. Once failures hit the threshold the breaker
// rejects calls outright; after the quiet period it admits probes and
// closes again when enough of them succeed.
type CircuitBreaker struct {
	mu sync.RWMutex

	state      CircuitState
	failStreak int // consecutive failures while closed
	probeOKs   int // successful probes while half-open
	openedAt   time.Time

	cfg CircuitBreakerConfig
	now func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a breaker; zero config fields fall back to the
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. The open to half-open move
// happens here, under the write lock, once the quiet period has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) <= cb.cfg.Timeout {
		return ErrCircuitOpen
	}
	cb.state = CircuitHalfOpen
	cb.probeOKs = 0
	return nil
}

// Success records a completed call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failStreak = 0
	case CircuitHalfOpen:
		cb.probeOKs++
		if cb.probeOKs >= cb.cfg.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failStreak = 0
			cb.probeOKs = 0
		}
	}
}

// Failure records a failed call. A failed probe reopens the breaker and
// restarts the quiet period.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failStreak++
		if cb.failStreak >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		cb.trip()
	case CircuitOpen:
		// A call that was already in flight when the breaker opened;
		// extend the quiet period.
		cb.openedAt = cb.now()
	}
}

// trip opens the breaker. Callers hold the write lock.
func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
	cb.probeOKs = 0
}

// State returns the breaker's current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed. Primarily for tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failStreak = 0
	cb.probeOKs = 0
	cb.openedAt = time.Time{}
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/voice-agent/internal/observability"
)

// ErrCircuitOpen is returned without calling the protected function while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the provider recovered
)

func (s CircuitState) String() string {
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

// CircuitBreaker guards one provider. Every session shares the provider's
// breaker, so a dead provider fails fast for all callers.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu             sync.Mutex
	state          CircuitState
	failures       int
	halfOpenCalls  int
	halfOpenPassed int
	lastFailure    time.Time
	requests       int64
	failuresTotal  int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
	}
}

// Name returns the provider name used in metrics.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn under breaker protection. Cancellation of ctx is not
// counted as a provider failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Report(ctx, err)
	return err
}

// Report records the outcome of a call reserved with Allow. An error caused
// by the cancellation of ctx frees the slot without counting as a failure.
func (cb *CircuitBreaker) Report(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		cb.release()
		return
	}
	cb.RecordResult(err == nil)
}

// Allow reserves a call slot, returning ErrCircuitOpen if none is available.
// Callers that get nil must report the outcome with RecordResult.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// RecordResult records the outcome of a call
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	if success {
		cb.recordSuccess()
		return
	}
	cb.recordFailure()
	observability.IncrementCircuitBreakerFailures(cb.name)
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenPassed++
		if cb.halfOpenPassed >= cb.halfOpenMax {
			cb.failures = 0
			cb.setState(StateClosed)
		}
	case StateOpen:
		// A call admitted before the breaker opened finished late.
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failuresTotal++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.halfOpenCalls = 0
	cb.halfOpenPassed = 0
	observability.UpdateCircuitBreakerState(cb.name, int(s))
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the state, request and failure totals, and failure rate in percent.
func (cb *CircuitBreaker) Stats() (state CircuitState, requests, failures int64, failureRate float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.requests > 0 {
		failureRate = float64(cb.failuresTotal) / float64(cb.requests) * 100.0
	}
	return cb.state, cb.requests, cb.failuresTotal, failureRate
}

// Reset closes the breaker and clears its statistics.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.requests = 0
	cb.failuresTotal = 0
	cb.setState(StateClosed)
}

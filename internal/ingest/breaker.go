package ingest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/metrics"
	"github.com/skysink/skysink/pkg/skyerrors"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// StateClosed allows all calls to pass through.
	StateClosed BreakerState = iota
	// StateOpen short-circuits all calls without invoking the store.
	StateOpen
	// StateHalfOpen allows exactly one trial call.
	StateHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
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

// CircuitBreaker guards one store destination. It opens after a configured
// run of consecutive failures, rejects calls until the recovery timeout
// elapses, then admits a single trial call whose outcome decides whether
// the breaker closes or reopens.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenTimeout  time.Duration
	logger           *zap.Logger

	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
	trialStarted  time.Time
}

// BreakerStats is a point-in-time view of a breaker for the health surface.
type BreakerStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// NewCircuitBreaker creates a closed breaker for the named destination.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout, halfOpenTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenTimeout:  halfOpenTimeout,
		logger: logger.With(
			zap.String("component", "circuit_breaker"),
			zap.String("destination", name)),
		state: StateClosed,
	}
}

// Execute runs op under breaker protection. When the breaker is open the
// call is rejected immediately with a circuit-open error and op is never
// invoked.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allow() {
		return skyerrors.New(skyerrors.ErrorTypeCircuitOpen, "circuit breaker is open").
			WithDetail("destination", cb.name)
	}

	err := op()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(cb.nextAttempt) {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trialInFlight = true
		cb.trialStarted = now
		cb.logger.Info("circuit breaker half-open, admitting trial call")
		return true

	case StateHalfOpen:
		if cb.trialInFlight {
			// A stuck trial is treated as a failure after the half-open
			// timeout so the breaker cannot wedge on a hung call.
			if cb.halfOpenTimeout > 0 && now.Sub(cb.trialStarted) > cb.halfOpenTimeout {
				cb.reopen(now)
			}
			return false
		}
		cb.trialInFlight = true
		cb.trialStarted = now
		return true

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.trialInFlight = false

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.failures = 0
		cb.logger.Info("circuit breaker closed after successful trial")
		return
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.failures++
	cb.lastFailure = now
	cb.trialInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.reopen(now)
			cb.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", cb.failures),
				zap.Time("next_attempt", cb.nextAttempt))
		}
	case StateHalfOpen:
		cb.reopen(now)
		cb.logger.Warn("circuit breaker reopened after failed trial",
			zap.Time("next_attempt", cb.nextAttempt))
	}
}

// reopen moves to open with a renewed next-attempt time. Caller holds mu.
func (cb *CircuitBreaker) reopen(now time.Time) {
	cb.setState(StateOpen)
	cb.nextAttempt = now.Add(cb.recoveryTimeout)
	cb.trialInFlight = false
}

// setState updates state and the exported gauge. Caller holds mu.
func (cb *CircuitBreaker) setState(state BreakerState) {
	cb.state = state
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(state))
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker for the health surface.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
		NextAttempt: cb.nextAttempt,
	}
}

// Reset returns the breaker to closed with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
}

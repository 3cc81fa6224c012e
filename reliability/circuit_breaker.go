package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
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
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// CircuitBreaker opens after K consecutive failures inside a window, fails fast for the
// cool-down, then lets a single trial call through before closing again.
// It implements Policy and is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	firstFailureTime time.Time
	lastFailureTime  time.Time
	openedAt         time.Time
	trialInFlight    bool
	totalRequests    int64
	totalFailures    int64
	totalRejected    int64

	// Configuration
	name             string
	failureThreshold int
	window           time.Duration
	cooldown         time.Duration
	isFailure        func(error) bool
	logger           *slog.Logger
	now              func() time.Time

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of consecutive failures that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithWindow bounds how far apart the counted failures may be. Zero means unbounded.
func WithWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.window = window
	}
}

// WithCooldown sets how long the circuit stays open
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithFailurePredicate selects which errors count as failures
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = isFailure
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		cooldown:         30 * time.Second,
		isFailure:        isCountedFailure,
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name implements Policy
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := cb.beforeCall()
	if err != nil {
		return err
	}

	// a panicking call counts as a failure and must release the half-open trial slot
	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(trial, errPanicked)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterCall(trial, err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
	if old != StateClosed {
		cb.notifyStateChange(old, StateClosed, "reset")
	}
}

// currentState reports half-open once the cool-down has elapsed. Caller holds mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.cooldown)) {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) beforeCall() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		nextRetry := cb.openedAt.Add(cb.cooldown)
		if cb.now().Before(nextRetry) {
			cb.totalRejected++
			return false, cb.rejection(StateOpen, nextRetry)
		}
		cb.state = StateHalfOpen
		cb.notifyStateChange(StateOpen, StateHalfOpen, "cool-down elapsed")
		fallthrough

	case StateHalfOpen:
		if cb.trialInFlight {
			cb.totalRejected++
			return false, cb.rejection(StateHalfOpen, cb.now().Add(cb.cooldown))
		}
		cb.trialInFlight = true
		return true, nil

	default:
		return false, ErrUnknownState
	}
}

func (cb *CircuitBreaker) afterCall(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err == errPanicked || (err != nil && cb.isFailure(err))
	now := cb.now()

	if trial {
		cb.trialInFlight = false
		if failed {
			cb.totalFailures++
			cb.lastFailureTime = now
			cb.trip(StateHalfOpen, now, "trial call failed")
			return
		}
		cb.failures = 0
		cb.state = StateClosed
		cb.notifyStateChange(StateHalfOpen, StateClosed, "trial call succeeded")
		return
	}

	if !failed {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		return
	}

	cb.totalFailures++
	if cb.window > 0 && cb.failures > 0 && now.Sub(cb.firstFailureTime) > cb.window {
		cb.failures = 0
	}
	if cb.failures == 0 {
		cb.firstFailureTime = now
	}
	cb.failures++
	cb.lastFailureTime = now

	if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
		cb.trip(StateClosed, now,
			fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
	}
}

// trip opens the circuit. Caller holds mu.
func (cb *CircuitBreaker) trip(from State, now time.Time, reason string) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.logger.Warn("circuit opened",
		"policy", cb.name,
		"failures", cb.failures,
		"cooldown", cb.cooldown,
		"reason", reason,
	)
	cb.notifyStateChange(from, StateOpen, reason)
}

func (cb *CircuitBreaker) rejection(state State, nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            state,
		Op:               "execute",
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextRetry:        nextRetry,
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies listeners in goroutines. Caller holds mu.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(cb.name, from, to, reason)
	}
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.currentState(),
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
		Timestamp:       cb.now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailureTime time.Time
	Timestamp       time.Time
}

package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/courier/contracts"
)

// Backoff produces the delay before the next attempt
type Backoff interface {
	// NextDelay returns the delay after the given 1-based attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles (by Multiplier) the delay after each attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff without jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// LinearBackoff grows the delay by Interval after each attempt
type LinearBackoff struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

// NewLinearBackoff creates a new linear backoff
func NewLinearBackoff(interval, max time.Duration) *LinearBackoff {
	return &LinearBackoff{Interval: interval, MaxInterval: max}
}

// NextDelay implements Backoff
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := l.Interval * time.Duration(attempt)
	if l.MaxInterval > 0 && delay > l.MaxInterval {
		delay = l.MaxInterval
	}
	return delay
}

// FixedDelay waits the same delay between attempts
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay backoff
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retrier runs an operation up to Attempts times, backing off between tries.
// After the last attempt the last error propagates unchanged.
type Retrier struct {
	name     string
	attempts int
	backoff  Backoff
	handles  func(error) bool
	logger   *slog.Logger
}

// RetrierOption configures a Retrier
type RetrierOption func(*Retrier)

// RetryOn limits retries to errors matching the predicate
func RetryOn(handles func(error) bool) RetrierOption {
	return func(r *Retrier) {
		r.handles = handles
	}
}

// RetryOnErrors limits retries to errors matching one of targets via errors.Is
func RetryOnErrors(targets ...error) RetrierOption {
	return RetryOn(func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	})
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// NewRetrier creates a retry policy with the given total number of attempts
func NewRetrier(name string, attempts int, backoff Backoff, options ...RetrierOption) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	if backoff == nil {
		backoff = NewFixedDelay(0)
	}
	r := &Retrier{
		name:     name,
		attempts: attempts,
		backoff:  backoff,
		handles:  isRetryableError,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Name implements Policy
func (r *Retrier) Name() string {
	return r.name
}

// Attempts returns the configured total number of attempts
func (r *Retrier) Attempts() int {
	return r.attempts
}

// Execute implements Policy
func (r *Retrier) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= r.attempts || !isRetryableBase(err) || !r.handles(err) {
			return lastErr
		}

		delay := r.backoff.NextDelay(attempt)
		r.logger.Debug("retrying operation",
			"policy", r.name,
			"attempt", attempt,
			"maxAttempts", r.attempts,
			"delay", delay,
			"error", err,
		)

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
}

// Retry executes fn with an anonymous retry policy
func Retry(ctx context.Context, attempts int, backoff Backoff, fn func(context.Context) error) error {
	return NewRetrier("", attempts, backoff).Execute(ctx, fn)
}

// isRetryableBase excludes errors no policy may retry
func isRetryableBase(err error) bool {
	return !contracts.IsConfigurationError(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrNonRetryable)
}

// isRetryableError is the default predicate: honours IsRetryable() and retries the rest
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// isCountedFailure is the circuit breaker's default failure predicate
func isCountedFailure(err error) bool {
	return isRetryableBase(err)
}

// RetryableError wraps an error to state whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

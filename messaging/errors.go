package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallTimeout is returned when no correlated reply arrives in time
	ErrCallTimeout = errors.New("messaging: call timed out waiting for reply")
	// ErrDeferMessage asks the pump to requeue the message with the channel delay
	ErrDeferMessage = errors.New("messaging: defer message")
)

// PublishError aggregates failures from independent event pipelines
type PublishError struct {
	RequestType string
	RequestID   string
	Handlers    int
	Failures    []error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s): %d of %d handlers failed: %v",
		e.RequestType, e.RequestID, len(e.Failures), e.Handlers, errors.Join(e.Failures...))
}

// Unwrap exposes every failure to errors.Is and errors.As
func (e *PublishError) Unwrap() []error {
	return e.Failures
}

// CallTimeoutError carries the correlation context of a timed-out call
type CallTimeoutError struct {
	RequestType   string
	CorrelationID string
	ReplyTo       string
	Timeout       time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %v (correlationId=%s, replyTo=%s)",
		e.RequestType, e.Timeout, e.CorrelationID, e.ReplyTo)
}

func (e *CallTimeoutError) Unwrap() error {
	return ErrCallTimeout
}

// ClearError reports the outbox entries a clear could not dispatch
type ClearError struct {
	Failed map[string]error
}

func (e *ClearError) Error() string {
	errs := make([]error, 0, len(e.Failed))
	for id, err := range e.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}
	return fmt.Sprintf("clear outbox: %d messages not dispatched: %v", len(e.Failed), errors.Join(errs...))
}

// Unwrap exposes every failure to errors.Is and errors.As
func (e *ClearError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

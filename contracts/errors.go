package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of every fatal misconfiguration. Never retried.
	ErrConfiguration = errors.New("courier: configuration error")
	// ErrBrokerUnreachable is raised once retries or the connection circuit are exhausted
	ErrBrokerUnreachable = errors.New("courier: broker unreachable")
)

// ConfigurationError names the missing or invalid resource
type ConfigurationError struct {
	Resource string
	Name     string
	Reason   string
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(resource, name, reason string) *ConfigurationError {
	return &ConfigurationError{Resource: resource, Name: name, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s %q: %s", e.Resource, e.Name, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// IsConfigurationError reports whether err is fatal misconfiguration
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// ChannelFailureError is a transport-level failure on a channel, distinct from handler failures
type ChannelFailureError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ChannelFailureError) Error() string {
	return fmt.Sprintf("channel %s: %s failed: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelFailureError) Unwrap() error {
	return e.Err
}

// IsBrokerUnreachable reports whether err signals a down broker
func IsBrokerUnreachable(err error) bool {
	return errors.Is(err, ErrBrokerUnreachable)
}

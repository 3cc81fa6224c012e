package pump

import (
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

// MissingChannelPolicy decides what happens when a channel's broker resources are absent at start
type MissingChannelPolicy int

const (
	// OnMissingCreate declares the missing resources
	OnMissingCreate MissingChannelPolicy = iota
	// OnMissingValidate fails start with a configuration error
	OnMissingValidate
	// OnMissingAssume skips the check entirely
	OnMissingAssume
)

func (p MissingChannelPolicy) String() string {
	switch p {
	case OnMissingCreate:
		return "create"
	case OnMissingValidate:
		return "validate"
	case OnMissingAssume:
		return "assume"
	default:
		return "unknown"
	}
}

// ParseMissingChannelPolicy parses create, validate or assume
func ParseMissingChannelPolicy(s string) (MissingChannelPolicy, error) {
	switch s {
	case "", "create":
		return OnMissingCreate, nil
	case "validate":
		return OnMissingValidate, nil
	case "assume":
		return OnMissingAssume, nil
	default:
		return 0, fmt.Errorf("unknown missing channel policy %q", s)
	}
}

// Mode selects the pump execution shape
type Mode int

const (
	// Reactor runs each pump on its own goroutine, handling inline
	Reactor Mode = iota
	// Proactor handles on a worker borrowed from a pool shared by all proactor pumps,
	// releasing it while waiting on Receive
	Proactor
)

func (m Mode) String() string {
	if m == Proactor {
		return "proactor"
	}
	return "reactor"
}

// ParseMode parses reactor or proactor
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "reactor":
		return Reactor, nil
	case "proactor":
		return Proactor, nil
	default:
		return 0, fmt.Errorf("unknown pump mode %q", s)
	}
}

// Subscription is the static configuration of one channel and its pump
type Subscription struct {
	Name       string
	RoutingKey string
	// RequestType selects the mapper; empty means use the type recorded on each message
	RequestType string
	BufferSize  int
	// RequeueCount is the number of requeues allowed before dead-lettering
	RequeueCount int
	RequeueDelay time.Duration
	// DeadLetterRoutingKey is optional; without it exhausted messages are rejected
	DeadLetterRoutingKey string
	OnMissingChannel     MissingChannelPolicy
	Mode                 Mode
	// Timeout bounds each Receive
	Timeout time.Duration
	// ConnectionFailureThreshold consecutive receive failures open the channel circuit
	ConnectionFailureThreshold int
	ConnectionCooldown         time.Duration
	// ContextKey scopes inbox duplicate checks; defaults to Name
	ContextKey string
}

// WithDefaults fills zero fields
func (s Subscription) WithDefaults() Subscription {
	if s.RoutingKey == "" {
		s.RoutingKey = s.Name
	}
	if s.BufferSize <= 0 {
		s.BufferSize = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = time.Second
	}
	if s.ConnectionFailureThreshold <= 0 {
		s.ConnectionFailureThreshold = 3
	}
	if s.ConnectionCooldown <= 0 {
		s.ConnectionCooldown = 30 * time.Second
	}
	if s.ContextKey == "" {
		s.ContextKey = s.Name
	}
	return s
}

// Validate reports invalid settings as configuration errors
func (s Subscription) Validate() error {
	if s.Name == "" {
		return contracts.NewConfigurationError("subscription", "", "name is required")
	}
	if s.RequeueCount < 0 {
		return contracts.NewConfigurationError("subscription", s.Name, "requeue count cannot be negative")
	}
	if s.DeadLetterRoutingKey != "" && s.DeadLetterRoutingKey == s.RoutingKey {
		return contracts.NewConfigurationError("subscription", s.Name, "dead letter routing key must differ from the routing key")
	}
	return nil
}

// ChannelSpec describes the broker resources behind the subscription
func (s Subscription) ChannelSpec() messaging.ChannelSpec {
	return messaging.ChannelSpec{
		Name:                 s.Name,
		RoutingKey:           s.RoutingKey,
		DeadLetterRoutingKey: s.DeadLetterRoutingKey,
		BufferSize:           s.BufferSize,
	}
}

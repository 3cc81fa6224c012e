package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

// Channel pairs a consumer with the subscription that configured it. Receive runs
// behind a per-channel connection circuit; settlement calls go straight to the consumer.
type Channel struct {
	sub      Subscription
	consumer messaging.Consumer
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewChannel wraps consumer for sub
func NewChannel(sub Subscription, consumer messaging.Consumer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	sub = sub.WithDefaults()
	c := &Channel{sub: sub, consumer: consumer, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sub.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     sub.ConnectionCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(sub.ConnectionFailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("channel circuit state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return c
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.sub.Name
}

// Subscription returns the channel configuration
func (c *Channel) Subscription() Subscription {
	return c.sub
}

// Receive pulls the next batch. While the circuit is open the consumer is not called
// and the error wraps contracts.ErrBrokerUnreachable.
func (c *Channel) Receive(ctx context.Context) ([]*contracts.Message, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.consumer.Receive(ctx, c.sub.Timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &contracts.ChannelFailureError{
			Channel: c.sub.Name,
			Op:      "receive",
			Err:     fmt.Errorf("%w: circuit %s", contracts.ErrBrokerUnreachable, c.breaker.State()),
		}
	}
	if err != nil {
		return nil, err
	}
	msgs, _ := result.([]*contracts.Message)
	return msgs, nil
}

// CircuitState reports the connection circuit state
func (c *Channel) CircuitState() string {
	return c.breaker.State().String()
}

// CircuitOpen reports whether Receive is currently short-circuited
func (c *Channel) CircuitOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Acknowledge removes msg from the channel
func (c *Channel) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	return c.consumer.Acknowledge(ctx, msg)
}

// Reject discards msg, or dead-letters it where the broker is configured to
func (c *Channel) Reject(ctx context.Context, msg *contracts.Message) error {
	return c.consumer.Reject(ctx, msg)
}

// Requeue redelivers msg after delay
func (c *Channel) Requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) (bool, error) {
	return c.consumer.Requeue(ctx, msg, delay)
}

// Purge drops every waiting message
func (c *Channel) Purge(ctx context.Context) error {
	return c.consumer.Purge(ctx)
}

// Close closes the consumer
func (c *Channel) Close() error {
	return c.consumer.Close()
}

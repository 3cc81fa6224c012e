package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
)

var _ messaging.Consumer = (*Consumer)(nil)

// Consumer reads one RabbitMQ queue for a pump or a reply wait
type Consumer struct {
	transport *Transport
	spec      messaging.ChannelSpec
	batch     int
	consumer  *rabbitmq.Consumer
}

// Receive implements messaging.Consumer
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) ([]*contracts.Message, error) {
	deliveries, generation, err := c.consumer.Next(ctx, timeout, c.batch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &contracts.ChannelFailureError{Channel: c.spec.Name, Op: "receive", Err: err}
	}
	if len(deliveries) == 0 {
		return []*contracts.Message{contracts.NoneMessage()}, nil
	}

	msgs := make([]*contracts.Message, 0, len(deliveries))
	for _, d := range deliveries {
		msg := FromDelivery(d)
		msg.SetDeliveryTag(rabbitmq.DeliveryTag{Generation: generation, Tag: d.DeliveryTag})
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Acknowledge implements messaging.Consumer
func (c *Consumer) Acknowledge(_ context.Context, msg *contracts.Message) error {
	tag, err := deliveryTag(msg)
	if err != nil {
		return err
	}
	return c.consumer.Ack(tag)
}

// Reject implements messaging.Consumer. The broker dead-letters the message when the
// queue was declared with a dead-letter routing key.
func (c *Consumer) Reject(_ context.Context, msg *contracts.Message) error {
	tag, err := deliveryTag(msg)
	if err != nil {
		return err
	}
	return c.consumer.Nack(tag, false)
}

// Requeue implements messaging.Consumer. A copy carrying the handled count goes straight
// to the queue, through the delayed exchange when one is configured, and the original is
// acked once the copy is accepted.
func (c *Consumer) Requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) (bool, error) {
	tag, err := deliveryTag(msg)
	if err != nil {
		return false, err
	}

	cp := msg.Copy()
	pub := ToPublishing(cp)

	exchange, routingKey := "", c.spec.Name
	if delay > 0 && c.transport.cfg.DelayedExchange != "" {
		exchange = c.transport.cfg.DelayedExchange
		pub.Headers[HeaderDelay] = delay.Milliseconds()
	} else if delay > 0 {
		c.transport.logger.Debug("delayed requeue not configured, requeueing now",
			"messageId", msg.ID(), "channel", c.spec.Name, "delay", delay)
	}

	if err := c.transport.publisher.Publish(ctx, exchange, routingKey, pub); err != nil {
		// The original stays unacked and the broker redelivers it if the channel drops
		return false, &contracts.ChannelFailureError{Channel: c.spec.Name, Op: "requeue", Err: err}
	}
	if err := c.consumer.Ack(tag); err != nil {
		return true, fmt.Errorf("requeued copy of %s but failed to ack the original: %w", msg.ID(), err)
	}
	return true, nil
}

// Purge implements messaging.Consumer
func (c *Consumer) Purge(ctx context.Context) error {
	purged, err := c.transport.topology.PurgeQueue(ctx, c.spec.Name)
	if err != nil {
		return &contracts.ChannelFailureError{Channel: c.spec.Name, Op: "purge", Err: err}
	}
	c.transport.logger.Info("channel purged", "channel", c.spec.Name, "purged", purged)
	return nil
}

// Close implements messaging.Consumer. Temporary queues are deleted.
func (c *Consumer) Close() error {
	err := c.consumer.Close()
	if c.spec.Temporary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if delErr := c.transport.topology.DeleteQueue(ctx, c.spec.Name); delErr != nil && err == nil {
			err = delErr
		}
	}
	return err
}

func deliveryTag(msg *contracts.Message) (rabbitmq.DeliveryTag, error) {
	raw, ok := msg.DeliveryTag()
	if !ok {
		return rabbitmq.DeliveryTag{}, fmt.Errorf("message %s has no delivery tag", msg.ID())
	}
	tag, ok := raw.(rabbitmq.DeliveryTag)
	if !ok {
		return rabbitmq.DeliveryTag{}, fmt.Errorf("message %s carries a foreign delivery tag %T", msg.ID(), raw)
	}
	return tag, nil
}

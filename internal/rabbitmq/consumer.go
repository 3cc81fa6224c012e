package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryTag identifies a delivery on one incarnation of a consumer channel. Tags from
// an earlier incarnation are stale: the broker has already requeued those deliveries.
type DeliveryTag struct {
	Generation uint64
	Tag        uint64
}

// Consumer pulls deliveries from one queue on a dedicated channel with manual acks.
// Prefetch bounds the number of unacknowledged deliveries the broker pushes.
type Consumer struct {
	manager     *ConnectionManager
	queue       string
	prefetch    int
	consumerTag string
	exclusive   bool
	logger      *slog.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	generation uint64
	closed     bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue. The channel opens on first Next.
func NewConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:  manager,
		queue:    queue,
		prefetch: 1,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}
	if c.prefetch < 1 {
		c.prefetch = 1
	}

	return c
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Next waits up to timeout for the first delivery and then takes whatever else is already
// buffered, up to max. An empty result with a nil error means the wait timed out.
func (c *Consumer) Next(ctx context.Context, timeout time.Duration, max int) ([]amqp.Delivery, uint64, error) {
	deliveries, generation, err := c.ensureOpen()
	if err != nil {
		return nil, 0, err
	}
	if max < 1 {
		max = 1
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var batch []amqp.Delivery
	select {
	case d, ok := <-deliveries:
		if !ok {
			c.dropChannel(generation)
			return nil, 0, c.consumerError("receive", ErrDeliveriesClosed)
		}
		batch = append(batch, d)
	case <-timer.C:
		return nil, generation, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	for len(batch) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				// Already-received deliveries die with the channel; the broker redelivers them
				c.dropChannel(generation)
				return nil, 0, c.consumerError("receive", ErrDeliveriesClosed)
			}
			batch = append(batch, d)
		default:
			return batch, generation, nil
		}
	}
	return batch, generation, nil
}

// Ack acknowledges one delivery
func (c *Consumer) Ack(tag DeliveryTag) error {
	ch, err := c.channelFor(tag)
	if err != nil {
		return err
	}
	if err := ch.Ack(tag.Tag, false); err != nil {
		return c.consumerError("ack", err)
	}
	return nil
}

// Nack negatively acknowledges one delivery. Without requeue the broker dead-letters it
// when the queue has a dead-letter exchange, and drops it otherwise.
func (c *Consumer) Nack(tag DeliveryTag, requeue bool) error {
	ch, err := c.channelFor(tag)
	if err != nil {
		return err
	}
	if err := ch.Nack(tag.Tag, false, requeue); err != nil {
		return c.consumerError("nack", err)
	}
	return nil
}

// Close cancels the subscription and closes the channel
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	if c.consumerTag != "" {
		_ = c.ch.Cancel(c.consumerTag, false)
	}
	err := c.ch.Close()
	c.ch = nil
	c.deliveries = nil
	c.logger.Info("consumer stopped", "queue", c.queue)
	return err
}

func (c *Consumer) ensureOpen() (<-chan amqp.Delivery, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, 0, c.consumerError("receive", ErrConsumerClosed)
	}
	if c.ch != nil && !c.ch.IsClosed() {
		return c.deliveries, c.generation, nil
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, 0, c.consumerError("open", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, 0, c.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return nil, 0, c.consumerError("consume", err)
	}

	c.ch = ch
	c.deliveries = deliveries
	c.generation++
	c.logger.Info("subscribed to queue",
		"queue", c.queue,
		"prefetchCount", c.prefetch,
		"generation", c.generation)
	return deliveries, c.generation, nil
}

func (c *Consumer) channelFor(tag DeliveryTag) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.consumerError("settle", ErrConsumerClosed)
	}
	if c.ch == nil || tag.Generation != c.generation {
		return nil, c.consumerError("settle", fmt.Errorf("%w: %d (generation %d)", ErrUnknownTag, tag.Tag, tag.Generation))
	}
	return c.ch, nil
}

func (c *Consumer) dropChannel(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == generation && c.ch != nil {
		if !c.ch.IsClosed() {
			_ = c.ch.Close()
		}
		c.ch = nil
		c.deliveries = nil
	}
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{Queue: c.queue, Op: op, Err: err, Timestamp: time.Now()}
}

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to RabbitMQ over pooled channels. With confirms enabled each publish
// waits for the broker's ack and reports nacks and mandatory returns as errors.
type Publisher struct {
	pool           *ChannelPool
	confirms       bool
	mandatory      bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for its confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory asks the broker to return messages no queue is bound for
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. The pool decides whether confirms are used.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirms:       pool.confirm,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Confirms reports whether publishes wait for broker confirms
func (p *Publisher) Confirms() bool {
	return p.confirms
}

// Publish sends msg and, in confirm mode, waits for the broker to take responsibility for it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.publishError(exchange, routingKey, msg, err)
	}

	if !p.confirms {
		err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
		p.pool.Put(ch)
		if err != nil {
			return p.publishError(exchange, routingKey, msg, err)
		}
		return nil
	}

	deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return p.publishError(exchange, routingKey, msg, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := deferred.WaitContext(waitCtx)
	if err != nil {
		// The confirm may still arrive; this channel's sequence can't be trusted now
		p.pool.Discard(ch)
		if waitCtx.Err() != nil && ctx.Err() == nil {
			err = ErrConfirmTimeout
		}
		return p.publishError(exchange, routingKey, msg, err)
	}

	// The broker sends basic.return before the confirming basic.ack
	ret, returned := ch.DrainReturn()
	p.pool.Put(ch)

	switch {
	case returned:
		p.logger.Warn("message returned by broker",
			"messageId", msg.MessageId,
			"exchange", exchange,
			"routingKey", routingKey,
			"replyText", ret.ReplyText)
		return p.publishError(exchange, routingKey, msg, fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText))
	case !acked:
		return p.publishError(exchange, routingKey, msg, ErrPublishNacked)
	}
	return nil
}

func (p *Publisher) publishError(exchange, routingKey string, msg amqp.Publishing, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		MessageID:  msg.MessageId,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/courier/contracts"
)

// Call sends query over the broker with a fresh reply-to address and correlation id,
// then waits for the correlated reply, mapped with the mapper registered for replyType.
func (p *CommandProcessor) Call(ctx context.Context, query contracts.Query, replyType string, timeout time.Duration) (contracts.Request, error) {
	if p.replies == nil {
		return nil, contracts.NewConfigurationError("reply consumers", query.GetType(), "no reply consumer factory configured")
	}
	if _, err := p.mappers.Get(replyType); err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	replyTo := p.replyPrefix + uuid.New().String()
	query.SetCorrelationID(correlationID)
	query.SetReplyTo(replyTo)

	consumer, err := p.replies.CreateConsumer(ctx, ChannelSpec{
		Name:       replyTo,
		RoutingKey: replyTo,
		BufferSize: 1,
		Temporary:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open reply channel: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			p.logger.Warn("failed to close reply consumer", "replyTo", replyTo, "error", err)
		}
	}()

	msg, err := p.mappers.ToMessage(query)
	if err != nil {
		return nil, err
	}
	msg.Header.CorrelationID = correlationID
	msg.Header.ReplyTo = replyTo

	producer, err := p.producers.Lookup(msg.Header.Topic)
	if err != nil {
		return nil, err
	}
	if err := producer.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", query.GetType(), err)
	}

	p.logger.Debug("call sent, awaiting reply",
		"requestId", query.GetID(),
		"correlationId", correlationID,
		"replyTo", replyTo,
	)

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &CallTimeoutError{
				RequestType:   query.GetType(),
				CorrelationID: correlationID,
				ReplyTo:       replyTo,
				Timeout:       timeout,
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := consumer.Receive(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to receive reply: %w", err)
		}

		for _, m := range msgs {
			if m.IsNone() {
				continue
			}
			if err := consumer.Acknowledge(ctx, m); err != nil {
				p.logger.Warn("failed to acknowledge reply", "messageId", m.ID(), "error", err)
			}
			if m.Header.CorrelationID != correlationID {
				p.logger.Warn("discarding uncorrelated reply",
					"messageId", m.ID(),
					"correlationId", m.Header.CorrelationID,
					"expected", correlationID,
				)
				continue
			}
			return p.mappers.ToRequest(m, replyType)
		}
	}
}

// CallAs is Call with a typed reply
func CallAs[T contracts.Request](ctx context.Context, p *CommandProcessor, query contracts.Query, replyType string, timeout time.Duration) (T, error) {
	var zero T
	reply, err := p.Call(ctx, query, replyType, timeout)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("reply is %T, not %T", reply, zero)
	}
	return typed, nil
}

// Reply sends reply to the address and correlation id carried by query
func (p *CommandProcessor) Reply(ctx context.Context, query contracts.Query, reply contracts.Request) error {
	if query.GetReplyTo() == "" {
		return fmt.Errorf("query %s has no reply-to address", query.GetID())
	}
	reply.SetCorrelationID(query.GetCorrelationID())

	msg, err := p.mappers.ToMessage(reply)
	if err != nil {
		return err
	}
	msg.Header.Topic = query.GetReplyTo()
	msg.Header.CorrelationID = query.GetCorrelationID()

	producer, err := p.producers.Lookup(msg.Header.Topic)
	if err != nil {
		return err
	}
	return producer.Send(ctx, msg)
}

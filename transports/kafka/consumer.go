package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

var _ messaging.Consumer = (*Consumer)(nil)

// Consumer reads one channel topic as a member of the channel's consumer group
type Consumer struct {
	transport *Transport
	spec      messaging.ChannelSpec
	batch     int
	reader    messageReader
}

// Receive implements messaging.Consumer. It waits up to timeout for the first record and
// then briefly for more, up to the channel buffer size.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) ([]*contracts.Message, error) {
	first, err := c.fetch(ctx, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return []*contracts.Message{contracts.NoneMessage()}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.failure("receive", err)
	}

	msgs := []*contracts.Message{decode(first)}
	for len(msgs) < c.batch {
		rec, err := c.fetch(ctx, c.transport.cfg.DrainTimeout)
		if err != nil {
			break
		}
		msgs = append(msgs, decode(rec))
	}
	return msgs, nil
}

func (c *Consumer) fetch(ctx context.Context, timeout time.Duration) (kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.reader.FetchMessage(fetchCtx)
}

func decode(rec kafka.Message) *contracts.Message {
	msg := FromRecord(rec)
	msg.SetDeliveryTag(rec)
	return msg
}

// Acknowledge implements messaging.Consumer by committing the record offset
func (c *Consumer) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	return c.commit(ctx, msg, "acknowledge")
}

// Reject implements messaging.Consumer. The record is copied to the dead-letter topic
// when the channel has one, then committed.
func (c *Consumer) Reject(ctx context.Context, msg *contracts.Message) error {
	if _, err := recordOf(msg); err != nil {
		return err
	}

	if dlq := c.spec.DeadLetterRoutingKey; dlq != "" {
		dead := msg.Copy()
		dead.Header.Bag[contracts.BagOriginalTopic] = topicOf(c.spec)
		if err := c.transport.produce(ctx, dlq, dead); err != nil {
			return err
		}
	} else {
		c.transport.logger.Warn("rejected message dropped, channel has no dead-letter topic",
			"messageId", msg.ID(), "channel", c.spec.Name)
	}
	return c.commit(ctx, msg, "reject")
}

// Requeue implements messaging.Consumer. A copy carrying the handled count is written
// back to the channel topic, then the original is committed. Kafka cannot delay a
// record, so the copy is visible at once.
func (c *Consumer) Requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) (bool, error) {
	if _, err := recordOf(msg); err != nil {
		return false, err
	}
	if delay > 0 {
		c.transport.logger.Debug("delayed requeue not supported, requeueing now",
			"messageId", msg.ID(), "channel", c.spec.Name, "delay", delay)
	}

	if err := c.transport.produce(ctx, topicOf(c.spec), msg.Copy()); err != nil {
		return false, err
	}
	if err := c.commit(ctx, msg, "requeue"); err != nil {
		return true, fmt.Errorf("requeued copy of %s but failed to commit the original: %w", msg.ID(), err)
	}
	return true, nil
}

// Purge implements messaging.Consumer. Kafka cannot truncate a topic for one group, so
// the group's backlog is fetched and committed until the topic goes quiet.
func (c *Consumer) Purge(ctx context.Context) error {
	purged := 0
	for {
		rec, err := c.fetch(ctx, 500*time.Millisecond)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return c.failure("purge", err)
		}
		if err := c.reader.CommitMessages(ctx, rec); err != nil {
			return c.failure("purge", err)
		}
		purged++
	}
	c.transport.logger.Info("channel purged", "channel", c.spec.Name, "purged", purged)
	return nil
}

// Close implements messaging.Consumer. Temporary channels have their topic deleted.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.spec.Temporary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if delErr := c.transport.deleteTopic(ctx, topicOf(c.spec)); delErr != nil && err == nil {
			err = delErr
		}
	}
	return err
}

func (c *Consumer) commit(ctx context.Context, msg *contracts.Message, op string) error {
	rec, err := recordOf(msg)
	if err != nil {
		return err
	}
	if err := c.reader.CommitMessages(ctx, rec); err != nil {
		return c.failure(op, err)
	}
	return nil
}

func (c *Consumer) failure(op string, err error) error {
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("reader closed: %w", err)
	} else if isUnreachable(err) {
		err = fmt.Errorf("%w: %w", contracts.ErrBrokerUnreachable, err)
	}
	return &contracts.ChannelFailureError{Channel: c.spec.Name, Op: op, Err: err}
}

func recordOf(msg *contracts.Message) (kafka.Message, error) {
	raw, ok := msg.DeliveryTag()
	if !ok {
		return kafka.Message{}, fmt.Errorf("message %s has no delivery tag", msg.ID())
	}
	rec, ok := raw.(kafka.Message)
	if !ok {
		return kafka.Message{}, fmt.Errorf("message %s carries a foreign delivery tag %T", msg.ID(), raw)
	}
	return rec, nil
}

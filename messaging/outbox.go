package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/storage"
)

func (p *CommandProcessor) requireOutbox(op string) error {
	if p.outbox == nil {
		return contracts.NewConfigurationError("outbox", op, "no outbox configured")
	}
	return nil
}

// DepositPost maps each request to a message and adds it to the outbox inside tx.
// Nothing is sent. A nil tx writes each entry immediately.
func (p *CommandProcessor) DepositPost(ctx context.Context, tx storage.Transaction, reqs ...contracts.Request) ([]string, error) {
	if err := p.requireOutbox("deposit"); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		msg, err := p.mappers.ToMessage(req)
		if err != nil {
			return ids, err
		}
		if err := p.outbox.Add(ctx, storage.NewOutboxEntry(msg), tx); err != nil {
			return ids, fmt.Errorf("deposit %s: %w", msg.ID(), err)
		}
		p.logger.Debug("message deposited",
			"messageId", msg.ID(),
			"topic", msg.Header.Topic,
			"requestType", req.GetType(),
		)
		ids = append(ids, msg.ID())
	}
	return ids, nil
}

// ClearOutbox sends each outstanding entry and marks it dispatched once the producer
// accepts it. Entries that fail stay outstanding for a later clear or sweep.
func (p *CommandProcessor) ClearOutbox(ctx context.Context, ids ...string) error {
	if err := p.requireOutbox("clear"); err != nil {
		return err
	}

	failed := make(map[string]error)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			failed[id] = err
			continue
		}
		if err := p.clearOne(ctx, id); err != nil {
			p.logger.Warn("outbox message not dispatched",
				"messageId", id,
				"error", err,
			)
			failed[id] = err
		}
	}

	if len(failed) > 0 {
		return &ClearError{Failed: failed}
	}
	return nil
}

func (p *CommandProcessor) clearOne(ctx context.Context, id string) error {
	entry, err := p.outbox.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Dispatched() {
		return nil
	}

	producer, err := p.producers.Lookup(entry.Topic)
	if err != nil {
		return err
	}
	p.watchConfirms(producer)

	msg := entry.Message()
	err = p.policies.Execute(ctx, p.clearPolicies, func(ctx context.Context) error {
		return producer.Send(ctx, msg)
	})
	if err != nil {
		return err
	}

	if err := p.outbox.MarkDispatched(ctx, id, p.now()); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	p.logger.Debug("outbox message dispatched",
		"messageId", id,
		"topic", entry.Topic,
	)
	return nil
}

// watchConfirms marks entries dispatched from asynchronous publisher confirms
func (p *CommandProcessor) watchConfirms(producer Producer) {
	cp, ok := producer.(ConfirmingProducer)
	if !ok {
		return
	}

	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watched[producer] {
		return
	}
	p.watched[producer] = true

	cp.OnConfirm(func(c PublishConfirmation) {
		if !c.Ack {
			p.logger.Warn("broker nacked outbox message", "messageId", c.MessageID)
			return
		}
		err := p.outbox.MarkDispatched(context.Background(), c.MessageID, p.now())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.Error("failed to mark confirmed message dispatched",
				"messageId", c.MessageID,
				"error", err,
			)
		}
	})
}

// Post deposits without a caller transaction and clears immediately
func (p *CommandProcessor) Post(ctx context.Context, reqs ...contracts.Request) error {
	ids, err := p.DepositPost(ctx, nil, reqs...)
	if err != nil {
		return err
	}
	return p.ClearOutbox(ctx, ids...)
}

// ClearOutstanding clears up to pageSize undispatched entries older than olderThan and
// returns how many were dispatched
func (p *CommandProcessor) ClearOutstanding(ctx context.Context, olderThan time.Duration, pageSize int) (int, error) {
	if err := p.requireOutbox("clear outstanding"); err != nil {
		return 0, err
	}

	entries, err := p.outbox.OutstandingMessages(ctx, olderThan, pageSize)
	if err != nil {
		return 0, fmt.Errorf("outstanding messages: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.MessageID
	}

	err = p.ClearOutbox(ctx, ids...)
	var clearErr *ClearError
	if errors.As(err, &clearErr) {
		return len(ids) - len(clearErr.Failed), err
	}
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

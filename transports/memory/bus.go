// Package memory provides an in-process broker implementing the messaging transport
// contracts. Queues are bound to routing keys; a message sent to a topic is copied to
// every queue bound to it.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

var (
	_ messaging.Producer           = (*Bus)(nil)
	_ messaging.ConsumerFactory    = (*Bus)(nil)
	_ messaging.ChannelProvisioner = (*Bus)(nil)
)

// QueueStats is a snapshot of one queue
type QueueStats struct {
	Depth    int
	Unacked  int
	Acked    int
	Rejected int
	Requeued int
}

type queue struct {
	name     string
	items    []*contracts.Message
	unacked  map[uint64]*contracts.Message
	signal   chan struct{}
	stats    QueueStats
	failures []error
}

// Bus is an in-memory broker
type Bus struct {
	mu       sync.Mutex
	queues   map[string]*queue
	bindings map[string][]string
	nextTag  uint64
	unrouted int
	logger   *slog.Logger
}

// Option configures the bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty broker
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queues:   make(map[string]*queue),
		bindings: make(map[string][]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// declare creates a queue bound to routingKey. Caller holds mu.
func (b *Bus) declare(name, routingKey string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:    name,
			unacked: make(map[uint64]*contracts.Message),
			signal:  make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	if routingKey == "" {
		routingKey = name
	}
	for _, bound := range b.bindings[routingKey] {
		if bound == name {
			return q
		}
	}
	b.bindings[routingKey] = append(b.bindings[routingKey], name)
	return q
}

// Declare creates a queue bound to routingKey
func (b *Bus) Declare(name, routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declare(name, routingKey)
}

// ChannelExists implements messaging.ChannelProvisioner
func (b *Bus) ChannelExists(_ context.Context, spec messaging.ChannelSpec) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[spec.Name]
	return ok, nil
}

// CreateChannel implements messaging.ChannelProvisioner. A dead-letter routing key gets
// its own queue of the same name.
func (b *Bus) CreateChannel(_ context.Context, spec messaging.ChannelSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declare(spec.Name, spec.RoutingKey)
	if spec.DeadLetterRoutingKey != "" {
		b.declare(spec.DeadLetterRoutingKey, spec.DeadLetterRoutingKey)
	}
	return nil
}

// CreateConsumer implements messaging.ConsumerFactory
func (b *Bus) CreateConsumer(_ context.Context, spec messaging.ChannelSpec) (messaging.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.declare(spec.Name, spec.RoutingKey)
	batch := spec.BufferSize
	if batch <= 0 {
		batch = 1
	}
	return &Consumer{bus: b, queue: q, batch: batch, temporary: spec.Temporary}, nil
}

// Send implements messaging.Producer
func (b *Bus) Send(ctx context.Context, msg *contracts.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.route(msg)
	return nil
}

// SendWithDelay implements messaging.Producer
func (b *Bus) SendWithDelay(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	if delay <= 0 {
		return b.Send(ctx, msg)
	}
	cp := msg.Copy()
	time.AfterFunc(delay, func() { b.route(cp) })
	return nil
}

// Close implements messaging.Producer
func (b *Bus) Close() error {
	return nil
}

func (b *Bus) route(msg *contracts.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := b.bindings[msg.Header.Topic]
	if len(names) == 0 {
		b.unrouted++
		b.logger.Debug("message unroutable", "messageId", msg.ID(), "topic", msg.Header.Topic)
		return
	}
	for _, name := range names {
		if q, ok := b.queues[name]; ok {
			b.enqueue(q, msg.Copy())
		}
	}
}

// enqueue appends and wakes a waiting consumer. Caller holds mu.
func (b *Bus) enqueue(q *queue, msg *contracts.Message) {
	q.items = append(q.items, msg)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the named queue
func (b *Bus) Stats(name string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}
	}
	s := q.stats
	s.Depth = len(q.items)
	s.Unacked = len(q.unacked)
	return s
}

// Peek returns copies of the messages waiting on the named queue
func (b *Bus) Peek(name string) []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]*contracts.Message, len(q.items))
	for i, m := range q.items {
		out[i] = m.Copy()
	}
	return out
}

// Unrouted counts messages sent to topics with no bound queue
func (b *Bus) Unrouted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unrouted
}

// FailReceive makes the next len(errs) receives on the named queue fail in order
func (b *Bus) FailReceive(name string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.declare(name, "")
	q.failures = append(q.failures, errs...)
}

// Consumer reads from one bus queue
type Consumer struct {
	bus       *Bus
	queue     *queue
	batch     int
	temporary bool
}

// Receive implements messaging.Consumer
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) ([]*contracts.Message, error) {
	if msgs, ok, err := c.take(); ok {
		return msgs, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.queue.signal:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if msgs, ok, err := c.take(); ok {
		return msgs, err
	}
	return []*contracts.Message{contracts.NoneMessage()}, nil
}

func (c *Consumer) take() ([]*contracts.Message, bool, error) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	q := c.queue
	if len(q.failures) > 0 {
		err := q.failures[0]
		q.failures = q.failures[1:]
		return nil, true, &contracts.ChannelFailureError{Channel: q.name, Op: "receive", Err: err}
	}
	if len(q.items) == 0 {
		return nil, false, nil
	}

	n := min(c.batch, len(q.items))
	out := make([]*contracts.Message, 0, n)
	for _, msg := range q.items[:n] {
		b.nextTag++
		msg.SetDeliveryTag(b.nextTag)
		q.unacked[b.nextTag] = msg
		out = append(out, msg)
	}
	q.items = q.items[n:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return out, true, nil
}

func (c *Consumer) settle(msg *contracts.Message) error {
	tag, ok := msg.DeliveryTag()
	if !ok {
		return fmt.Errorf("message %s has no delivery tag", msg.ID())
	}
	t, _ := tag.(uint64)
	if _, ok := c.queue.unacked[t]; !ok {
		return fmt.Errorf("unknown delivery tag %v on %s", tag, c.queue.name)
	}
	delete(c.queue.unacked, t)
	return nil
}

// Acknowledge implements messaging.Consumer
func (c *Consumer) Acknowledge(_ context.Context, msg *contracts.Message) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if err := c.settle(msg); err != nil {
		return err
	}
	c.queue.stats.Acked++
	return nil
}

// Reject implements messaging.Consumer
func (c *Consumer) Reject(_ context.Context, msg *contracts.Message) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if err := c.settle(msg); err != nil {
		return err
	}
	c.queue.stats.Rejected++
	return nil
}

// Requeue implements messaging.Consumer. The header, including HandledCount, is kept.
func (c *Consumer) Requeue(_ context.Context, msg *contracts.Message, delay time.Duration) (bool, error) {
	b := c.bus
	b.mu.Lock()
	if err := c.settle(msg); err != nil {
		b.mu.Unlock()
		return false, err
	}
	c.queue.stats.Requeued++
	cp := msg.Copy()
	if delay <= 0 {
		b.enqueue(c.queue, cp)
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.enqueue(c.queue, cp)
	})
	return true, nil
}

// Purge implements messaging.Consumer
func (c *Consumer) Purge(context.Context) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.queue.items = nil
	return nil
}

// Close implements messaging.Consumer. Temporary queues are removed.
func (c *Consumer) Close() error {
	if !c.temporary {
		return nil
	}
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, c.queue.name)
	for key, names := range b.bindings {
		kept := names[:0]
		for _, n := range names {
			if n != c.queue.name {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(b.bindings, key)
		} else {
			b.bindings[key] = kept
		}
	}
	return nil
}

package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
)

// State is the lifecycle state of a pump
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Processor dispatches mapped requests into handler pipelines.
// *messaging.CommandProcessor satisfies it.
type Processor interface {
	Dispatch(ctx context.Context, req contracts.Request) error
}

// RequestMapper turns a received message into a request.
// *messaging.MapperRegistry satisfies it.
type RequestMapper interface {
	ToRequest(msg *contracts.Message, requestType string) (contracts.Request, error)
}

// Stats counts what a pump did with the messages it received
type Stats struct {
	Received           uint64
	Acknowledged       uint64
	Requeued           uint64
	Rejected           uint64
	DeadLettered       uint64
	Duplicates         uint64
	Unacceptable       uint64
	ConnectionFailures uint64
}

type counters struct {
	received           atomic.Uint64
	acknowledged       atomic.Uint64
	requeued           atomic.Uint64
	rejected           atomic.Uint64
	deadLettered       atomic.Uint64
	duplicates         atomic.Uint64
	unacceptable       atomic.Uint64
	connectionFailures atomic.Uint64
}

// Pump receives from one channel and dispatches into the processor until stopped.
// A pump runs once; restart by building a new one.
type Pump struct {
	channel     *Channel
	processor   Processor
	mappers     RequestMapper
	inbox       storage.Inbox
	deadLetters messaging.Producer
	workers     *WorkerPool
	backoff     reliability.Backoff
	logger      *slog.Logger

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	errMu sync.Mutex
	err   error

	stats counters
}

// Option configures a pump
type Option func(*Pump)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) {
		p.logger = logger
	}
}

// WithInbox enables duplicate suppression against inbox, scoped to the subscription context key
func WithInbox(inbox storage.Inbox) Option {
	return func(p *Pump) {
		p.inbox = inbox
	}
}

// WithDeadLetterProducer sets the producer used to route exhausted messages
func WithDeadLetterProducer(producer messaging.Producer) Option {
	return func(p *Pump) {
		p.deadLetters = producer
	}
}

// WithWorkerPool sets the pool proactor pumps borrow workers from
func WithWorkerPool(pool *WorkerPool) Option {
	return func(p *Pump) {
		p.workers = pool
	}
}

// WithReceiveBackoff sets the delay between failed receives
func WithReceiveBackoff(backoff reliability.Backoff) Option {
	return func(p *Pump) {
		p.backoff = backoff
	}
}

// New creates an idle pump over channel
func New(channel *Channel, processor Processor, mappers RequestMapper, options ...Option) *Pump {
	sub := channel.Subscription()
	p := &Pump{
		channel:   channel,
		processor: processor,
		mappers:   mappers,
		backoff:   reliability.NewExponentialBackoff(100*time.Millisecond, sub.ConnectionCooldown, 2),
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if sub.Mode == Proactor && p.workers == nil {
		p.workers = NewWorkerPool(1)
	}
	p.logger = p.logger.With("channel", sub.Name)
	return p
}

// Name returns the channel name
func (p *Pump) Name() string {
	return p.channel.Name()
}

// Channel returns the pump's channel
func (p *Pump) Channel() *Channel {
	return p.channel
}

// State returns the current lifecycle state
func (p *Pump) State() State {
	return State(p.state.Load())
}

// Err returns the error that stopped the pump, if any
func (p *Pump) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Done is closed once the pump has stopped
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Stats returns a snapshot of the pump counters
func (p *Pump) Stats() Stats {
	return Stats{
		Received:           p.stats.received.Load(),
		Acknowledged:       p.stats.acknowledged.Load(),
		Requeued:           p.stats.requeued.Load(),
		Rejected:           p.stats.rejected.Load(),
		DeadLettered:       p.stats.deadLettered.Load(),
		Duplicates:         p.stats.duplicates.Load(),
		Unacceptable:       p.stats.unacceptable.Load(),
		ConnectionFailures: p.stats.connectionFailures.Load(),
	}
}

// Start launches the receive loop. ctx bounds the whole run; cancelling it abandons
// in-flight settlement, so prefer Stop for graceful shutdown.
func (p *Pump) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("pump %s cannot start from state %s", p.Name(), p.State())
	}

	sub := p.channel.Subscription()
	p.logger.Info("message pump started",
		"routingKey", sub.RoutingKey,
		"mode", sub.Mode.String(),
		"bufferSize", sub.BufferSize,
		"requeueCount", sub.RequeueCount,
	)
	go p.run(ctx)
	return nil
}

// Stop asks the pump to stop after the batch in hand. It does not wait.
func (p *Pump) Stop() {
	if p.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		p.stopOnce.Do(func() {
			close(p.stopCh)
			close(p.done)
		})
		return
	}
	p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Wait blocks until the pump has stopped or ctx is done
func (p *Pump) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pump) fail(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
	p.Stop()
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("failed to close channel", "error", err)
		}
		p.state.Store(int32(StateStopped))
		p.logger.Info("message pump stopped", "error", p.Err())
	}()

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	failures := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msgs, err := p.channel.Receive(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil {
				return
			}
			failures++
			p.stats.connectionFailures.Add(1)
			delay := p.backoff.NextDelay(failures)
			p.logger.Warn("receive failed",
				"consecutiveFailures", failures,
				"circuit", p.channel.CircuitState(),
				"retryIn", delay,
				"error", err,
			)
			if !sleep(recvCtx, delay) {
				return
			}
			continue
		}
		failures = 0

		if p.handleBatch(ctx, msgs) {
			return
		}
	}
}

// handleBatch settles every message in order and reports whether the pump must stop
func (p *Pump) handleBatch(ctx context.Context, msgs []*contracts.Message) bool {
	if p.workers != nil && len(msgs) > 0 && !msgs[0].IsNone() {
		if err := p.workers.Acquire(ctx); err != nil {
			for _, msg := range msgs {
				if _, err := p.channel.Requeue(context.WithoutCancel(ctx), msg, 0); err != nil {
					p.logger.Warn("failed to return message on shutdown", "messageId", msg.ID(), "error", err)
				}
			}
			return true
		}
		defer p.workers.Release()
	}

	stop := false
	for _, msg := range msgs {
		if p.handle(ctx, msg) {
			stop = true
		}
	}
	return stop
}

// handle applies the per-message state machine and reports whether the pump must stop
func (p *Pump) handle(ctx context.Context, msg *contracts.Message) bool {
	switch msg.Header.MessageType {
	case contracts.MessageTypeNone:
		return false
	case contracts.MessageTypeQuit:
		p.logger.Info("quit message received", "messageId", msg.ID())
		p.acknowledge(ctx, msg)
		p.Stop()
		return true
	case contracts.MessageTypeUnacceptable:
		p.stats.unacceptable.Add(1)
		p.logger.Error("unacceptable message rejected", "messageId", msg.ID())
		p.reject(ctx, msg)
		return false
	}

	p.stats.received.Add(1)
	sub := p.channel.Subscription()
	count := msg.IncrementHandledCount()

	if p.inbox != nil {
		exists, err := p.inbox.Exists(ctx, msg.ID(), sub.ContextKey)
		if err != nil {
			p.logger.Warn("inbox lookup failed, processing anyway", "messageId", msg.ID(), "error", err)
		} else if exists {
			p.stats.duplicates.Add(1)
			p.logger.Warn("duplicate message suppressed",
				"messageId", msg.ID(),
				"contextKey", sub.ContextKey,
			)
			p.acknowledge(ctx, msg)
			return false
		}
	}

	req, err := p.mappers.ToRequest(msg, sub.RequestType)
	if err != nil {
		p.reject(ctx, msg)
		if contracts.IsConfigurationError(err) {
			p.logger.Error("no mapper for message, stopping pump", "messageId", msg.ID(), "error", err)
			p.fail(err)
			return true
		}
		p.stats.unacceptable.Add(1)
		p.logger.Error("unacceptable message rejected", "messageId", msg.ID(), "error", err)
		return false
	}

	err = p.processor.Dispatch(ctx, req)
	switch {
	case err == nil:
		p.acknowledge(ctx, msg)
		p.record(ctx, msg, req)
		p.logger.Debug("message handled", "messageId", msg.ID(), "handledCount", count)
		return false

	case contracts.IsConfigurationError(err):
		p.logger.Error("configuration error, stopping pump", "messageId", msg.ID(), "error", err)
		p.reject(ctx, msg)
		p.fail(err)
		return true

	case errors.Is(err, messaging.ErrDeferMessage):
		p.logger.Info("handler deferred message", "messageId", msg.ID(), "handledCount", count)
		p.retry(ctx, msg, count, err)
		return false

	default:
		p.logger.Error("handler failed",
			"messageId", msg.ID(),
			"requestType", req.GetType(),
			"handledCount", count,
			"error", err,
		)
		p.retry(ctx, msg, count, err)
		return false
	}
}

// retry requeues within the limit, then dead-letters or rejects
func (p *Pump) retry(ctx context.Context, msg *contracts.Message, count int, cause error) {
	sub := p.channel.Subscription()

	if count <= sub.RequeueCount {
		ok, err := p.channel.Requeue(ctx, msg, sub.RequeueDelay)
		if err != nil {
			p.logger.Error("requeue failed", "messageId", msg.ID(), "error", err)
			return
		}
		if !ok {
			p.logger.Warn("transport refused requeue, rejecting", "messageId", msg.ID())
			p.reject(ctx, msg)
			return
		}
		p.stats.requeued.Add(1)
		p.logger.Warn("message requeued",
			"messageId", msg.ID(),
			"handledCount", count,
			"requeueCount", sub.RequeueCount,
			"delay", sub.RequeueDelay,
		)
		return
	}

	if sub.DeadLetterRoutingKey != "" && p.deadLetters != nil {
		dead := msg.Copy()
		dead.Header.Bag[contracts.BagOriginalTopic] = msg.Header.Topic
		dead.Header.Bag[contracts.BagDeadLetterReason] = cause.Error()
		dead.Header.Topic = sub.DeadLetterRoutingKey

		if err := p.deadLetters.Send(ctx, dead); err != nil {
			p.logger.Error("dead letter send failed, rejecting", "messageId", msg.ID(), "error", err)
			p.reject(ctx, msg)
			return
		}
		p.stats.deadLettered.Add(1)
		p.logger.Error("message dead-lettered",
			"messageId", msg.ID(),
			"handledCount", count,
			"deadLetterRoutingKey", sub.DeadLetterRoutingKey,
		)
		p.acknowledge(ctx, msg)
		return
	}

	p.logger.Error("requeue limit exceeded, rejecting",
		"messageId", msg.ID(),
		"handledCount", count,
	)
	p.reject(ctx, msg)
}

func (p *Pump) acknowledge(ctx context.Context, msg *contracts.Message) {
	if err := p.channel.Acknowledge(ctx, msg); err != nil {
		p.logger.Error("acknowledge failed", "messageId", msg.ID(), "error", err)
		return
	}
	p.stats.acknowledged.Add(1)
}

func (p *Pump) reject(ctx context.Context, msg *contracts.Message) {
	if err := p.channel.Reject(ctx, msg); err != nil {
		p.logger.Error("reject failed", "messageId", msg.ID(), "error", err)
		return
	}
	p.stats.rejected.Add(1)
}

// record adds the processed message to the inbox; a duplicate is benign
func (p *Pump) record(ctx context.Context, msg *contracts.Message, req contracts.Request) {
	if p.inbox == nil {
		return
	}
	err := p.inbox.Add(ctx, storage.InboxEntry{
		CommandID:   msg.ID(),
		ContextKey:  p.channel.Subscription().ContextKey,
		CommandType: req.GetType(),
		Body:        msg.Body,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to record message in inbox", "messageId", msg.ID(), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

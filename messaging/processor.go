package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
)

// CommandProcessor is the entry point for dispatching requests in-process and through the outbox
type CommandProcessor struct {
	registry  *SubscriberRegistry
	builder   *PipelineBuilder
	policies  *reliability.Registry
	mappers   *MapperRegistry
	producers *ProducerRegistry
	outbox    storage.Outbox
	inbox     storage.Inbox
	replies   ConsumerFactory
	logger    *slog.Logger
	now       func() time.Time

	clearPolicies []string
	replyPrefix   string

	watchMu sync.Mutex
	watched map[Producer]bool
}

// ProcessorOption configures the CommandProcessor
type ProcessorOption func(*CommandProcessor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *CommandProcessor) {
		p.logger = logger
	}
}

// WithPolicyRegistry supplies the named policies handler steps refer to
func WithPolicyRegistry(policies *reliability.Registry) ProcessorOption {
	return func(p *CommandProcessor) {
		p.policies = policies
	}
}

// WithMappers supplies request/message mappers
func WithMappers(mappers *MapperRegistry) ProcessorOption {
	return func(p *CommandProcessor) {
		p.mappers = mappers
	}
}

// WithProducers supplies the producers used by ClearOutbox and Call
func WithProducers(producers *ProducerRegistry) ProcessorOption {
	return func(p *CommandProcessor) {
		p.producers = producers
	}
}

// WithOutbox sets the outbox store
func WithOutbox(outbox storage.Outbox) ProcessorOption {
	return func(p *CommandProcessor) {
		p.outbox = outbox
	}
}

// WithInbox sets the inbox store used by inbox steps
func WithInbox(inbox storage.Inbox) ProcessorOption {
	return func(p *CommandProcessor) {
		p.inbox = inbox
	}
}

// WithReplyConsumers sets the factory Call uses to listen on its reply address
func WithReplyConsumers(factory ConsumerFactory) ProcessorOption {
	return func(p *CommandProcessor) {
		p.replies = factory
	}
}

// WithClearPolicies wraps every producer send made by ClearOutbox in the named policies
func WithClearPolicies(names ...string) ProcessorOption {
	return func(p *CommandProcessor) {
		p.clearPolicies = names
	}
}

// WithReplyPrefix sets the prefix of generated reply-to addresses
func WithReplyPrefix(prefix string) ProcessorOption {
	return func(p *CommandProcessor) {
		p.replyPrefix = prefix
	}
}

// WithProcessorClock overrides time.Now
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *CommandProcessor) {
		p.now = now
	}
}

// NewCommandProcessor creates a processor over registry
func NewCommandProcessor(registry *SubscriberRegistry, options ...ProcessorOption) *CommandProcessor {
	p := &CommandProcessor{
		registry:    registry,
		mappers:     NewMapperRegistry(),
		producers:   NewProducerRegistry(nil),
		logger:      slog.Default(),
		now:         time.Now,
		replyPrefix: "reply.",
		watched:     make(map[Producer]bool),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.policies == nil {
		p.policies = reliability.NewRegistry(reliability.WithRegistryLogger(p.logger))
	}
	p.builder = NewPipelineBuilder(registry, p.policies, p.inbox, p.logger)
	return p
}

// Policies returns the policy registry
func (p *CommandProcessor) Policies() *reliability.Registry {
	return p.policies
}

// Mappers returns the mapper registry
func (p *CommandProcessor) Mappers() *MapperRegistry {
	return p.mappers
}

// Producers returns the producer registry
func (p *CommandProcessor) Producers() *ProducerRegistry {
	return p.producers
}

// Outbox returns the configured outbox, or nil
func (p *CommandProcessor) Outbox() storage.Outbox {
	return p.outbox
}

// Pipelines builds (or returns cached) pipelines for requestType
func (p *CommandProcessor) Pipelines(requestType string) ([]*Pipeline, error) {
	return p.builder.Build(requestType)
}

// Send dispatches a command to its single handler. Zero or several handlers is a
// configuration error and no handler runs.
func (p *CommandProcessor) Send(ctx context.Context, cmd contracts.Request) error {
	if cmd == nil {
		return fmt.Errorf("command cannot be nil")
	}

	pipelines, err := p.builder.Build(cmd.GetType())
	if err != nil {
		return err
	}
	if len(pipelines) != 1 {
		return contracts.NewConfigurationError("pipeline", cmd.GetType(),
			fmt.Sprintf("send requires exactly one handler, found %d", len(pipelines)))
	}

	err = pipelines[0].Handle(ctx, cmd)
	if err != nil {
		p.logger.Error("command handling failed",
			"requestId", cmd.GetID(),
			"requestType", cmd.GetType(),
			"handler", pipelines[0].HandlerName,
			"error", err,
		)
		return err
	}

	p.logger.Debug("command handled",
		"requestId", cmd.GetID(),
		"requestType", cmd.GetType(),
	)
	return nil
}

// Publish runs every pipeline for the event independently. A failing pipeline does
// not stop the others; all failures come back in a *PublishError.
func (p *CommandProcessor) Publish(ctx context.Context, evt contracts.Request) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}

	pipelines, err := p.builder.Build(evt.GetType())
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		p.logger.Debug("no handlers registered for event", "requestType", evt.GetType())
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(pipelines))

	for i, pipeline := range pipelines {
		wg.Add(1)
		go func(i int, pl *Pipeline) {
			defer wg.Done()
			if err := pl.Handle(ctx, evt); err != nil {
				p.logger.Error("event handler failed",
					"requestId", evt.GetID(),
					"requestType", evt.GetType(),
					"handler", pl.HandlerName,
					"error", err,
				)
				errs[i] = fmt.Errorf("handler %s: %w", pl.HandlerName, err)
			}
		}(i, pipeline)
	}
	wg.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return &PublishError{
			RequestType: evt.GetType(),
			RequestID:   evt.GetID(),
			Handlers:    len(pipelines),
			Failures:    failures,
		}
	}

	p.logger.Debug("event published",
		"requestId", evt.GetID(),
		"requestType", evt.GetType(),
		"handlerCount", len(pipelines),
	)
	return nil
}

// Dispatch routes req by kind: events go to Publish, everything else to Send
func (p *CommandProcessor) Dispatch(ctx context.Context, req contracts.Request) error {
	if req.GetKind() == contracts.KindEvent {
		return p.Publish(ctx, req)
	}
	return p.Send(ctx, req)
}

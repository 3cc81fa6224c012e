package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
)

// Pipeline is the composed chain for one registered handler
type Pipeline struct {
	RequestType string
	HandlerName string
	Steps       []string
	handler     interceptors.Handler
}

// Handle runs the pipeline, converting a handler panic into an error
func (p *Pipeline) Handle(ctx context.Context, req contracts.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{HandlerName: p.HandlerName, Value: r, Stack: debug.Stack()}
		}
	}()
	return p.handler.Handle(ctx, req)
}

// PanicError reports a recovered handler panic
type PanicError struct {
	HandlerName string
	Value       any
	Stack       []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.HandlerName, e.Value)
}

// PipelineBuilder builds and caches pipelines per request type
type PipelineBuilder struct {
	registry *SubscriberRegistry
	policies *reliability.Registry
	inbox    storage.Inbox
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string][]*Pipeline
}

// NewPipelineBuilder creates a builder over registry. policies and inbox may be nil
// when no handler declares policy or inbox steps.
func NewPipelineBuilder(registry *SubscriberRegistry, policies *reliability.Registry, inbox storage.Inbox, logger *slog.Logger) *PipelineBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineBuilder{
		registry: registry,
		policies: policies,
		inbox:    inbox,
		logger:   logger,
		cache:    make(map[string][]*Pipeline),
	}
}

// Build returns the pipelines for requestType, building them on first use. A build
// failure is not cached so a corrected registry can be retried.
func (b *PipelineBuilder) Build(requestType string) ([]*Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pipelines, ok := b.cache[requestType]; ok {
		return pipelines, nil
	}

	regs := b.registry.Handlers(requestType)
	pipelines := make([]*Pipeline, 0, len(regs))
	for _, reg := range regs {
		deps := interceptors.Deps{
			Policies:    b.policies,
			Inbox:       b.inbox,
			Logger:      b.logger,
			RequestType: requestType,
			HandlerName: reg.Name,
		}
		chain, err := interceptors.Compose(deps, reg.Factory(), reg.Steps)
		if err != nil {
			return nil, fmt.Errorf("building pipeline for %s/%s: %w", requestType, reg.Name, err)
		}
		pipelines = append(pipelines, &Pipeline{
			RequestType: requestType,
			HandlerName: reg.Name,
			Steps:       chain.Names(),
			handler:     chain.Then(interceptors.Terminal),
		})
	}

	b.cache[requestType] = pipelines
	b.logger.Debug("pipelines built",
		"requestType", requestType,
		"count", len(pipelines),
	)
	return pipelines, nil
}

// Invalidate drops cached pipelines, for use after late registrations
func (b *PipelineBuilder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string][]*Pipeline)
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
)

// HandlerFactory constructs a handler instance
type HandlerFactory func() interceptors.Handler

// HandlerRegistration is one handler registered for a request type
type HandlerRegistration struct {
	Name    string
	Factory HandlerFactory
	Steps   []interceptors.Step
}

// SubscriberRegistry maps request-kind tags to handler constructors, resolved once at startup
type SubscriberRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerRegistration
	logger   *slog.Logger
}

// RegistryOption configures the subscriber registry
type RegistryOption func(*SubscriberRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SubscriberRegistry) {
		r.logger = logger
	}
}

// NewSubscriberRegistry creates an empty registry
func NewSubscriberRegistry(options ...RegistryOption) *SubscriberRegistry {
	r := &SubscriberRegistry{
		handlers: make(map[string][]HandlerRegistration),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a handler for requestType with its declared pipeline steps
func (r *SubscriberRegistry) Register(requestType, name string, factory HandlerFactory, steps ...interceptors.Step) error {
	if requestType == "" {
		return fmt.Errorf("requestType cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("handler factory cannot be nil")
	}
	if name == "" {
		name = requestType + "Handler"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[requestType] {
		if existing.Name == name {
			return contracts.NewConfigurationError("handler", name, "already registered for "+requestType)
		}
	}

	r.handlers[requestType] = append(r.handlers[requestType], HandlerRegistration{
		Name:    name,
		Factory: factory,
		Steps:   steps,
	})

	r.logger.Info("registered request handler",
		"requestType", requestType,
		"handler", name,
		"steps", len(steps),
	)
	return nil
}

// Handlers returns a copy of the registrations for requestType
func (r *SubscriberRegistry) Handlers(requestType string) []HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[requestType]
	out := make([]HandlerRegistration, len(regs))
	copy(out, regs)
	return out
}

// RequestTypes returns every registered request type, sorted
func (r *SubscriberRegistry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterFunc registers a typed handler function for requestType. T is usually a
// pointer to a struct embedding contracts.BaseCommand or BaseEvent.
func RegisterFunc[T contracts.Request](r *SubscriberRegistry, requestType, name string, fn func(ctx context.Context, req T) error, steps ...interceptors.Step) error {
	handler := interceptors.HandlerFunc(func(ctx context.Context, req contracts.Request) error {
		typed, ok := req.(T)
		if !ok {
			return contracts.NewConfigurationError("handler", name, fmt.Sprintf("expected %T, got %T", *new(T), req))
		}
		return fn(ctx, typed)
	})
	return r.Register(requestType, name, func() interceptors.Handler { return handler }, steps...)
}

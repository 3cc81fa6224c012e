package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
)

// CommandHandler handles commands
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd contracts.Command) error
}

// EventHandler handles events
type EventHandler interface {
	HandleEvent(ctx context.Context, evt contracts.Event) error
}

// QueryHandler handles queries and returns the reply to send back
type QueryHandler interface {
	HandleQuery(ctx context.Context, query contracts.Query) (contracts.Request, error)
}

// Replier sends a reply to the address carried by a query
type Replier interface {
	Reply(ctx context.Context, query contracts.Query, reply contracts.Request) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc func(ctx context.Context, cmd contracts.Command) error

// HandleCommand implements CommandHandler
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd contracts.Command) error {
	return f(ctx, cmd)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, evt contracts.Event) error

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, evt contracts.Event) error {
	return f(ctx, evt)
}

// QueryHandlerFunc is a function adapter for QueryHandler
type QueryHandlerFunc func(ctx context.Context, query contracts.Query) (contracts.Request, error)

// HandleQuery implements QueryHandler
func (f QueryHandlerFunc) HandleQuery(ctx context.Context, query contracts.Query) (contracts.Request, error) {
	return f(ctx, query)
}

// CommandHandlerAdapter adapts CommandHandler to interceptors.Handler
type CommandHandlerAdapter struct {
	handler CommandHandler
}

// NewCommandHandlerAdapter creates a command handler adapter
func NewCommandHandlerAdapter(handler CommandHandler) *CommandHandlerAdapter {
	return &CommandHandlerAdapter{handler: handler}
}

// Handle implements interceptors.Handler
func (a *CommandHandlerAdapter) Handle(ctx context.Context, req contracts.Request) error {
	cmd, ok := req.(contracts.Command)
	if !ok {
		return fmt.Errorf("expected Command, got %T", req)
	}
	return a.handler.HandleCommand(ctx, cmd)
}

// EventHandlerAdapter adapts EventHandler to interceptors.Handler
type EventHandlerAdapter struct {
	handler EventHandler
}

// NewEventHandlerAdapter creates an event handler adapter
func NewEventHandlerAdapter(handler EventHandler) *EventHandlerAdapter {
	return &EventHandlerAdapter{handler: handler}
}

// Handle implements interceptors.Handler
func (a *EventHandlerAdapter) Handle(ctx context.Context, req contracts.Request) error {
	evt, ok := req.(contracts.Event)
	if !ok {
		return fmt.Errorf("expected Event, got %T", req)
	}
	return a.handler.HandleEvent(ctx, evt)
}

// QueryHandlerAdapter adapts QueryHandler to interceptors.Handler and sends the reply.
// A handler error is returned without replying; the caller's Call times out.
type QueryHandlerAdapter struct {
	handler QueryHandler
	replier Replier
}

// NewQueryHandlerAdapter creates a query handler adapter
func NewQueryHandlerAdapter(handler QueryHandler, replier Replier) *QueryHandlerAdapter {
	return &QueryHandlerAdapter{handler: handler, replier: replier}
}

// Handle implements interceptors.Handler
func (a *QueryHandlerAdapter) Handle(ctx context.Context, req contracts.Request) error {
	query, ok := req.(contracts.Query)
	if !ok {
		return fmt.Errorf("expected Query, got %T", req)
	}

	reply, err := a.handler.HandleQuery(ctx, query)
	if err != nil {
		return err
	}
	if reply == nil || query.GetReplyTo() == "" {
		return nil
	}
	return a.replier.Reply(ctx, query, reply)
}

// RegisterCommandHandler registers a command handler instance
func (r *SubscriberRegistry) RegisterCommandHandler(commandType, name string, handler CommandHandler, steps ...interceptors.Step) error {
	adapter := NewCommandHandlerAdapter(handler)
	return r.Register(commandType, name, func() interceptors.Handler { return adapter }, steps...)
}

// RegisterEventHandler registers an event handler instance
func (r *SubscriberRegistry) RegisterEventHandler(eventType, name string, handler EventHandler, steps ...interceptors.Step) error {
	adapter := NewEventHandlerAdapter(handler)
	return r.Register(eventType, name, func() interceptors.Handler { return adapter }, steps...)
}

// RegisterQueryHandler registers a query handler whose replies go out through replier
func (r *SubscriberRegistry) RegisterQueryHandler(queryType, name string, handler QueryHandler, replier Replier, steps ...interceptors.Step) error {
	adapter := NewQueryHandlerAdapter(handler, replier)
	return r.Register(queryType, name, func() interceptors.Handler { return adapter }, steps...)
}

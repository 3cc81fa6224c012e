package interceptors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/storage"
)

// ErrAlreadyProcessed is returned by a once-only inbox step for a repeated command
var ErrAlreadyProcessed = errors.New("command already processed")

// OnceOnlyAction decides what a repeated command does
type OnceOnlyAction int

const (
	// OnceOnlyWarn logs and skips the handler, reporting success
	OnceOnlyWarn OnceOnlyAction = iota
	// OnceOnlyThrow fails with ErrAlreadyProcessed
	OnceOnlyThrow
)

// InboxInterceptor guards a handler with Exists, process, Add
type InboxInterceptor struct {
	inbox      storage.Inbox
	contextKey string
	action     OnceOnlyAction
	logger     *slog.Logger
}

// NewInboxInterceptor creates an inbox guard scoped to contextKey
func NewInboxInterceptor(inbox storage.Inbox, contextKey string, action OnceOnlyAction, logger *slog.Logger) *InboxInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxInterceptor{inbox: inbox, contextKey: contextKey, action: action, logger: logger}
}

// UseInbox attaches an inbox step. An empty contextKey defaults to the handler name.
func UseInbox(order int, contextKey string, action OnceOnlyAction) Step {
	return Step{Order: order, Timing: Before, Build: func(d Deps) (Interceptor, error) {
		if d.Inbox == nil {
			return nil, contracts.NewConfigurationError("inbox", d.HandlerName, "handler uses an inbox step but no inbox is configured")
		}
		key := contextKey
		if key == "" {
			key = d.HandlerName
		}
		return NewInboxInterceptor(d.Inbox, key, action, d.Logger), nil
	}}
}

// Intercept implements Interceptor
func (i *InboxInterceptor) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	exists, err := i.inbox.Exists(ctx, req.GetID(), i.contextKey)
	if err != nil {
		return fmt.Errorf("inbox lookup for %s: %w", req.GetID(), err)
	}

	if exists {
		if i.action == OnceOnlyThrow {
			return fmt.Errorf("%w: %s in context %s", ErrAlreadyProcessed, req.GetID(), i.contextKey)
		}
		i.logger.Warn("command already processed, skipping",
			"requestId", req.GetID(),
			"requestType", req.GetType(),
			"contextKey", i.contextKey,
		)
		return nil
	}

	if err := next.Handle(ctx, req); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal command for inbox: %w", err)
	}
	return i.inbox.Add(ctx, storage.InboxEntry{
		CommandID:   req.GetID(),
		ContextKey:  i.contextKey,
		CommandType: req.GetType(),
		Body:        body,
		Timestamp:   time.Now().UTC(),
	})
}

// Name implements Interceptor
func (i *InboxInterceptor) Name() string {
	return "InboxInterceptor"
}

package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
)

// Handler processes a request
type Handler interface {
	Handle(ctx context.Context, req contracts.Request) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req contracts.Request) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req contracts.Request) error {
	return f(ctx, req)
}

// Terminal is the no-op that ends every pipeline
var Terminal Handler = HandlerFunc(func(context.Context, contracts.Request) error { return nil })

// Interceptor processes a request and decides whether to call the rest of the chain
type Interceptor interface {
	Intercept(ctx context.Context, req contracts.Request, next Handler) error
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req contracts.Request, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req contracts.Request, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// HandlerNode turns a user handler into a chain link that continues only on success
func HandlerNode(name string, h Handler) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, req contracts.Request, next Handler) error {
		if err := h.Handle(ctx, req); err != nil {
			return err
		}
		return next.Handle(ctx, req)
	})
}

// Chain composes interceptors into a single Handler, first outermost
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors in execution order
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, ic := range c.interceptors {
		names[i] = ic.Name()
	}
	return names
}

// Then builds the composed handler ending in final
func (c *Chain) Then(final Handler) Handler {
	if final == nil {
		final = Terminal
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, req contracts.Request) error {
			return interceptor.Intercept(ctx, req, next)
		})
	}
	return handler
}

// Timing places a step relative to the handler
type Timing int

const (
	Before Timing = iota
	After
)

func (t Timing) String() string {
	if t == After {
		return "after"
	}
	return "before"
}

// Deps are the collaborators steps may draw on when built
type Deps struct {
	Policies    *reliability.Registry
	Inbox       storage.Inbox
	Logger      *slog.Logger
	RequestType string
	HandlerName string
}

// Step declares an interceptor attached to a handler
type Step struct {
	Order  int
	Timing Timing
	Build  func(Deps) (Interceptor, error)
}

// UseInterceptor attaches a prebuilt interceptor
func UseInterceptor(order int, timing Timing, ic Interceptor) Step {
	return Step{Order: order, Timing: timing, Build: func(Deps) (Interceptor, error) { return ic, nil }}
}

// Compose orders steps around the handler: Before steps by Order, the handler, then
// After steps by Order. Any build error is returned unchanged.
func Compose(deps Deps, handler Handler, steps []Step) (*Chain, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var before, after []Step
	for _, s := range steps {
		if s.Build == nil {
			return nil, contracts.NewConfigurationError("step", deps.HandlerName, "step has no builder")
		}
		if s.Timing == After {
			after = append(after, s)
		} else {
			before = append(before, s)
		}
	}
	sort.SliceStable(before, func(i, j int) bool { return before[i].Order < before[j].Order })
	sort.SliceStable(after, func(i, j int) bool { return after[i].Order < after[j].Order })

	links := make([]Interceptor, 0, len(steps)+1)
	for _, s := range before {
		ic, err := s.Build(deps)
		if err != nil {
			return nil, err
		}
		links = append(links, ic)
	}
	links = append(links, HandlerNode(deps.HandlerName, handler))
	for _, s := range after {
		ic, err := s.Build(deps)
		if err != nil {
			return nil, err
		}
		links = append(links, ic)
	}
	return NewChain(links...), nil
}

// Built-in interceptors

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger, level: slog.LevelDebug}
}

// UseLogging attaches a logging step
func UseLogging(order int, timing Timing) Step {
	return Step{Order: order, Timing: timing, Build: func(d Deps) (Interceptor, error) {
		return NewLoggingInterceptor(d.Logger.With("handler", d.HandlerName)), nil
	}}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	start := time.Now()

	i.logger.Log(ctx, i.level, "handling request",
		"requestId", req.GetID(),
		"requestType", req.GetType(),
		"correlationId", req.GetCorrelationID(),
	)

	err := next.Handle(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("request handling failed",
			"requestId", req.GetID(),
			"requestType", req.GetType(),
			"duration", duration,
			"error", err,
		)
		return err
	}

	i.logger.Log(ctx, i.level, "request handled",
		"requestId", req.GetID(),
		"requestType", req.GetType(),
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the rest of the chain
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// UseTimeout attaches a timeout step
func UseTimeout(order int, timeout time.Duration) Step {
	return UseInterceptor(order, Before, NewTimeoutInterceptor(timeout))
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	// buffered so a handler that outlives the timeout can still finish and exit
	done := make(chan handleResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handleResult{panicked: true, value: r}
			}
		}()
		done <- handleResult{err: next.Handle(ctx, req)}
	}()

	select {
	case res := <-done:
		if res.panicked {
			// re-raised on the caller's goroutine where the pipeline recovers it
			panic(res.value)
		}
		return res.err
	case <-ctx.Done():
		return fmt.Errorf("request %s timed out after %v: %w", req.GetID(), i.timeout, ctx.Err())
	}
}

type handleResult struct {
	err      error
	panicked bool
	value    any
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// Validator checks a request before it reaches the handler
type Validator interface {
	Validate() error
}

// ErrInvalidRequest wraps validation failures
var ErrInvalidRequest = errors.New("invalid request")

// ValidationInterceptor rejects requests implementing Validator that fail validation
type ValidationInterceptor struct{}

// UseValidation attaches a validation step
func UseValidation(order int) Step {
	return UseInterceptor(order, Before, ValidationInterceptor{})
}

// Intercept implements Interceptor
func (ValidationInterceptor) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	if v, ok := req.(Validator); ok {
		if err := v.Validate(); err != nil {
			return reliability.Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.GetType(), err))
		}
	}
	return next.Handle(ctx, req)
}

// Name implements Interceptor
func (ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

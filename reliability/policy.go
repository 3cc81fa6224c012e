package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/glimte/courier/contracts"
)

// Policy wraps an operation with cross-cutting failure behaviour
type Policy interface {
	Name() string
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// RateLimiter throttles an operation with a token bucket
type RateLimiter struct {
	name     string
	limiter  *rate.Limiter
	failFast bool
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithFailFast rejects with ErrRateLimited instead of waiting for a token
func WithFailFast() RateLimiterOption {
	return func(r *RateLimiter) {
		r.failFast = true
	}
}

// NewRateLimiter creates a rate limit policy allowing perSecond operations with the given burst
func NewRateLimiter(name string, perSecond float64, burst int, options ...RateLimiterOption) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	r := &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Name implements Policy
func (r *RateLimiter) Name() string {
	return r.name
}

// Execute implements Policy
func (r *RateLimiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	if r.failFast {
		if !r.limiter.Allow() {
			return fmt.Errorf("%s: %w", r.name, ErrRateLimited)
		}
		return fn(ctx)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	return fn(ctx)
}

// Registry maps policy names to policies. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	logger   *slog.Logger
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		policies: make(map[string]Policy),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds policies; a blank or duplicate name is a configuration error
func (r *Registry) Register(policies ...Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range policies {
		name := p.Name()
		if name == "" {
			return contracts.NewConfigurationError("policy", name, "policy name is required")
		}
		if _, exists := r.policies[name]; exists {
			return contracts.NewConfigurationError("policy", name, "already registered")
		}
		r.policies[name] = p
		r.logger.Info("policy registered", "policy", name, "type", fmt.Sprintf("%T", p))
	}
	return nil
}

// Get returns the named policy or a configuration error naming it
func (r *Registry) Get(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[name]
	if !ok {
		return nil, contracts.NewConfigurationError("policy", name, "not found in policy registry")
	}
	return p, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[name]
	return ok
}

// Names returns the registered policy names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up every name before anything runs, so a typo fails before side effects
func (r *Registry) Resolve(names ...string) ([]Policy, error) {
	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// Execute runs fn wrapped by the named policies. The first name is the outermost wrapper.
func (r *Registry) Execute(ctx context.Context, names []string, fn func(context.Context) error) error {
	policies, err := r.Resolve(names...)
	if err != nil {
		return err
	}
	return Compose(policies...)(ctx, fn)
}

// Compose nests policies, first outermost, into a single executor
func Compose(policies ...Policy) func(context.Context, func(context.Context) error) error {
	return func(ctx context.Context, fn func(context.Context) error) error {
		wrapped := fn
		for i := len(policies) - 1; i >= 0; i-- {
			p := policies[i]
			inner := wrapped
			wrapped = func(ctx context.Context) error {
				return p.Execute(ctx, inner)
			}
		}
		return wrapped(ctx)
	}
}

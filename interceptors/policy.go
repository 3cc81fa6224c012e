package interceptors

import (
	"context"
	"strings"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/reliability"
)

// PolicyInterceptor wraps the rest of the chain in named policies, first outermost
type PolicyInterceptor struct {
	names    []string
	policies []reliability.Policy
}

// NewPolicyInterceptor resolves names against registry now, so an unknown name fails
// when the pipeline is built rather than on some later request
func NewPolicyInterceptor(registry *reliability.Registry, names ...string) (*PolicyInterceptor, error) {
	if registry == nil {
		return nil, contracts.NewConfigurationError("policy registry", strings.Join(names, ","), "no registry configured")
	}
	policies, err := registry.Resolve(names...)
	if err != nil {
		return nil, err
	}
	return &PolicyInterceptor{names: names, policies: policies}, nil
}

// UsePolicy attaches a policy step that runs before the handler
func UsePolicy(order int, names ...string) Step {
	return Step{Order: order, Timing: Before, Build: func(d Deps) (Interceptor, error) {
		return NewPolicyInterceptor(d.Policies, names...)
	}}
}

// Intercept implements Interceptor
func (i *PolicyInterceptor) Intercept(ctx context.Context, req contracts.Request, next Handler) error {
	return reliability.Compose(i.policies...)(ctx, func(ctx context.Context) error {
		return next.Handle(ctx, req)
	})
}

// Name implements Interceptor
func (i *PolicyInterceptor) Name() string {
	return "PolicyInterceptor(" + strings.Join(i.names, ",") + ")"
}

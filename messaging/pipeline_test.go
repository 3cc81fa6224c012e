package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
	"github.com/glimte/courier/storage/memory"
)

type traceInterceptor struct {
	name  string
	trace *[]string
	mu    *sync.Mutex
}

func (i traceInterceptor) Intercept(ctx context.Context, req contracts.Request, next interceptors.Handler) error {
	i.mu.Lock()
	*i.trace = append(*i.trace, i.name)
	i.mu.Unlock()
	return next.Handle(ctx, req)
}

func (i traceInterceptor) Name() string {
	return i.name
}

func TestPipelineBuilder(t *testing.T) {
	t.Run("orders before steps, handler, then after steps", func(t *testing.T) {
		var trace []string
		var mu sync.Mutex
		step := func(order int, timing interceptors.Timing, name string) interceptors.Step {
			return interceptors.UseInterceptor(order, timing, traceInterceptor{name: name, trace: &trace, mu: &mu})
		}

		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.HandlerFunc(
			func(context.Context, contracts.Request) error {
				mu.Lock()
				trace = append(trace, "handler")
				mu.Unlock()
				return nil
			},
		)),
			step(2, interceptors.After, "after-2"),
			step(2, interceptors.Before, "before-2"),
			step(1, interceptors.After, "after-1"),
			step(1, interceptors.Before, "before-1"),
		))

		builder := NewPipelineBuilder(registry, nil, nil, nil)
		pipelines, err := builder.Build("PlaceOrder")
		require.NoError(t, err)
		require.Len(t, pipelines, 1)
		assert.Equal(t, []string{"before-1", "before-2", "orders", "after-1", "after-2"}, pipelines[0].Steps)

		require.NoError(t, pipelines[0].Handle(context.Background(), newPlaceOrder("o-1")))
		assert.Equal(t, []string{"before-1", "before-2", "handler", "after-1", "after-2"}, trace)
	})

	t.Run("caches pipelines and creates handler instances once", func(t *testing.T) {
		created := 0
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", func() interceptors.Handler {
			created++
			return interceptors.Terminal
		}))

		builder := NewPipelineBuilder(registry, nil, nil, nil)
		first, err := builder.Build("PlaceOrder")
		require.NoError(t, err)
		second, err := builder.Build("PlaceOrder")
		require.NoError(t, err)

		assert.Same(t, first[0], second[0])
		assert.Equal(t, 1, created)

		builder.Invalidate()
		_, err = builder.Build("PlaceOrder")
		require.NoError(t, err)
		assert.Equal(t, 2, created)
	})

	t.Run("build failure is not cached", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.Terminal),
			interceptors.UseInbox(1, "", interceptors.OnceOnlyWarn)))

		_, err := NewPipelineBuilder(registry, nil, nil, nil).Build("PlaceOrder")
		assert.True(t, contracts.IsConfigurationError(err))

		pipelines, err := NewPipelineBuilder(registry, nil, memory.NewInbox(), nil).Build("PlaceOrder")
		require.NoError(t, err)
		assert.Len(t, pipelines, 1)
	})

	t.Run("inbox step processes a command once", func(t *testing.T) {
		inbox := memory.NewInbox()
		calls := 0
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.HandlerFunc(
			func(context.Context, contracts.Request) error {
				calls++
				return nil
			},
		)), interceptors.UseInbox(1, "", interceptors.OnceOnlyWarn)))

		p := NewCommandProcessor(registry, WithInbox(inbox))
		cmd := newPlaceOrder("o-1")
		require.NoError(t, p.Send(context.Background(), cmd))
		require.NoError(t, p.Send(context.Background(), cmd))

		assert.Equal(t, 1, calls)
		exists, err := inbox.Exists(context.Background(), cmd.GetID(), "orders")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

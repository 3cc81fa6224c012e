package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
	"github.com/glimte/courier/reliability"
)

type PlaceOrder struct {
	contracts.BaseCommand
	OrderID string `json:"orderId"`
}

func newPlaceOrder(orderID string) *PlaceOrder {
	return &PlaceOrder{BaseCommand: contracts.NewBaseCommand("PlaceOrder"), OrderID: orderID}
}

type OrderPlaced struct {
	contracts.BaseEvent
	OrderID string `json:"orderId"`
}

func newOrderPlaced(orderID string) *OrderPlaced {
	return &OrderPlaced{BaseEvent: contracts.NewBaseEvent("OrderPlaced"), OrderID: orderID}
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, req contracts.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func factoryFor(h interceptors.Handler) HandlerFactory {
	return func() interceptors.Handler { return h }
}

func TestCommandProcessorSend(t *testing.T) {
	ctx := context.Background()

	t.Run("invokes the single handler exactly once", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil).Once()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(handler)))

		p := NewCommandProcessor(registry)
		err := p.Send(ctx, newPlaceOrder("o-1"))

		assert.NoError(t, err)
		handler.AssertNumberOfCalls(t, "Handle", 1)
	})

	t.Run("zero handlers is a configuration error", func(t *testing.T) {
		p := NewCommandProcessor(NewSubscriberRegistry())

		err := p.Send(ctx, newPlaceOrder("o-1"))

		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "found 0")
	})

	t.Run("two handlers is a configuration error and neither runs", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		first, second := &mockHandler{}, &mockHandler{}
		require.NoError(t, registry.Register("PlaceOrder", "first", factoryFor(first)))
		require.NoError(t, registry.Register("PlaceOrder", "second", factoryFor(second)))

		p := NewCommandProcessor(registry)
		err := p.Send(ctx, newPlaceOrder("o-1"))

		assert.True(t, contracts.IsConfigurationError(err))
		first.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		second.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("handler error propagates", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		boom := errors.New("boom")
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(boom)
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(handler)))

		err := NewCommandProcessor(registry).Send(ctx, newPlaceOrder("o-1"))

		assert.ErrorIs(t, err, boom)
	})

	t.Run("handler panic becomes an error", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.HandlerFunc(
			func(context.Context, contracts.Request) error { panic("bad state") },
		))))

		err := NewCommandProcessor(registry).Send(ctx, newPlaceOrder("o-1"))

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "orders", panicErr.HandlerName)
	})

	t.Run("typed handler receives the concrete command", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		var got string
		require.NoError(t, RegisterFunc(registry, "PlaceOrder", "orders", func(_ context.Context, cmd *PlaceOrder) error {
			got = cmd.OrderID
			return nil
		}))

		require.NoError(t, NewCommandProcessor(registry).Send(ctx, newPlaceOrder("o-42")))
		assert.Equal(t, "o-42", got)
	})

	t.Run("missing named policy fails before the handler runs", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		handler := &mockHandler{}
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(handler),
			interceptors.UsePolicy(1, "retry-3")))

		err := NewCommandProcessor(registry).Send(ctx, newPlaceOrder("o-1"))

		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "retry-3")
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestCommandProcessorRetryPolicy(t *testing.T) {
	t.Run("handler failing N-1 times succeeds under N attempts", func(t *testing.T) {
		policies := reliability.NewRegistry()
		require.NoError(t, policies.Register(reliability.NewRetrier("retry-3", 3, reliability.NewFixedDelay(time.Millisecond))))

		var calls, processed atomic.Int32
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.HandlerFunc(
			func(context.Context, contracts.Request) error {
				if calls.Add(1) < 3 {
					return errors.New("transient")
				}
				processed.Add(1)
				return nil
			},
		)), interceptors.UsePolicy(1, "retry-3")))

		p := NewCommandProcessor(registry, WithPolicyRegistry(policies))
		err := p.Send(context.Background(), newPlaceOrder("o-1"))

		assert.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, int32(1), processed.Load())
	})

	t.Run("circuit opens and fails fast without invoking the handler", func(t *testing.T) {
		policies := reliability.NewRegistry()
		require.NoError(t, policies.Register(reliability.NewCircuitBreaker("breaker",
			reliability.WithFailureThreshold(2),
			reliability.WithCooldown(time.Minute),
		)))

		var calls atomic.Int32
		registry := NewSubscriberRegistry()
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(interceptors.HandlerFunc(
			func(context.Context, contracts.Request) error {
				calls.Add(1)
				return errors.New("down")
			},
		)), interceptors.UsePolicy(1, "breaker")))

		p := NewCommandProcessor(registry, WithPolicyRegistry(policies))
		ctx := context.Background()
		assert.Error(t, p.Send(ctx, newPlaceOrder("o-1")))
		assert.Error(t, p.Send(ctx, newPlaceOrder("o-2")))

		err := p.Send(ctx, newPlaceOrder("o-3"))
		assert.True(t, reliability.IsCircuitOpen(err))
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestCommandProcessorPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("no handlers is not an error", func(t *testing.T) {
		p := NewCommandProcessor(NewSubscriberRegistry())
		assert.NoError(t, p.Publish(ctx, newOrderPlaced("o-1")))
	})

	t.Run("every handler runs even when one fails", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		boom := errors.New("boom")
		handlers := []*mockHandler{{}, {}, {}}
		handlers[0].On("Handle", mock.Anything, mock.Anything).Return(nil)
		handlers[1].On("Handle", mock.Anything, mock.Anything).Return(boom)
		handlers[2].On("Handle", mock.Anything, mock.Anything).Return(nil)
		for i, h := range handlers {
			require.NoError(t, registry.Register("OrderPlaced", string(rune('a'+i)), factoryFor(h)))
		}

		err := NewCommandProcessor(registry).Publish(ctx, newOrderPlaced("o-1"))

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Len(t, pubErr.Failures, 1)
		assert.Equal(t, 3, pubErr.Handlers)
		assert.ErrorIs(t, err, boom)
		for _, h := range handlers {
			h.AssertNumberOfCalls(t, "Handle", 1)
		}
	})

	t.Run("dispatch routes events to publish and commands to send", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		evtHandler, cmdHandler := &mockHandler{}, &mockHandler{}
		evtHandler.On("Handle", mock.Anything, mock.Anything).Return(nil)
		cmdHandler.On("Handle", mock.Anything, mock.Anything).Return(nil)
		require.NoError(t, registry.Register("OrderPlaced", "audit", factoryFor(evtHandler)))
		require.NoError(t, registry.Register("OrderPlaced", "billing", factoryFor(evtHandler)))
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(cmdHandler)))

		p := NewCommandProcessor(registry)
		require.NoError(t, p.Dispatch(ctx, newOrderPlaced("o-1")))
		require.NoError(t, p.Dispatch(ctx, newPlaceOrder("o-1")))

		evtHandler.AssertNumberOfCalls(t, "Handle", 2)
		cmdHandler.AssertNumberOfCalls(t, "Handle", 1)
	})
}

func TestSubscriberRegistry(t *testing.T) {
	t.Run("duplicate handler name is rejected", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		h := &mockHandler{}
		require.NoError(t, registry.Register("PlaceOrder", "orders", factoryFor(h)))

		err := registry.Register("PlaceOrder", "orders", factoryFor(h))
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("request types are sorted", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		h := &mockHandler{}
		require.NoError(t, registry.Register("b", "", factoryFor(h)))
		require.NoError(t, registry.Register("a", "", factoryFor(h)))

		assert.Equal(t, []string{"a", "b"}, registry.RequestTypes())
		assert.Equal(t, "aHandler", registry.Handlers("a")[0].Name)
	})

	t.Run("rejects empty request type and nil factory", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		assert.Error(t, registry.Register("", "x", factoryFor(&mockHandler{})))
		assert.Error(t, registry.Register("a", "x", nil))
	})
}

func TestCommandProcessorHandlerPanicsBehindSteps(t *testing.T) {
	ctx := context.Background()

	// panics on the first call only
	flaky := func(calls *atomic.Int32) func(context.Context, *PlaceOrder) error {
		return func(context.Context, *PlaceOrder) error {
			if calls.Add(1) == 1 {
				panic("bug")
			}
			return nil
		}
	}

	t.Run("timeout step", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		var calls atomic.Int32
		require.NoError(t, RegisterFunc(registry, "PlaceOrder", "orders", flaky(&calls),
			interceptors.UseTimeout(1, time.Second)))
		p := NewCommandProcessor(registry)

		var panicErr *PanicError
		require.ErrorAs(t, p.Send(ctx, newPlaceOrder("o-1")), &panicErr)
		assert.Equal(t, "bug", panicErr.Value)

		assert.NoError(t, p.Send(ctx, newPlaceOrder("o-2")))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("retry policy step", func(t *testing.T) {
		policies := reliability.NewRegistry()
		require.NoError(t, policies.Register(reliability.NewRetrier("retry", 3, nil)))
		registry := NewSubscriberRegistry()
		var calls atomic.Int32
		require.NoError(t, RegisterFunc(registry, "PlaceOrder", "orders", flaky(&calls),
			interceptors.UsePolicy(1, "retry")))
		p := NewCommandProcessor(registry, WithPolicyRegistry(policies))

		var panicErr *PanicError
		require.ErrorAs(t, p.Send(ctx, newPlaceOrder("o-1")), &panicErr)
		assert.NoError(t, p.Send(ctx, newPlaceOrder("o-2")))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("circuit breaker recovers after a panicking trial call", func(t *testing.T) {
		cooldown := 20 * time.Millisecond
		policies := reliability.NewRegistry()
		require.NoError(t, policies.Register(reliability.NewCircuitBreaker("cb",
			reliability.WithFailureThreshold(1),
			reliability.WithCooldown(cooldown),
		)))

		var calls atomic.Int32
		registry := NewSubscriberRegistry()
		require.NoError(t, RegisterFunc(registry, "PlaceOrder", "orders",
			func(context.Context, *PlaceOrder) error {
				switch calls.Add(1) {
				case 1:
					return errors.New("inventory down")
				case 2:
					panic("bug")
				default:
					return nil
				}
			},
			interceptors.UsePolicy(1, "cb")))
		p := NewCommandProcessor(registry, WithPolicyRegistry(policies))

		require.Error(t, p.Send(ctx, newPlaceOrder("o-1")))
		time.Sleep(cooldown + 10*time.Millisecond)

		var panicErr *PanicError
		require.ErrorAs(t, p.Send(ctx, newPlaceOrder("o-2")), &panicErr)
		assert.True(t, reliability.IsCircuitOpen(p.Send(ctx, newPlaceOrder("o-3"))))

		time.Sleep(cooldown + 10*time.Millisecond)
		for i := 0; i < 3; i++ {
			assert.NoError(t, p.Send(ctx, newPlaceOrder("o-4")))
		}
		assert.Equal(t, int32(5), calls.Load())
	})

	t.Run("timeout inside circuit breaker", func(t *testing.T) {
		policies := reliability.NewRegistry()
		require.NoError(t, policies.Register(reliability.NewCircuitBreaker("cb", reliability.WithFailureThreshold(5))))
		registry := NewSubscriberRegistry()
		var calls atomic.Int32
		require.NoError(t, RegisterFunc(registry, "PlaceOrder", "orders", flaky(&calls),
			interceptors.UsePolicy(1, "cb"),
			interceptors.UseTimeout(2, time.Second)))
		p := NewCommandProcessor(registry, WithPolicyRegistry(policies))

		var panicErr *PanicError
		require.ErrorAs(t, p.Send(ctx, newPlaceOrder("o-1")), &panicErr)
		assert.NoError(t, p.Send(ctx, newPlaceOrder("o-2")))
	})
}

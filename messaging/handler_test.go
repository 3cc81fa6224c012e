package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
)

type mockReplier struct {
	mock.Mock
}

func (m *mockReplier) Reply(ctx context.Context, query contracts.Query, reply contracts.Request) error {
	return m.Called(ctx, query, reply).Error(0)
}

type LookupOrder struct {
	contracts.BaseQuery
	OrderID string `json:"orderId"`
}

func TestHandlerAdapters(t *testing.T) {
	ctx := context.Background()

	t.Run("command handler registered on the processor", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		var got string
		require.NoError(t, registry.RegisterCommandHandler("PlaceOrder", "orders",
			CommandHandlerFunc(func(_ context.Context, cmd contracts.Command) error {
				got = cmd.GetID()
				return nil
			})))

		cmd := newPlaceOrder("o-1")
		require.NoError(t, NewCommandProcessor(registry).Send(ctx, cmd))
		assert.Equal(t, cmd.GetID(), got)
	})

	t.Run("event handler registered on the processor", func(t *testing.T) {
		registry := NewSubscriberRegistry()
		calls := 0
		require.NoError(t, registry.RegisterEventHandler("OrderPlaced", "audit",
			EventHandlerFunc(func(context.Context, contracts.Event) error {
				calls++
				return nil
			})))

		require.NoError(t, NewCommandProcessor(registry).Publish(ctx, newOrderPlaced("o-1")))
		assert.Equal(t, 1, calls)
	})

	t.Run("query adapter rejects non-queries", func(t *testing.T) {
		adapter := NewQueryHandlerAdapter(QueryHandlerFunc(func(context.Context, contracts.Query) (contracts.Request, error) {
			return nil, nil
		}), &mockReplier{})
		assert.Error(t, adapter.Handle(ctx, newPlaceOrder("o-1")))
	})

	t.Run("query adapter replies with the handler result", func(t *testing.T) {
		replier := &mockReplier{}
		replier.On("Reply", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		reply := &OrderPlaced{BaseEvent: contracts.NewBaseEvent("OrderStatus")}
		adapter := NewQueryHandlerAdapter(QueryHandlerFunc(func(context.Context, contracts.Query) (contracts.Request, error) {
			return reply, nil
		}), replier)

		q := &LookupOrder{BaseQuery: contracts.NewBaseQuery("LookupOrder"), OrderID: "o-1"}
		q.SetReplyTo("reply.abc")
		require.NoError(t, adapter.Handle(ctx, q))
		replier.AssertCalled(t, "Reply", mock.Anything, q, reply)
	})

	t.Run("query adapter does not reply on error", func(t *testing.T) {
		replier := &mockReplier{}
		boom := errors.New("boom")
		adapter := NewQueryHandlerAdapter(QueryHandlerFunc(func(context.Context, contracts.Query) (contracts.Request, error) {
			return nil, boom
		}), replier)

		q := &LookupOrder{BaseQuery: contracts.NewBaseQuery("LookupOrder")}
		q.SetReplyTo("reply.abc")
		assert.ErrorIs(t, adapter.Handle(ctx, q), boom)
		replier.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything, mock.Anything)
	})
}

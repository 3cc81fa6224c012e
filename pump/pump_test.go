package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
	"github.com/glimte/courier/storage/memory"
	memtransport "github.com/glimte/courier/transports/memory"
)

type ShipOrder struct {
	contracts.BaseCommand
	Body string `json:"body"`
}

func newShipOrder(id, body string) *ShipOrder {
	cmd := &ShipOrder{BaseCommand: contracts.NewBaseCommand("ShipOrder"), Body: body}
	cmd.ID = id
	return cmd
}

type harness struct {
	bus       *memtransport.Bus
	registry  *messaging.SubscriberRegistry
	mappers   *messaging.MapperRegistry
	processor *messaging.CommandProcessor
}

func newHarness(t *testing.T, handle func(context.Context, *ShipOrder) error) *harness {
	t.Helper()
	h := &harness{
		bus:      memtransport.NewBus(),
		registry: messaging.NewSubscriberRegistry(),
		mappers:  messaging.NewMapperRegistry(),
	}
	h.mappers.Register("ShipOrder", messaging.NewJSONMapper[ShipOrder]("orders", contracts.MessageTypeCommand))
	require.NoError(t, messaging.RegisterFunc(h.registry, "ShipOrder", "shipping", handle))
	h.processor = messaging.NewCommandProcessor(h.registry, messaging.WithMappers(h.mappers))
	return h
}

func (h *harness) publish(t *testing.T, cmd *ShipOrder) *contracts.Message {
	t.Helper()
	msg, err := h.mappers.ToMessage(cmd)
	require.NoError(t, err)
	require.NoError(t, h.bus.Send(context.Background(), msg))
	return msg
}

func ordersSub() Subscription {
	return Subscription{
		Name:       "orders",
		RoutingKey: "orders",
		Timeout:    20 * time.Millisecond,
	}
}

func TestPumpScenarios(t *testing.T) {
	t.Run("successful handling acknowledges once", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(_ context.Context, cmd *ShipOrder) error {
			calls.Add(1)
			return nil
		})

		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{ordersSub()}, WithProvisioner(h.bus))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))

		h.publish(t, newShipOrder("m1", "x"))

		assert.Eventually(t, func() bool { return h.bus.Stats("orders").Acked == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, memtransport.QueueStats{Acked: 1}, h.bus.Stats("orders"))

		require.NoError(t, d.End(context.Background()))
	})

	t.Run("failing handler requeues three times then dead-letters", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			calls.Add(1)
			return errors.New("always fails")
		})

		sub := ordersSub()
		sub.RequeueCount = 3
		sub.DeadLetterRoutingKey = "orders.dlq"
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{sub},
			WithProvisioner(h.bus),
			WithDeadLetters(h.bus),
		)
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))

		h.publish(t, newShipOrder("m1", "x"))

		assert.Eventually(t, func() bool { return len(h.bus.Peek("orders.dlq")) == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, d.End(context.Background()))

		assert.Equal(t, int32(4), calls.Load())
		stats := h.bus.Stats("orders")
		assert.Equal(t, 3, stats.Requeued)
		assert.Equal(t, 1, stats.Acked)
		assert.Equal(t, 0, stats.Depth)

		dead := h.bus.Peek("orders.dlq")[0]
		assert.Equal(t, "m1", dead.ID())
		assert.Equal(t, 4, dead.Header.HandledCount)
		assert.Equal(t, "orders", dead.Header.Bag[contracts.BagOriginalTopic])
		assert.Equal(t, "always fails", dead.Header.Bag[contracts.BagDeadLetterReason])

		status := d.Status()[0]
		assert.Equal(t, uint64(1), status.Stats.DeadLettered)
		assert.Equal(t, uint64(3), status.Stats.Requeued)
	})

	t.Run("without a dead letter key exhausted messages are rejected", func(t *testing.T) {
		h := newHarness(t, func(context.Context, *ShipOrder) error { return errors.New("nope") })
		sub := ordersSub()
		sub.RequeueCount = 1

		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{sub})
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))
		h.publish(t, newShipOrder("m1", "x"))

		assert.Eventually(t, func() bool { return h.bus.Stats("orders").Rejected == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, h.bus.Stats("orders").Requeued)
		require.NoError(t, d.End(context.Background()))
	})

	t.Run("deferred message is requeued then handled", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			if calls.Add(1) == 1 {
				return messaging.ErrDeferMessage
			}
			return nil
		})
		sub := ordersSub()
		sub.RequeueCount = 2
		sub.RequeueDelay = 10 * time.Millisecond

		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{sub})
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))
		h.publish(t, newShipOrder("m1", "x"))

		assert.Eventually(t, func() bool { return h.bus.Stats("orders").Acked == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, h.bus.Stats("orders").Requeued)
		require.NoError(t, d.End(context.Background()))
	})
}

func TestPumpMessageTypes(t *testing.T) {
	start := func(t *testing.T, h *harness, sub Subscription, opts ...Option) *Pump {
		t.Helper()
		consumer, err := h.bus.CreateConsumer(context.Background(), sub.ChannelSpec())
		require.NoError(t, err)
		p := New(NewChannel(sub, consumer, nil), h.processor, h.mappers, opts...)
		require.NoError(t, p.Start(context.Background()))
		t.Cleanup(func() {
			p.Stop()
			_ = p.Wait(context.Background())
		})
		return p
	}

	t.Run("quit message stops the pump", func(t *testing.T) {
		h := newHarness(t, func(context.Context, *ShipOrder) error { return nil })
		p := start(t, h, ordersSub())

		require.NoError(t, h.bus.Send(context.Background(), contracts.QuitMessage("orders")))

		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("pump did not stop")
		}
		assert.Equal(t, StateStopped, p.State())
		assert.NoError(t, p.Err())
		assert.Equal(t, 1, h.bus.Stats("orders").Acked)
	})

	t.Run("unmappable message is rejected without requeue", func(t *testing.T) {
		h := newHarness(t, func(context.Context, *ShipOrder) error { return nil })
		sub := ordersSub()
		sub.RequeueCount = 3
		p := start(t, h, sub)

		bad := contracts.NewMessage(contracts.MessageHeader{
			Topic:       "orders",
			MessageType: contracts.MessageTypeCommand,
			Bag:         map[string]any{contracts.BagRequestType: "ShipOrder"},
		}, []byte("{not json"))
		require.NoError(t, h.bus.Send(context.Background(), bad))

		assert.Eventually(t, func() bool { return p.Stats().Unacceptable == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, h.bus.Stats("orders").Rejected)
		assert.Equal(t, 0, h.bus.Stats("orders").Requeued)
		assert.Equal(t, StateRunning, p.State())
	})

	t.Run("missing mapper stops the pump with a configuration error", func(t *testing.T) {
		h := newHarness(t, func(context.Context, *ShipOrder) error { return nil })
		sub := ordersSub()
		sub.RequestType = "Unknown"
		p := start(t, h, sub)

		h.publish(t, newShipOrder("m1", "x"))

		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("pump did not stop")
		}
		assert.True(t, contracts.IsConfigurationError(p.Err()))
		assert.Equal(t, 1, h.bus.Stats("orders").Rejected)
	})

	t.Run("duplicate in inbox is acknowledged without handling", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			calls.Add(1)
			return nil
		})
		inbox := memory.NewInbox()
		require.NoError(t, inbox.Add(context.Background(), storage.InboxEntry{CommandID: "m1", ContextKey: "orders"}))
		p := start(t, h, ordersSub(), WithInbox(inbox))

		h.publish(t, newShipOrder("m1", "x"))
		h.publish(t, newShipOrder("m2", "y"))

		assert.Eventually(t, func() bool { return h.bus.Stats("orders").Acked == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, uint64(1), p.Stats().Duplicates)

		exists, err := inbox.Exists(context.Background(), "m2", "orders")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestPumpConnectionCircuit(t *testing.T) {
	t.Run("channel circuit opens after repeated receive failures", func(t *testing.T) {
		bus := memtransport.NewBus()
		sub := ordersSub()
		sub.ConnectionFailureThreshold = 2
		sub.ConnectionCooldown = time.Hour
		consumer, err := bus.CreateConsumer(context.Background(), sub.ChannelSpec())
		require.NoError(t, err)
		down := errors.New("connection refused")
		bus.FailReceive("orders", down, down, down)

		ch := NewChannel(sub, consumer, nil)
		ctx := context.Background()
		_, err = ch.Receive(ctx)
		assert.ErrorIs(t, err, down)
		_, err = ch.Receive(ctx)
		assert.ErrorIs(t, err, down)

		_, err = ch.Receive(ctx)
		assert.True(t, contracts.IsBrokerUnreachable(err))
		assert.True(t, ch.CircuitOpen())
	})

	t.Run("pump recovers after the cool-down", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			calls.Add(1)
			return nil
		})
		sub := ordersSub()
		sub.ConnectionFailureThreshold = 2
		sub.ConnectionCooldown = 50 * time.Millisecond
		consumer, err := h.bus.CreateConsumer(context.Background(), sub.ChannelSpec())
		require.NoError(t, err)
		down := errors.New("connection refused")
		h.bus.FailReceive("orders", down, down, down)
		h.publish(t, newShipOrder("m1", "x"))

		p := New(NewChannel(sub, consumer, nil), h.processor, h.mappers,
			WithReceiveBackoff(reliability.NewFixedDelay(5*time.Millisecond)))
		require.NoError(t, p.Start(context.Background()))
		defer func() {
			p.Stop()
			_ = p.Wait(context.Background())
		}()

		assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.GreaterOrEqual(t, p.Stats().ConnectionFailures, uint64(3))
	})
}

func TestProactorOrdering(t *testing.T) {
	t.Run("shared workers keep per-channel order", func(t *testing.T) {
		var mu sync.Mutex
		seen := make(map[string][]string)
		h := newHarness(t, func(_ context.Context, cmd *ShipOrder) error {
			mu.Lock()
			seen[cmd.Body] = append(seen[cmd.Body], cmd.ID)
			mu.Unlock()
			return nil
		})

		subs := []Subscription{
			{Name: "east", RoutingKey: "orders.east", Mode: Proactor, BufferSize: 3, Timeout: 10 * time.Millisecond},
			{Name: "west", RoutingKey: "orders.west", Mode: Proactor, BufferSize: 3, Timeout: 10 * time.Millisecond},
		}
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, subs, WithProvisioner(h.bus), WithProactorWorkers(1))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))

		var want = map[string][]string{}
		for i := 0; i < 10; i++ {
			for _, region := range []string{"east", "west"} {
				cmd := newShipOrder(region+"-"+string(rune('a'+i)), region)
				msg, err := h.mappers.ToMessage(cmd)
				require.NoError(t, err)
				msg.Header.Topic = "orders." + region
				require.NoError(t, h.bus.Send(context.Background(), msg))
				want[region] = append(want[region], cmd.ID)
			}
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen["east"]) == 10 && len(seen["west"]) == 10
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, d.End(context.Background()))

		assert.Equal(t, want["east"], seen["east"])
		assert.Equal(t, want["west"], seen["west"])
	})
}

package pump

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

// refusingFactory fails to create consumers for one channel
type refusingFactory struct {
	messaging.ConsumerFactory
	refuse string
}

func (f refusingFactory) CreateConsumer(ctx context.Context, spec messaging.ChannelSpec) (messaging.Consumer, error) {
	if spec.Name == f.refuse {
		return nil, errors.New("channel closed by broker")
	}
	return f.ConsumerFactory.CreateConsumer(ctx, spec)
}

func TestDispatcher(t *testing.T) {
	noop := func(context.Context, *ShipOrder) error { return nil }

	t.Run("rejects duplicate and invalid subscriptions", func(t *testing.T) {
		h := newHarness(t, noop)

		_, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{ordersSub(), ordersSub()})
		assert.True(t, contracts.IsConfigurationError(err))

		_, err = NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{{Name: ""}})
		assert.True(t, contracts.IsConfigurationError(err))

		_, err = NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{{Name: "a", RequeueCount: -1}})
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("validate policy fails fast and starts nothing", func(t *testing.T) {
		h := newHarness(t, noop)
		h.bus.Declare("payments", "payments")
		missing := ordersSub()
		missing.OnMissingChannel = OnMissingValidate
		present := Subscription{Name: "payments", OnMissingChannel: OnMissingValidate, Timeout: 20 * time.Millisecond}

		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{present, missing}, WithProvisioner(h.bus))
		require.NoError(t, err)

		err = d.Receive(context.Background())
		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "orders")
		assert.Equal(t, DispatcherAwaiting, d.State())
		for _, s := range d.Status() {
			assert.Equal(t, StateIdle, s.State, s.Name)
		}
	})

	t.Run("validate without a provisioner is a configuration error", func(t *testing.T) {
		h := newHarness(t, noop)
		sub := ordersSub()
		sub.OnMissingChannel = OnMissingValidate

		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{sub})
		require.NoError(t, err)
		assert.True(t, contracts.IsConfigurationError(d.Receive(context.Background())))
	})

	t.Run("receive is idempotent", func(t *testing.T) {
		h := newHarness(t, noop)
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{ordersSub()}, WithProvisioner(h.bus))
		require.NoError(t, err)

		require.NoError(t, d.Receive(context.Background()))
		first, _ := d.Pump("orders")
		require.NoError(t, d.Receive(context.Background()))
		second, _ := d.Pump("orders")

		assert.Same(t, first, second)
		assert.Equal(t, DispatcherRunning, d.State())
		require.NoError(t, d.End(context.Background()))
		assert.Equal(t, DispatcherStopped, d.State())
		assert.ErrorIs(t, d.Receive(context.Background()), ErrDispatcherStopped)
	})

	t.Run("shut stops one pump and open restarts it", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			calls.Add(1)
			return nil
		})
		subs := []Subscription{
			ordersSub(),
			{Name: "payments", Timeout: 20 * time.Millisecond},
		}
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, subs, WithProvisioner(h.bus))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))

		require.NoError(t, d.Shut(context.Background(), "orders"))
		status := d.Status()
		assert.Equal(t, StateStopped, status[0].State)
		assert.Equal(t, StateRunning, status[1].State)

		h.publish(t, newShipOrder("m1", "x"))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())

		require.NoError(t, d.Open(context.Background(), "orders"))
		assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

		assert.ErrorIs(t, d.Shut(context.Background(), "nope"), ErrUnknownChannel)
		assert.ErrorIs(t, d.Open(context.Background(), "nope"), ErrUnknownChannel)
		require.NoError(t, d.End(context.Background()))
	})

	t.Run("end reports pumps that miss the deadline", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{}, 1)
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			entered <- struct{}{}
			<-release
			return nil
		})
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{ordersSub()}, WithProvisioner(h.bus))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))
		h.publish(t, newShipOrder("m1", "x"))
		<-entered

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = d.End(ctx)
		assert.ErrorIs(t, err, ErrShutdownTimeout)
		assert.Contains(t, err.Error(), "orders")

		close(release)
		p, _ := d.Pump("orders")
		require.NoError(t, p.Wait(context.Background()))
	})

	t.Run("graceful end finishes the in-flight message", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{}, 1)
		h := newHarness(t, func(context.Context, *ShipOrder) error {
			entered <- struct{}{}
			<-release
			return nil
		})
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, []Subscription{ordersSub()}, WithProvisioner(h.bus))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))
		h.publish(t, newShipOrder("m1", "x"))
		<-entered

		done := make(chan error, 1)
		go func() { done <- d.End(context.Background()) }()
		time.Sleep(20 * time.Millisecond)
		close(release)

		require.NoError(t, <-done)
		assert.Equal(t, 1, h.bus.Stats("orders").Acked)
	})
	t.Run("failed receive stops the pumps it started", func(t *testing.T) {
		h := newHarness(t, noop)
		subs := []Subscription{
			ordersSub(),
			{Name: "payments", Timeout: 20 * time.Millisecond},
		}
		d, err := NewDispatcher(h.processor, h.mappers, refusingFactory{h.bus, "payments"}, subs, WithProvisioner(h.bus))
		require.NoError(t, err)

		err = d.Receive(context.Background())
		var failure *contracts.ChannelFailureError
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "payments", failure.Channel)

		assert.Equal(t, DispatcherAwaiting, d.State())
		for _, s := range d.Status() {
			assert.Equal(t, StateIdle, s.State, s.Name)
		}
		_, ok := d.Pump("orders")
		assert.False(t, ok)
	})

	t.Run("shutting every pump returns the dispatcher to awaiting", func(t *testing.T) {
		h := newHarness(t, noop)
		subs := []Subscription{
			ordersSub(),
			{Name: "payments", Timeout: 20 * time.Millisecond},
		}
		d, err := NewDispatcher(h.processor, h.mappers, h.bus, subs, WithProvisioner(h.bus))
		require.NoError(t, err)
		require.NoError(t, d.Receive(context.Background()))

		require.NoError(t, d.Shut(context.Background(), "orders"))
		assert.Equal(t, DispatcherRunning, d.State())
		require.NoError(t, d.Shut(context.Background(), "payments"))
		assert.Equal(t, DispatcherAwaiting, d.State())

		require.NoError(t, d.Open(context.Background(), "payments"))
		assert.Equal(t, DispatcherRunning, d.State())
		require.NoError(t, d.End(context.Background()))
	})
}

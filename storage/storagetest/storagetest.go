// Package storagetest holds behaviour tests every outbox and inbox backend must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/storage"
)

// OutboxFactory returns a fresh outbox and a provider for transactions it accepts
type OutboxFactory func(t *testing.T) (storage.Outbox, storage.TransactionProvider)

// InboxFactory returns a fresh inbox
type InboxFactory func(t *testing.T) storage.Inbox

// Entry builds an outbox entry with the given id, topic and age
func Entry(id, topic string, age time.Duration) storage.OutboxEntry {
	msg := contracts.NewMessage(contracts.MessageHeader{
		ID:          id,
		Topic:       topic,
		MessageType: contracts.MessageTypeCommand,
		TimeStamp:   time.Now().UTC().Add(-age),
		Bag:         map[string]any{"tenant": "t1"},
	}, []byte("body-"+id))
	return storage.NewOutboxEntry(msg)
}

// RunOutboxTests exercises the storage.Outbox contract
func RunOutboxTests(t *testing.T, factory OutboxFactory) {
	ctx := context.Background()

	t.Run("add then get round trips", func(t *testing.T) {
		outbox, _ := factory(t)
		entry := Entry("m1", "orders", 0)

		require.NoError(t, outbox.Add(ctx, entry, nil))

		got, err := outbox.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "orders", got.Topic)
		assert.Equal(t, entry.Body, got.Body)
		assert.Equal(t, entry.Header.ID, got.Header.ID)
		assert.Equal(t, "t1", got.Header.Bag["tenant"])
		assert.False(t, got.Dispatched())
	})

	t.Run("duplicate add is ignored", func(t *testing.T) {
		outbox, _ := factory(t)
		first := Entry("m1", "orders", 0)
		second := Entry("m1", "payments", 0)

		require.NoError(t, outbox.Add(ctx, first, nil))
		require.NoError(t, outbox.Add(ctx, second, nil))

		got, err := outbox.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "orders", got.Topic)

		outstanding, err := outbox.OutstandingMessages(ctx, 0, 10)
		require.NoError(t, err)
		assert.Len(t, outstanding, 1)
	})

	t.Run("get missing is not found", func(t *testing.T) {
		outbox, _ := factory(t)
		_, err := outbox.Get(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("outstanding respects age, order and page size", func(t *testing.T) {
		outbox, _ := factory(t)
		require.NoError(t, outbox.Add(ctx, Entry("old-2", "orders", 2*time.Hour), nil))
		require.NoError(t, outbox.Add(ctx, Entry("old-3", "orders", 3*time.Hour), nil))
		require.NoError(t, outbox.Add(ctx, Entry("old-4", "orders", 4*time.Hour), nil))
		require.NoError(t, outbox.Add(ctx, Entry("fresh", "orders", 0), nil))

		page, err := outbox.OutstandingMessages(ctx, time.Hour, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "old-4", page[0].MessageID)
		assert.Equal(t, "old-3", page[1].MessageID)

		all, err := outbox.OutstandingMessages(ctx, time.Hour, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("mark dispatched removes from outstanding and is idempotent", func(t *testing.T) {
		outbox, _ := factory(t)
		require.NoError(t, outbox.Add(ctx, Entry("m1", "orders", time.Minute), nil))

		at := time.Now().UTC()
		require.NoError(t, outbox.MarkDispatched(ctx, "m1", at))
		require.NoError(t, outbox.MarkDispatched(ctx, "m1", at.Add(time.Hour)))

		got, err := outbox.Get(ctx, "m1")
		require.NoError(t, err)
		require.True(t, got.Dispatched())
		assert.WithinDuration(t, at, *got.DispatchedAt, time.Millisecond)

		outstanding, err := outbox.OutstandingMessages(ctx, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, outstanding)
	})

	t.Run("mark dispatched on missing id is not found", func(t *testing.T) {
		outbox, _ := factory(t)
		assert.ErrorIs(t, outbox.MarkDispatched(ctx, "nope", time.Now()), storage.ErrNotFound)
	})

	t.Run("deposit inside a committed transaction is visible", func(t *testing.T) {
		outbox, provider := factory(t)
		tx, err := provider.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, outbox.Add(ctx, Entry("m1", "orders", 0), tx))
		require.NoError(t, tx.Commit(ctx))

		_, err = outbox.Get(ctx, "m1")
		assert.NoError(t, err)
	})

	t.Run("deposit inside a rolled back transaction is discarded", func(t *testing.T) {
		outbox, provider := factory(t)
		tx, err := provider.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, outbox.Add(ctx, Entry("m1", "orders", 0), tx))
		require.NoError(t, tx.Rollback(ctx))

		_, err = outbox.Get(ctx, "m1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent duplicate adds leave one entry", func(t *testing.T) {
		outbox, _ := factory(t)
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- outbox.Add(ctx, Entry("m1", "orders", 0), nil)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		outstanding, err := outbox.OutstandingMessages(ctx, 0, 100)
		require.NoError(t, err)
		assert.Len(t, outstanding, 1)
	})
}

// RunInboxTests exercises the storage.Inbox contract
func RunInboxTests(t *testing.T, factory InboxFactory) {
	ctx := context.Background()

	entry := func(id, contextKey string) storage.InboxEntry {
		return storage.InboxEntry{
			CommandID:   id,
			ContextKey:  contextKey,
			CommandType: "PlaceOrder",
			Body:        []byte(`{"orderId":"o-1"}`),
			Timestamp:   time.Now().UTC(),
		}
	}

	t.Run("exists is false before add and true after", func(t *testing.T) {
		inbox := factory(t)

		ok, err := inbox.Exists(ctx, "c1", "orders")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, inbox.Add(ctx, entry("c1", "orders")))

		ok, err = inbox.Exists(ctx, "c1", "orders")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("context key scopes identity", func(t *testing.T) {
		inbox := factory(t)
		require.NoError(t, inbox.Add(ctx, entry("c1", "orders")))

		ok, err := inbox.Exists(ctx, "c1", "billing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("duplicate add does not raise", func(t *testing.T) {
		inbox := factory(t)
		require.NoError(t, inbox.Add(ctx, entry("c1", "orders")))
		assert.NoError(t, inbox.Add(ctx, entry("c1", "orders")))

		got, err := inbox.Get(ctx, "c1", "orders")
		require.NoError(t, err)
		assert.Equal(t, "PlaceOrder", got.CommandType)
		assert.JSONEq(t, `{"orderId":"o-1"}`, string(got.Body))
	})

	t.Run("get missing is not found", func(t *testing.T) {
		inbox := factory(t)
		_, err := inbox.Get(ctx, "nope", "orders")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent duplicate adds do not raise", func(t *testing.T) {
		inbox := factory(t)
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- inbox.Add(ctx, entry("c1", "orders"))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
	})
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/storage"
	"github.com/glimte/courier/storage/storagetest"
)

func newTestInbox(t *testing.T, opts ...Option) (*Inbox, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewInbox(client, opts...), mr
}

func TestInbox(t *testing.T) {
	storagetest.RunInboxTests(t, func(t *testing.T) storage.Inbox {
		inbox, _ := newTestInbox(t)
		return inbox
	})
}

func TestInboxKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("uses prefix and context key", func(t *testing.T) {
		inbox, mr := newTestInbox(t, WithPrefix("svc:"))
		require.NoError(t, inbox.Add(ctx, storage.InboxEntry{CommandID: "c1", ContextKey: "orders"}))
		assert.True(t, mr.Exists("svc:6:orders:c1"))
	})

	t.Run("separators inside keys do not collide", func(t *testing.T) {
		inbox, _ := newTestInbox(t)
		require.NoError(t, inbox.Add(ctx, storage.InboxEntry{CommandID: "c", ContextKey: "a:b", CommandType: "first"}))

		ok, err := inbox.Exists(ctx, "b:c", "a")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, inbox.Add(ctx, storage.InboxEntry{CommandID: "b:c", ContextKey: "a", CommandType: "second"}))
		got, err := inbox.Get(ctx, "c", "a:b")
		require.NoError(t, err)
		assert.Equal(t, "first", got.CommandType)
		got, err = inbox.Get(ctx, "b:c", "a")
		require.NoError(t, err)
		assert.Equal(t, "second", got.CommandType)
	})

	t.Run("entries expire with ttl", func(t *testing.T) {
		inbox, mr := newTestInbox(t, WithTTL(time.Minute))
		require.NoError(t, inbox.Add(ctx, storage.InboxEntry{CommandID: "c1", ContextKey: "orders"}))

		mr.FastForward(2 * time.Minute)

		ok, err := inbox.Exists(ctx, "c1", "orders")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unreachable server surfaces the error", func(t *testing.T) {
		inbox, mr := newTestInbox(t)
		mr.Close()

		_, err := inbox.Exists(ctx, "c1", "orders")
		assert.Error(t, err)
	})
}

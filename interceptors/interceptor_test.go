package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage/memory"
)

type testCommand struct {
	contracts.BaseCommand
	Valid bool `json:"valid"`
}

func (c *testCommand) Validate() error {
	if !c.Valid {
		return errors.New("not valid")
	}
	return nil
}

func newCommand() *testCommand {
	return &testCommand{BaseCommand: contracts.NewBaseCommand("TestCommand"), Valid: true}
}

func recorder(order *[]string, name string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, req contracts.Request, next Handler) error {
		*order = append(*order, name)
		return next.Handle(ctx, req)
	})
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	t.Run("empty chain runs final handler", func(t *testing.T) {
		called := false
		h := NewChain().Then(HandlerFunc(func(context.Context, contracts.Request) error {
			called = true
			return nil
		}))
		require.NoError(t, h.Handle(ctx, newCommand()))
		assert.True(t, called)
	})

	t.Run("nil final ends in terminal no-op", func(t *testing.T) {
		var order []string
		h := NewChain(recorder(&order, "a"), recorder(&order, "b")).Then(nil)
		require.NoError(t, h.Handle(ctx, newCommand()))
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("interceptor can short-circuit", func(t *testing.T) {
		stop := NewInterceptorFunc("stop", func(context.Context, contracts.Request, Handler) error {
			return errors.New("stopped")
		})
		called := false
		h := NewChain(stop).Then(HandlerFunc(func(context.Context, contracts.Request) error {
			called = true
			return nil
		}))
		assert.EqualError(t, h.Handle(ctx, newCommand()), "stopped")
		assert.False(t, called)
	})
}

func TestCompose(t *testing.T) {
	ctx := context.Background()

	t.Run("orders before steps, handler, then after steps", func(t *testing.T) {
		var order []string
		handler := HandlerFunc(func(context.Context, contracts.Request) error {
			order = append(order, "handler")
			return nil
		})
		steps := []Step{
			UseInterceptor(2, After, recorder(&order, "after-2")),
			UseInterceptor(2, Before, recorder(&order, "before-2")),
			UseInterceptor(1, After, recorder(&order, "after-1")),
			UseInterceptor(1, Before, recorder(&order, "before-1")),
		}

		chain, err := Compose(Deps{HandlerName: "h"}, handler, steps)
		require.NoError(t, err)
		require.NoError(t, chain.Then(nil).Handle(ctx, newCommand()))

		assert.Equal(t, []string{"before-1", "before-2", "handler", "after-1", "after-2"}, order)
	})

	t.Run("after steps are skipped when the handler fails", func(t *testing.T) {
		var order []string
		handler := HandlerFunc(func(context.Context, contracts.Request) error {
			return errors.New("handler failed")
		})
		chain, err := Compose(Deps{HandlerName: "h"}, handler, []Step{
			UseInterceptor(1, After, recorder(&order, "after")),
		})
		require.NoError(t, err)

		assert.Error(t, chain.Then(nil).Handle(ctx, newCommand()))
		assert.Empty(t, order)
	})

	t.Run("missing policy fails the build with a configuration error", func(t *testing.T) {
		_, err := Compose(Deps{Policies: reliability.NewRegistry(), HandlerName: "h"}, Terminal, []Step{
			UsePolicy(1, "missing-policy"),
		})
		require.Error(t, err)
		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "missing-policy")
	})

	t.Run("step without builder is a configuration error", func(t *testing.T) {
		_, err := Compose(Deps{HandlerName: "h"}, Terminal, []Step{{Order: 1}})
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

func TestPolicyInterceptor(t *testing.T) {
	ctx := context.Background()

	t.Run("retry policy reprocesses until success", func(t *testing.T) {
		reg := reliability.NewRegistry()
		require.NoError(t, reg.Register(reliability.NewRetrier("retry-3", 3, reliability.NewFixedDelay(0))))

		calls := 0
		handler := HandlerFunc(func(context.Context, contracts.Request) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		chain, err := Compose(Deps{Policies: reg, HandlerName: "h"}, handler, []Step{UsePolicy(1, "retry-3")})
		require.NoError(t, err)
		assert.NoError(t, chain.Then(nil).Handle(ctx, newCommand()))
		assert.Equal(t, 3, calls)
		assert.Equal(t, []string{"PolicyInterceptor(retry-3)", "h"}, chain.Names())
	})

	t.Run("nil registry is a configuration error", func(t *testing.T) {
		_, err := NewPolicyInterceptor(nil, "retry")
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	t.Run("logging interceptor logs failures", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		ic := NewLoggingInterceptor(logger)

		err := ic.Intercept(ctx, newCommand(), HandlerFunc(func(context.Context, contracts.Request) error {
			return errors.New("boom")
		}))
		assert.Error(t, err)
		assert.Contains(t, buf.String(), "request handling failed")
		assert.Contains(t, buf.String(), "requestType=TestCommand")
	})

	t.Run("timeout interceptor bounds slow handlers", func(t *testing.T) {
		ic := NewTimeoutInterceptor(10 * time.Millisecond)
		err := ic.Intercept(ctx, newCommand(), HandlerFunc(func(ctx context.Context, _ contracts.Request) error {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return nil
		}))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("timeout interceptor raises handler panics on the calling goroutine", func(t *testing.T) {
		ic := NewTimeoutInterceptor(time.Second)
		assert.PanicsWithValue(t, "bug", func() {
			_ = ic.Intercept(ctx, newCommand(), HandlerFunc(func(context.Context, contracts.Request) error {
				panic("bug")
			}))
		})

		err := ic.Intercept(ctx, newCommand(), Terminal)
		assert.NoError(t, err)
	})

	t.Run("timeout interceptor survives a panic after the deadline", func(t *testing.T) {
		ic := NewTimeoutInterceptor(5 * time.Millisecond)
		finished := make(chan struct{})
		err := ic.Intercept(ctx, newCommand(), HandlerFunc(func(ctx context.Context, _ contracts.Request) error {
			defer close(finished)
			<-ctx.Done()
			panic("late bug")
		}))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("handler goroutine did not exit")
		}
	})

	t.Run("validation interceptor rejects invalid requests permanently", func(t *testing.T) {
		cmd := newCommand()
		cmd.Valid = false

		err := ValidationInterceptor{}.Intercept(ctx, cmd, Terminal)
		assert.ErrorIs(t, err, ErrInvalidRequest)

		var retryable interface{ IsRetryable() bool }
		require.ErrorAs(t, err, &retryable)
		assert.False(t, retryable.IsRetryable())
	})
}

func TestInboxInterceptor(t *testing.T) {
	ctx := context.Background()

	t.Run("second delivery skips the handler", func(t *testing.T) {
		inbox := memory.NewInbox()
		calls := 0
		handler := HandlerFunc(func(context.Context, contracts.Request) error {
			calls++
			return nil
		})
		chain, err := Compose(Deps{Inbox: inbox, HandlerName: "orders"}, handler, []Step{UseInbox(0, "", OnceOnlyWarn)})
		require.NoError(t, err)
		h := chain.Then(nil)

		cmd := newCommand()
		require.NoError(t, h.Handle(ctx, cmd))
		require.NoError(t, h.Handle(ctx, cmd))
		assert.Equal(t, 1, calls)

		exists, err := inbox.Exists(ctx, cmd.ID, "orders")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("once-only throw reports the duplicate", func(t *testing.T) {
		inbox := memory.NewInbox()
		ic := NewInboxInterceptor(inbox, "orders", OnceOnlyThrow, nil)
		cmd := newCommand()

		require.NoError(t, ic.Intercept(ctx, cmd, Terminal))
		assert.ErrorIs(t, ic.Intercept(ctx, cmd, Terminal), ErrAlreadyProcessed)
	})

	t.Run("failed handling is not recorded", func(t *testing.T) {
		inbox := memory.NewInbox()
		ic := NewInboxInterceptor(inbox, "orders", OnceOnlyWarn, nil)
		cmd := newCommand()

		err := ic.Intercept(ctx, cmd, HandlerFunc(func(context.Context, contracts.Request) error {
			return errors.New("boom")
		}))
		assert.Error(t, err)
		assert.Equal(t, 0, inbox.Len())
	})

	t.Run("inbox step without inbox is a configuration error", func(t *testing.T) {
		_, err := Compose(Deps{HandlerName: "h"}, Terminal, []Step{UseInbox(0, "", OnceOnlyWarn)})
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

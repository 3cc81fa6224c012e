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
)

type mockClearer struct {
	mock.Mock
}

func (m *mockClearer) ClearOutstanding(ctx context.Context, olderThan time.Duration, pageSize int) (int, error) {
	args := m.Called(ctx, olderThan, pageSize)
	return args.Int(0), args.Error(1)
}

type countingClearer struct {
	calls atomic.Int32
}

func (c *countingClearer) ClearOutstanding(context.Context, time.Duration, int) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestOutboxSweeper(t *testing.T) {
	ctx := context.Background()

	t.Run("sweep pages until a short page", func(t *testing.T) {
		clearer := &mockClearer{}
		clearer.On("ClearOutstanding", mock.Anything, 5*time.Second, 2).Return(2, nil).Twice()
		clearer.On("ClearOutstanding", mock.Anything, 5*time.Second, 2).Return(1, nil).Once()

		s, err := NewOutboxSweeper(clearer, WithSweepPageSize(2))
		require.NoError(t, err)
		n, err := s.Sweep(ctx)

		require.NoError(t, err)
		assert.Equal(t, 5, n)
		clearer.AssertNumberOfCalls(t, "ClearOutstanding", 3)
	})

	t.Run("sweep stops at the first error", func(t *testing.T) {
		clearer := &mockClearer{}
		boom := errors.New("boom")
		clearer.On("ClearOutstanding", mock.Anything, mock.Anything, mock.Anything).Return(1, boom)

		s, err := NewOutboxSweeper(clearer)
		require.NoError(t, err)
		n, err := s.Sweep(ctx)

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, n)
	})

	t.Run("start runs periodically until stop", func(t *testing.T) {
		clearer := &countingClearer{}
		s, err := NewOutboxSweeper(clearer, WithSweepInterval(10*time.Millisecond))
		require.NoError(t, err)

		s.Start(ctx)
		s.Start(ctx)
		assert.Eventually(t, func() bool { return clearer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		s.Stop()

		after := clearer.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, clearer.calls.Load())
		s.Stop()
	})
	t.Run("non-positive interval is rejected", func(t *testing.T) {
		for _, interval := range []time.Duration{0, -time.Second} {
			s, err := NewOutboxSweeper(&countingClearer{}, WithSweepInterval(interval))
			assert.Nil(t, s)
			assert.True(t, contracts.IsConfigurationError(err), "interval %v", interval)
		}
	})

	t.Run("empty page size is rejected", func(t *testing.T) {
		_, err := NewOutboxSweeper(&countingClearer{}, WithSweepPageSize(0))
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

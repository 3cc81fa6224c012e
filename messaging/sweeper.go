package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
)

// OutboxClearer is the part of the processor the sweeper drives
type OutboxClearer interface {
	ClearOutstanding(ctx context.Context, olderThan time.Duration, pageSize int) (int, error)
}

// OutboxSweeper periodically clears outstanding outbox entries left by crashes or
// failed sends
type OutboxSweeper struct {
	clearer   OutboxClearer
	interval  time.Duration
	olderThan time.Duration
	pageSize  int
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// SweeperOption configures the sweeper
type SweeperOption func(*OutboxSweeper)

// WithSweepInterval sets how often the sweeper runs
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *OutboxSweeper) {
		s.interval = interval
	}
}

// WithSweepAge skips entries younger than olderThan so in-flight clears are not raced
func WithSweepAge(olderThan time.Duration) SweeperOption {
	return func(s *OutboxSweeper) {
		s.olderThan = olderThan
	}
}

// WithSweepPageSize bounds each sweep
func WithSweepPageSize(pageSize int) SweeperOption {
	return func(s *OutboxSweeper) {
		s.pageSize = pageSize
	}
}

// WithSweeperLogger sets the logger
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *OutboxSweeper) {
		s.logger = logger
	}
}

// NewOutboxSweeper creates a sweeper. A non-positive interval or page size is a
// configuration error.
func NewOutboxSweeper(clearer OutboxClearer, options ...SweeperOption) (*OutboxSweeper, error) {
	s := &OutboxSweeper{
		clearer:   clearer,
		interval:  30 * time.Second,
		olderThan: 5 * time.Second,
		pageSize:  100,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, contracts.NewConfigurationError("sweeper", "", fmt.Sprintf("interval must be positive, got %v", s.interval))
	}
	if s.pageSize < 1 {
		return nil, contracts.NewConfigurationError("sweeper", "", fmt.Sprintf("page size must be at least 1, got %d", s.pageSize))
	}
	return s, nil
}

// Sweep runs one pass, paging until a short page
func (s *OutboxSweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.clearer.ClearOutstanding(ctx, s.olderThan, s.pageSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.pageSize {
			return total, nil
		}
	}
}

// Start runs sweeps in the background until Stop or ctx is done
func (s *OutboxSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)
	s.logger.Info("outbox sweeper started",
		"interval", s.interval,
		"olderThan", s.olderThan,
		"pageSize", s.pageSize,
	)
}

func (s *OutboxSweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("outbox sweep incomplete", "dispatched", n, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("outbox sweep dispatched messages", "dispatched", n)
			}
		}
	}
}

// Stop halts the background loop and waits for the current sweep to finish
func (s *OutboxSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("outbox sweeper stopped")
}

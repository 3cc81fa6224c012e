package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/courier/storage"
)

var _ storage.Outbox = (*Outbox)(nil)

// Outbox is an in-memory storage.Outbox
type Outbox struct {
	mu      sync.RWMutex
	entries map[string]storage.OutboxEntry
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the memory stores
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewOutbox creates an empty outbox
func NewOutbox(opts ...Option) *Outbox {
	o := buildOptions(opts)
	return &Outbox{
		entries: make(map[string]storage.OutboxEntry),
		logger:  o.logger,
		now:     o.now,
	}
}

// Add implements storage.Outbox
func (o *Outbox) Add(ctx context.Context, entry storage.OutboxEntry, tx storage.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx == nil {
		o.insert(entry)
		return nil
	}
	mtx, ok := tx.(*Tx)
	if !ok {
		return fmt.Errorf("memory outbox: %T: %w", tx, storage.ErrUnsupportedTransaction)
	}
	return mtx.Stage(func() { o.insert(entry) })
}

func (o *Outbox) insert(entry storage.OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.entries[entry.MessageID]; exists {
		o.logger.Warn("outbox entry already exists, ignoring duplicate deposit",
			"messageId", entry.MessageID,
			"topic", entry.Topic,
		)
		return
	}
	o.entries[entry.MessageID] = entry
}

// Get implements storage.Outbox
func (o *Outbox) Get(_ context.Context, id string) (storage.OutboxEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.entries[id]
	if !ok {
		return storage.OutboxEntry{}, &storage.NotFoundError{Store: "outbox", Key: id}
	}
	return entry, nil
}

// OutstandingMessages implements storage.Outbox
func (o *Outbox) OutstandingMessages(_ context.Context, olderThan time.Duration, pageSize int) ([]storage.OutboxEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	now := o.now()
	var out []storage.OutboxEntry
	for _, entry := range o.entries {
		if entry.IsOutstanding(now, olderThan) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

// MarkDispatched implements storage.Outbox
func (o *Outbox) MarkDispatched(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id]
	if !ok {
		return &storage.NotFoundError{Store: "outbox", Key: id}
	}
	if entry.Dispatched() {
		return nil
	}
	at = at.UTC()
	entry.DispatchedAt = &at
	o.entries[id] = entry
	return nil
}

// Len returns the number of stored entries
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

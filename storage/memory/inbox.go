package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/courier/storage"
)

var _ storage.Inbox = (*Inbox)(nil)

// Inbox is an in-memory storage.Inbox
type Inbox struct {
	mu      sync.RWMutex
	entries map[string]storage.InboxEntry
	logger  *slog.Logger
}

// NewInbox creates an empty inbox
func NewInbox(opts ...Option) *Inbox {
	o := buildOptions(opts)
	return &Inbox{
		entries: make(map[string]storage.InboxEntry),
		logger:  o.logger,
	}
}

// Add implements storage.Inbox
func (i *Inbox) Add(ctx context.Context, entry storage.InboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := storage.InboxKey(entry.CommandID, entry.ContextKey)

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.entries[key]; exists {
		i.logger.Warn("inbox entry already exists, ignoring duplicate",
			"commandId", entry.CommandID,
			"contextKey", entry.ContextKey,
		)
		return nil
	}
	i.entries[key] = entry
	return nil
}

// Exists implements storage.Inbox
func (i *Inbox) Exists(_ context.Context, commandID, contextKey string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[storage.InboxKey(commandID, contextKey)]
	return ok, nil
}

// Get implements storage.Inbox
func (i *Inbox) Get(_ context.Context, commandID, contextKey string) (storage.InboxEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	key := storage.InboxKey(commandID, contextKey)
	entry, ok := i.entries[key]
	if !ok {
		return storage.InboxEntry{}, &storage.NotFoundError{Store: "inbox", Key: commandID + "/" + contextKey}
	}
	return entry, nil
}

// Len returns the number of stored entries
func (i *Inbox) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Package redis provides a Redis-backed inbox. SETNX makes the uniqueness check
// and the insert a single storage operation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/courier/storage"
)

var _ storage.Inbox = (*Inbox)(nil)

// Inbox implements storage.Inbox on Redis
type Inbox struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the inbox
type Option func(*Inbox)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(i *Inbox) {
		i.prefix = prefix
	}
}

// WithTTL expires entries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(i *Inbox) {
		i.ttl = ttl
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(i *Inbox) {
		i.logger = logger
	}
}

// NewInbox creates a Redis inbox
func NewInbox(client goredis.UniversalClient, opts ...Option) *Inbox {
	i := &Inbox{
		client: client,
		prefix: "courier:inbox:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// key length-prefixes the context key so ("a:b", "c") and ("a", "b:c") stay distinct
func (i *Inbox) key(commandID, contextKey string) string {
	return i.prefix + strconv.Itoa(len(contextKey)) + ":" + contextKey + ":" + commandID
}

// Add implements storage.Inbox
func (i *Inbox) Add(ctx context.Context, entry storage.InboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal inbox entry: %w", err)
	}

	added, err := i.client.SetNX(ctx, i.key(entry.CommandID, entry.ContextKey), data, i.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis inbox add: %w", err)
	}
	if !added {
		i.logger.Warn("inbox entry already exists, ignoring duplicate",
			"commandId", entry.CommandID,
			"contextKey", entry.ContextKey,
		)
	}
	return nil
}

// Exists implements storage.Inbox
func (i *Inbox) Exists(ctx context.Context, commandID, contextKey string) (bool, error) {
	n, err := i.client.Exists(ctx, i.key(commandID, contextKey)).Result()
	if err != nil {
		return false, fmt.Errorf("redis inbox exists: %w", err)
	}
	return n > 0, nil
}

// Get implements storage.Inbox
func (i *Inbox) Get(ctx context.Context, commandID, contextKey string) (storage.InboxEntry, error) {
	var entry storage.InboxEntry

	data, err := i.client.Get(ctx, i.key(commandID, contextKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return entry, &storage.NotFoundError{Store: "inbox", Key: commandID + "/" + contextKey}
		}
		return entry, fmt.Errorf("redis inbox get: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("failed to unmarshal inbox entry: %w", err)
	}
	return entry, nil
}

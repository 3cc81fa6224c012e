package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/glimte/courier/storage"
)

var _ storage.Inbox = (*Inbox)(nil)

const inboxPrefix = "inbox/"

// Inbox implements storage.Inbox on BadgerDB
type Inbox struct {
	db     *badger.DB
	logger *slog.Logger
}

func inboxKey(commandID, contextKey string) []byte {
	return []byte(inboxPrefix + storage.InboxKey(commandID, contextKey))
}

// Add implements storage.Inbox
func (i *Inbox) Add(ctx context.Context, entry storage.InboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := inboxKey(entry.CommandID, entry.ContextKey)
	duplicate := false

	conflict, err := update(i.db, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			duplicate = true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal inbox entry: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}
	if duplicate || conflict {
		i.logger.Warn("inbox entry already exists, ignoring duplicate",
			"commandId", entry.CommandID,
			"contextKey", entry.ContextKey,
		)
	}
	return nil
}

// Exists implements storage.Inbox
func (i *Inbox) Exists(_ context.Context, commandID, contextKey string) (bool, error) {
	err := i.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(inboxKey(commandID, contextKey))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Get implements storage.Inbox
func (i *Inbox) Get(_ context.Context, commandID, contextKey string) (storage.InboxEntry, error) {
	var entry storage.InboxEntry
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(inboxKey(commandID, contextKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{Store: "inbox", Key: commandID + "/" + contextKey}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	return entry, err
}

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/glimte/courier/storage"
)

var _ storage.Outbox = (*Outbox)(nil)

const (
	outboxMsgPrefix     = "outbox/msg/"
	outboxPendingPrefix = "outbox/pending/"
)

// Outbox implements storage.Outbox on BadgerDB
type Outbox struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

func outboxKey(id string) []byte {
	return []byte(outboxMsgPrefix + id)
}

func pendingKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", outboxPendingPrefix, ts.UnixNano(), id))
}

// Add implements storage.Outbox. With a *Tx the write joins the caller's unit of work.
func (o *Outbox) Add(ctx context.Context, entry storage.OutboxEntry, tx storage.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx != nil {
		btx, ok := tx.(*Tx)
		if !ok {
			return fmt.Errorf("badger outbox: %T: %w", tx, storage.ErrUnsupportedTransaction)
		}
		return btx.use(func(txn *badger.Txn) error {
			return o.add(txn, entry)
		})
	}

	conflict, err := update(o.db, func(txn *badger.Txn) error {
		return o.add(txn, entry)
	})
	if conflict {
		o.logDuplicate(entry)
		return nil
	}
	return err
}

func (o *Outbox) add(txn *badger.Txn, entry storage.OutboxEntry) error {
	key := outboxKey(entry.MessageID)
	_, err := txn.Get(key)
	switch {
	case err == nil:
		o.logDuplicate(entry)
		return nil
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return err
	}
	if entry.Dispatched() {
		return nil
	}
	return txn.Set(pendingKey(entry.Timestamp, entry.MessageID), nil)
}

func (o *Outbox) logDuplicate(entry storage.OutboxEntry) {
	o.logger.Warn("outbox entry already exists, ignoring duplicate deposit",
		"messageId", entry.MessageID,
		"topic", entry.Topic,
	)
}

// Get implements storage.Outbox
func (o *Outbox) Get(_ context.Context, id string) (storage.OutboxEntry, error) {
	var entry storage.OutboxEntry
	err := o.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = getEntry(txn, id)
		return err
	})
	return entry, err
}

func getEntry(txn *badger.Txn, id string) (storage.OutboxEntry, error) {
	var entry storage.OutboxEntry
	item, err := txn.Get(outboxKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return entry, &storage.NotFoundError{Store: "outbox", Key: id}
		}
		return entry, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	})
	return entry, err
}

func parsePendingKey(key string) (time.Time, string, error) {
	rest := strings.TrimPrefix(key, outboxPendingPrefix)
	stamp, id, ok := strings.Cut(rest, "/")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed pending key %q", key)
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed pending key %q: %w", key, err)
	}
	return time.Unix(0, nanos), id, nil
}

// OutstandingMessages implements storage.Outbox by walking the pending index in time order
func (o *Outbox) OutstandingMessages(_ context.Context, olderThan time.Duration, pageSize int) ([]storage.OutboxEntry, error) {
	cutoff := o.now().Add(-olderThan)
	var entries []storage.OutboxEntry

	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outboxPendingPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ts, id, err := parsePendingKey(string(it.Item().Key()))
			if err != nil {
				return err
			}
			if ts.After(cutoff) {
				break
			}

			entry, err := getEntry(txn, id)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			if pageSize > 0 && len(entries) >= pageSize {
				break
			}
		}
		return nil
	})

	return entries, err
}

// MarkDispatched implements storage.Outbox
func (o *Outbox) MarkDispatched(_ context.Context, id string, at time.Time) error {
	mark := func(txn *badger.Txn) error {
		entry, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		if entry.Dispatched() {
			return nil
		}
		at := at.UTC()
		entry.DispatchedAt = &at

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox entry: %w", err)
		}
		if err := txn.Set(outboxKey(id), data); err != nil {
			return err
		}
		return txn.Delete(pendingKey(entry.Timestamp, id))
	}

	conflict, err := update(o.db, mark)
	if conflict {
		// a concurrent marker won; the entry is dispatched either way
		return nil
	}
	return err
}

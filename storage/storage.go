// Package storage defines the outbox and inbox contracts and their shared types.
//
// Backends live in sub-packages (memory, badger, redis). Every backend treats a duplicate
// insert as an expected concurrency signal: it is logged at warning level and reported
// to the caller as success.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
)

// Common errors.
var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrTxDone is returned when a transaction is used after Commit or Rollback
	ErrTxDone = errors.New("storage: transaction already completed")
	// ErrUnsupportedTransaction is returned when a store is handed another backend's transaction
	ErrUnsupportedTransaction = errors.New("storage: unsupported transaction type")
)

// IsDuplicate reports whether err is a unique-key violation
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// Transaction is a caller-owned unit of work. Business writes and outbox deposits
// made inside one Transaction commit or roll back together.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionProvider opens transactions against a specific backend
type TransactionProvider interface {
	Begin(ctx context.Context) (Transaction, error)
}

// OutboxEntry is a message awaiting hand-off to a producer
type OutboxEntry struct {
	MessageID    string                  `json:"messageId"`
	Topic        string                  `json:"topic"`
	Header       contracts.MessageHeader `json:"header"`
	Body         []byte                  `json:"body"`
	Timestamp    time.Time               `json:"timestamp"`
	DispatchedAt *time.Time              `json:"dispatchedAt,omitempty"`
}

// NewOutboxEntry snapshots msg into an entry
func NewOutboxEntry(msg *contracts.Message) OutboxEntry {
	cp := msg.Copy()
	ts := cp.Header.TimeStamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return OutboxEntry{
		MessageID: cp.Header.ID,
		Topic:     cp.Header.Topic,
		Header:    cp.Header,
		Body:      cp.Body,
		Timestamp: ts,
	}
}

// Message rebuilds the broker message from the entry
func (e OutboxEntry) Message() *contracts.Message {
	msg := &contracts.Message{Header: e.Header, Body: e.Body}
	return msg.Copy()
}

// Dispatched reports whether the entry has been handed to a producer
func (e OutboxEntry) Dispatched() bool {
	return e.DispatchedAt != nil
}

// IsOutstanding reports whether the entry is undispatched and at least olderThan old at now
func (e OutboxEntry) IsOutstanding(now time.Time, olderThan time.Duration) bool {
	return !e.Dispatched() && !e.Timestamp.After(now.Add(-olderThan))
}

// Outbox stores outgoing messages written alongside business state
type Outbox interface {
	// Add inserts entry. A nil tx writes immediately. A duplicate MessageID is not an error.
	Add(ctx context.Context, entry OutboxEntry, tx Transaction) error
	// Get returns ErrNotFound when the id is absent
	Get(ctx context.Context, id string) (OutboxEntry, error)
	// OutstandingMessages returns undispatched entries older than olderThan, oldest first
	OutstandingMessages(ctx context.Context, olderThan time.Duration, pageSize int) ([]OutboxEntry, error)
	// MarkDispatched sets the dispatched marker. Marking twice is a no-op.
	MarkDispatched(ctx context.Context, id string, at time.Time) error
}

// InboxEntry records a processed command
type InboxEntry struct {
	CommandID   string    `json:"commandId"`
	ContextKey  string    `json:"contextKey"`
	CommandType string    `json:"commandType"`
	Body        []byte    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
}

// Inbox records processed command identities, unique on (CommandID, ContextKey)
type Inbox interface {
	// Add inserts entry. A duplicate key is not an error.
	Add(ctx context.Context, entry InboxEntry) error
	Exists(ctx context.Context, commandID, contextKey string) (bool, error)
	// Get returns ErrNotFound when absent
	Get(ctx context.Context, commandID, contextKey string) (InboxEntry, error)
}

// InboxKey is the composite key used by key-value backends
func InboxKey(commandID, contextKey string) string {
	return fmt.Sprintf("%s\x00%s", contextKey, commandID)
}

// NotFoundError wraps ErrNotFound with the missing key
type NotFoundError struct {
	Store string
	Key   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %q not found", e.Store, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Package badger provides BadgerDB-backed outbox and inbox stores.
//
// Key layout:
//   - outbox/msg/{messageID}          JSON storage.OutboxEntry
//   - outbox/pending/{unixNano}/{id}  empty; present while the entry is undispatched
//   - inbox/{contextKey}\x00{commandID} JSON storage.InboxEntry
//
// Badger transactions are optimistic (SSI). A deposit reads its key before writing, so two
// concurrent writers of the same key conflict at commit. When the store owns the transaction
// the conflict is reported as a duplicate; when the caller owns it, the caller's Commit
// returns ErrConflict and the business write is rolled back with it.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/glimte/courier/storage"
)

var _ storage.TransactionProvider = (*Store)(nil)

// Store owns the BadgerDB handle shared by the outbox and inbox
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	outbox *Outbox
	inbox  *Inbox

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration
type Config struct {
	Dir        string        `yaml:"dir"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Option configures the store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens a BadgerDB-backed store
func New(cfg Config, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil
	bopts.SyncWrites = cfg.SyncWrites
	bopts.NumVersionsToKeep = 1

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   slog.Default(),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.outbox = &Outbox{db: db, logger: s.logger, now: time.Now}
	s.inbox = &Inbox{db: db, logger: s.logger}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

// Outbox returns the outbox store
func (s *Store) Outbox() *Outbox {
	return s.outbox
}

// Inbox returns the inbox store
func (s *Store) Inbox() *Inbox {
	return s.inbox
}

// DB exposes the database for business-state writes
func (s *Store) DB() *badger.DB {
	return s.db
}

// Begin implements storage.TransactionProvider
func (s *Store) Begin(ctx context.Context) (storage.Transaction, error) {
	return s.BeginTx(ctx)
}

// BeginTx opens a read-write transaction for business writes and deposits
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{txn: s.db.NewTransaction(true)}, nil
}

// Close stops value log GC and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.gcDone:
	default:
		close(s.gcStopCh)
		<-s.gcDone
	}

	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing to reclaim
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

var _ storage.Transaction = (*Tx)(nil)

// Tx wraps a read-write badger.Txn
type Tx struct {
	mu   sync.Mutex
	txn  *badger.Txn
	done bool
}

// Txn returns the underlying transaction for business writes
func (tx *Tx) Txn() *badger.Txn {
	return tx.txn
}

// Commit implements storage.Transaction. A concurrent write to a key read in this
// transaction fails with badger.ErrConflict.
func (tx *Tx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	tx.done = true
	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

// Rollback implements storage.Transaction
func (tx *Tx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.txn.Discard()
	return nil
}

func (tx *Tx) use(fn func(*badger.Txn) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	return fn(tx.txn)
}

// update runs fn in its own transaction. A commit conflict means a concurrent
// writer touched the same key first; the caller decides what that means.
func update(db *badger.DB, fn func(*badger.Txn) error) (conflict bool, err error) {
	err = db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return true, nil
	}
	return false, err
}

// Package memory provides in-process outbox and inbox stores.
//
// Uniqueness is enforced by map keys under a store mutex, so concurrent duplicate
// inserts resolve inside the store rather than by caller-side read-then-write.
package memory

import (
	"context"
	"sync"

	"github.com/glimte/courier/storage"
)

var _ storage.Transaction = (*Tx)(nil)

// Tx stages writes and applies them in order on Commit
type Tx struct {
	mu     sync.Mutex
	staged []func()
	done   bool
}

// Stage queues a write to apply on Commit. Business code stages its own writes here too.
func (tx *Tx) Stage(apply func()) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	tx.staged = append(tx.staged, apply)
	return nil
}

// Commit applies staged writes
func (tx *Tx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	tx.done = true
	for _, apply := range tx.staged {
		apply()
	}
	tx.staged = nil
	return nil
}

// Rollback discards staged writes
func (tx *Tx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.staged = nil
	return nil
}

// TxProvider begins memory transactions
type TxProvider struct{}

// Begin implements storage.TransactionProvider
func (TxProvider) Begin(context.Context) (storage.Transaction, error) {
	return &Tx{}, nil
}

package pump

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many proactor pumps handle messages at once. Pumps hold a
// worker only while handling, never while waiting on Receive.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewWorkerPool creates a pool of size workers
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of workers
func (p *WorkerPool) Size() int {
	return p.size
}

// Acquire blocks until a worker is free or ctx is done
func (p *WorkerPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a worker
func (p *WorkerPool) Release() {
	p.sem.Release(1)
}

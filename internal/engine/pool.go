package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// Pool runs executions on at most size concurrent workers. Dispatch never
// blocks the caller: queued work waits for a slot in its own goroutine.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a pool with size workers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Go schedules fn and returns a channel that is closed once fn has returned.
// fn receives ctx detached from the caller's cancellation.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)

	p.wg.Go(func() {
		defer close(done)
		// Acquire only fails on cancellation, which ctx no longer carries.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn(ctx)
	})
	return done
}

// Wait blocks until all dispatched work has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

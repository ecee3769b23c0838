package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolStats is a snapshot of worker pool counters.
type PoolStats struct {
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPool runs submitted tasks on at most size goroutines. Task errors are
// reported through the onError callback given to NewWorkerPool.
type WorkerPool struct {
	slots   chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
	onError func(error)

	mu     sync.Mutex
	closed bool

	running   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with the given concurrency. onError may be nil.
func NewWorkerPool(size int, onError func(error)) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
		onError: onError,
	}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}

	// wg.Add must not race with Close's wg.Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.running.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.onError(fmt.Errorf("worker panic: %v", r))
			}
			p.running.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			p.onError(err)
			return
		}
		p.succeeded.Add(1)
	}()
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects further submissions and waits for running tasks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns the current counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

// Package offload runs blocking work on a bounded set of workers and hands the
// caller a Future to wait on.
//
// A task runs on a context detached from the submitter's cancellation: once a
// task has started, abandoning the Future does not stop it.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("offload pool is closed")

// Task is a unit of blocking work.
type Task func(ctx context.Context) error

// Future is the pending result of a submitted Task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done. When ctx ends first the
// task keeps running and Wait returns ctx.Err().
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

func resolved(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.resolve(err)
	return f
}

// Pool bounds how many tasks run at once.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	inFlight int
	wg       sync.WaitGroup
}

// New creates a pool with room for size concurrent tasks.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With("component", "offload"),
	}
}

// Size returns the worker limit.
func (p *Pool) Size() int { return int(p.size) }

// InFlight returns the number of tasks accepted and not yet finished,
// including those still waiting for a worker slot.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Submit schedules fn. Waiting for a free slot honors ctx; once the task starts
// it runs to completion regardless of ctx.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) *Future {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return resolved(ErrClosed)
	}
	p.inFlight++
	p.wg.Add(1)
	p.mu.Unlock()

	f := &Future{done: make(chan struct{})}
	taskCtx := context.WithoutCancel(ctx)

	go func() {
		defer p.finish()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.resolve(fmt.Errorf("wait for worker slot: %w", err))
			return
		}
		defer p.sem.Release(1)

		p.logger.Debug("task started", "task", name)
		err := p.runTask(taskCtx, name, fn)
		p.logger.Debug("task finished", "task", name, "error", err)
		f.resolve(err)
	}()

	return f
}

// Run submits fn and waits for it.
func (p *Pool) Run(ctx context.Context, name string, fn Task) error {
	return p.Submit(ctx, name, fn).Wait(ctx)
}

// Close stops accepting tasks and waits for accepted ones to finish, or for
// ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d in-flight tasks: %w", p.InFlight(), ctx.Err())
	}
}

func (p *Pool) finish() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) runTask(ctx context.Context, name string, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

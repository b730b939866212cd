// Package workerpool runs work that must stay off the display loop, such as
// delivering mode-change notifications to on-screen-display sinks.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/frametiming/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work. ctx is cancelled once the pool has shut down.
type Task func(ctx context.Context)

// Stats counts what happened to submitted tasks.
type Stats struct {
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
	Panicked  uint64 `json:"panicked"`
}

// Pool is a fixed set of workers behind a bounded queue. Submit never
// blocks, so it can be called from the display loop.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	queue  chan Task

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// New starts workers goroutines reading from a queue of queueSize. Both are
// raised to at least one.
func New(workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.workers.Add(workers)
	for range workers {
		go p.work()
	}
	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Context is cancelled once Shutdown returns.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit queues a task. It reports false when the pool is shut down or the
// queue is full; the task is then dropped.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
	}
	if n := p.rejected.Add(1); n == 1 || n%100 == 0 {
		log.Warn("queue full, task dropped", "rejected", n)
	}
	return false
}

// Stats returns the task counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Shutdown closes the queue, lets the workers finish what is already queued
// and waits for them until ctx is done. The pool context is cancelled either
// way, which tells tasks still running to give up.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool stopped", "completed", p.completed.Load())
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out", "error", ctx.Err())
	}
	p.cancel()
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
	p.completed.Add(1)
}

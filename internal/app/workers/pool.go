// Package workers runs store mutations and broadcast fan-out off the
// caller's goroutine on a fixed-size pool with a bounded queue.
package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

var (
	// ErrQueueFull reports that the bounded queue rejected the task.
	ErrQueueFull = errors.New("workers: queue full")
	// ErrClosed reports a submit after Close.
	ErrClosed = errors.New("workers: pool closed")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Pool executes submitted tasks on a fixed number of goroutines. The
// queue is bounded; when it is full Submit fails fast instead of
// blocking the caller.
type Pool struct {
	queue chan func()
	wg    sync.WaitGroup
	log   *logger.Logger
	m     *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// New starts a pool. Non-positive sizes fall back to the defaults. The
// logger and metrics set may be nil.
func New(workers, queueSize int, log *logger.Logger, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.NewDefault("workers")
	}

	p := &Pool{
		queue: make(chan func(), queueSize),
		log:   log,
		m:     m,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.queue {
		if p.m != nil {
			p.m.WorkerQueueDepth.Dec()
		}
		p.safeRun(task)
	}
}

func (p *Pool) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("task panicked")
		}
	}()
	task()
}

// Submit enqueues the task without blocking. ErrQueueFull when the
// queue is at capacity, ErrClosed after Close.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		if p.m != nil {
			p.m.WorkerQueueDepth.Inc()
		}
		return nil
	default:
		if p.m != nil {
			p.m.TasksDropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues the task and blocks until it finishes or the
// context is done. The task still runs to completion on the pool even
// if the caller gives up waiting.
func (p *Pool) SubmitWait(ctx context.Context, task func()) error {
	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

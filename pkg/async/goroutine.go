package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kantong-id/kantong/pkg/observability"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrPoolFull is returned by Submit when the queue has no room
	ErrPoolFull = errors.New("worker pool queue is full")
)

// SafeGo executes fn in a goroutine bounded by timeout. Panics are
// recovered and errors logged.
//
// Example:
//
//	async.SafeGo(ctx, time.Minute, "subscription sweep", func(ctx context.Context) error {
//	    _, err := ledger.ExpireLapsed(ctx, time.Now())
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		run(ctx, taskName, fn)
	}()
}

func run(ctx context.Context, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(ctx).WithField("task", taskName)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("panic in background task: %v", r)
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithError(err).Warn("background task failed")
	}
}

// WorkerPool runs submitted tasks on a fixed number of workers
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	wg     sync.WaitGroup
}

// NewWorkerPool starts workers goroutines with a queue of queueSize
// pending tasks. Every task gets its own timeout.
func NewWorkerPool(ctx context.Context, workers, queueSize int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		workCh:   make(chan func(context.Context) error, queueSize),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn without blocking
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued ones
// to finish. Tasks still running after timeout see their context
// canceled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for fn := range p.workCh {
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		run(ctx, p.taskName, fn)
		cancel()
	}
}

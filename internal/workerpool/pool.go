// Package workerpool provides a bounded goroutine pool backing async
// ingest/load/query futures, adapted from the teacher's
// omem.ParallelProcessor: a fixed worker count draining a buffered task
// channel, with context cancellation propagated into each task and a
// graceful, timeout-bounded shutdown.
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapllm/snapllm/internal/snaperr"
)

// Config sizes a Pool.
type Config struct {
	// MaxWorkers is the number of goroutines draining the task queue.
	// 0 selects runtime.NumCPU().
	MaxWorkers int
	// QueueSize bounds how many submitted-but-not-yet-running tasks may
	// queue before Submit blocks.
	QueueSize int
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return cfg
}

type task struct {
	ctx      context.Context
	fn       func(ctx context.Context) error
	resultCh chan<- error
}

// Pool is a bounded worker pool for async ingest/query/load operations.
type Pool struct {
	cfg         Config
	workerCount int

	taskCh  chan task
	wg      sync.WaitGroup
	running atomic.Bool

	submittedCount atomic.Int64
	completedCount atomic.Int64
	errorCount     atomic.Int64

	stopCh chan struct{}
}

// New builds a Pool. Workers are not started until the first Submit (or an
// explicit Start call).
func New(cfg Config) *Pool {
	cfg = applyDefaults(cfg)
	return &Pool{
		cfg:         cfg,
		workerCount: cfg.MaxWorkers,
		taskCh:      make(chan task, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start more than once, or
// after Submit already started the pool, is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t, ok := <-p.taskCh:
			if !ok {
				return
			}
			err := t.fn(t.ctx)
			p.completedCount.Add(1)
			if err != nil {
				p.errorCount.Add(1)
			}
			if t.resultCh != nil {
				select {
				case t.resultCh <- err:
				default:
				}
			}
		}
	}
}

// Submit enqueues fn for async execution, returning once it is queued (not
// once it has run). It blocks while the queue is full, and returns an
// error if the pool is stopped or ctx is cancelled first.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.Start()
	p.submittedCount.Add(1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return snaperr.New(snaperr.Cancelled, "workerpool_submit", "pool stopped")
	case p.taskCh <- task{ctx: ctx, fn: fn}:
		return nil
	}
}

// SubmitAndWait enqueues fn and blocks until it completes or ctx is
// cancelled.
func (p *Pool) SubmitAndWait(ctx context.Context, fn func(ctx context.Context) error) error {
	p.Start()
	p.submittedCount.Add(1)
	resultCh := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return snaperr.New(snaperr.Cancelled, "workerpool_submit_and_wait", "pool stopped")
	case p.taskCh <- task{ctx: ctx, fn: fn, resultCh: resultCh}:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resultCh:
		return err
	}
}

// Stop drains in-flight work and stops accepting new tasks, returning a
// timeout error if workers don't finish in time.
func (p *Pool) Stop(timeout time.Duration) error {
	if !p.running.Swap(false) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return snaperr.New(snaperr.Timeout, "workerpool_stop", "workers did not finish before timeout")
	}
}

// QueueLength reports the number of tasks currently queued.
func (p *Pool) QueueLength() int { return len(p.taskCh) }

// Stats is a snapshot of pool activity, suitable for CLI/metrics display.
type Stats struct {
	WorkerCount int
	Running     bool
	QueueLength int
	Submitted   int64
	Completed   int64
	Errors      int64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		WorkerCount: p.workerCount,
		Running:     p.running.Load(),
		QueueLength: len(p.taskCh),
		Submitted:   p.submittedCount.Load(),
		Completed:   p.completedCount.Load(),
		Errors:      p.errorCount.Load(),
	}
}

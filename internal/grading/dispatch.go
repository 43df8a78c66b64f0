package grading

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"homework-grader/internal/apperr"
)

// Task is one background unit of work: grade a submission under a run.
type Task struct {
	SubmissionID string `json:"submission_id"`
	RunID        string `json:"run_id"`
}

// Dispatcher detaches a Task from the caller. Dispatch must not wait for the
// task to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// DispatchFunc adapts a function to Dispatcher. A func that runs the task
// directly gives a synchronous dispatcher.
type DispatchFunc func(ctx context.Context, task Task) error

func (f DispatchFunc) Dispatch(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Runner executes a Task to completion.
type Runner func(ctx context.Context, task Task)

// Pool runs tasks on a fixed set of goroutines fed by a buffered channel.
type Pool struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
		ch:      make(chan Task, 256),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Calls after the first are ignored.
func (p *Pool) Start(run Runner) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("grading.pool.worker_started", "worker_id", workerID)
				for task := range p.ch {
					ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
					run(ctx, task)
					cancel()
				}
				p.logger.Debug("grading.pool.worker_stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Dispatch queues the task, waiting for room only as long as ctx allows.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return apperr.New(apperr.KindInternal, "grading pool is shutting down")
	}
	select {
	case p.ch <- task:
		return nil
	default:
	}
	p.logger.Warn("grading.pool.full", "submission_id", task.SubmissionID)
	select {
	case p.ch <- task:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindInternal, "grading pool full", ctx.Err())
	}
}

// Shutdown stops accepting tasks and waits for queued ones to drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("grading.pool.shutdown_interrupted")
	case <-done:
		p.logger.Info("grading.pool.drained")
	}
}

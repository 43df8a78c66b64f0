package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"homework-grader/internal/config"
	"homework-grader/internal/grading"
	"homework-grader/internal/telemetry"
)

// TaskQueue is the leasing queue the processor consumes.
type TaskQueue interface {
	DequeueWithLease(ctx context.Context) (grading.Task, bool, error)
	ExtendLease(ctx context.Context, task grading.Task, extension time.Duration) error
	Ack(ctx context.Context, task grading.Task) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, []grading.Task, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Grader runs and abandons grading units.
type Grader interface {
	Run(ctx context.Context, task grading.Task)
	Abandon(ctx context.Context, task grading.Task, reason string)
}

const maxErrorBackoff = 30 * time.Second

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    TaskQueue
	grader   Grader
	log      *slog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q TaskQueue, g Grader, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, g, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, q TaskQueue, g Grader, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerIdleWait <= 0 {
		cfg.WorkerIdleWait = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 3 * time.Minute
	}
	if workerID != "" {
		logger = logger.With("worker_id", workerID)
	}
	return &Processor{cfg: cfg, queue: q, grader: g, log: logger, workerID: workerID}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.reclaim(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			failures++
			p.log.Warn("worker.dequeue_failed", "error", err, "failures", failures)
			if err := wait(ctx, backoffWithJitter(p.cfg.WorkerIdleWait, maxErrorBackoff, failures)); err != nil {
				return err
			}
			continue
		}
		failures = 0
		if !ok {
			if err := wait(ctx, p.cfg.WorkerIdleWait); err != nil {
				return err
			}
			continue
		}
		p.handle(ctx, task)
	}
}

// reclaim returns expired leases to the queue and fails runs that exhausted
// their deliveries.
func (p *Processor) reclaim(ctx context.Context) {
	requeued, dead, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		p.log.Warn("worker.requeue_failed", "error", err)
		return
	}
	if requeued > 0 {
		p.log.Info("worker.leases_reclaimed", "count", requeued)
	}
	for _, task := range dead {
		p.grader.Abandon(ctx, task, fmt.Sprintf("grading worker lost its lease %d times", p.cfg.MaxDeliveries))
	}
}

func (p *Processor) handle(ctx context.Context, task grading.Task) {
	log := p.log.With("submission_id", task.SubmissionID, "run_id", task.RunID)
	log.Info("worker.task_leased")

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.heartbeat(taskCtx, task, stop)
	}()

	p.grader.Run(taskCtx, task)
	close(stop)
	<-done

	// ack even when shutting down, the outcome is already persisted
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()
	if err := p.queue.Ack(ackCtx, task); err != nil {
		log.Warn("worker.ack_failed", "error", err)
	}
}

// heartbeat keeps the lease alive while a unit is running.
func (p *Processor) heartbeat(ctx context.Context, task grading.Task, stop <-chan struct{}) {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, task, p.cfg.VisibilityTimeout); err != nil {
				p.log.Warn("worker.extend_lease_failed", "submission_id", task.SubmissionID, "error", err)
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// DeliveryExecutor runs one delivery to completion.
type DeliveryExecutor interface {
	Execute(ctx context.Context, d *model.Delivery) error
}

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Consumer core.TaskConsumer
	Executor DeliveryExecutor
	Logger   *slog.Logger
	Metrics  statsd.Sink

	Concurrency        int           // pool size; defaults to 1
	PollTimeout        time.Duration // blocking dequeue wait; defaults to 5s
	RedeliveryInterval time.Duration // expired-lease sweep period; defaults to 30s
	ErrorPause         time.Duration // wait after a failed dequeue; defaults to 1s
}

// Runner pulls deliveries from the queue and hands them to the executor.
type Runner struct {
	consumer   core.TaskConsumer
	exec       DeliveryExecutor
	logger     *slog.Logger
	metrics    statsd.Sink
	workers    int
	poll       time.Duration
	redeliver  time.Duration
	errorPause time.Duration
}

// NewRunner validates opts and applies defaults.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Consumer == nil {
		return nil, errors.New("task consumer is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		consumer:   opts.Consumer,
		exec:       opts.Executor,
		logger:     logger.With("component", "worker_runner"),
		metrics:    opts.Metrics,
		workers:    max(opts.Concurrency, 1),
		poll:       opts.PollTimeout,
		redeliver:  opts.RedeliveryInterval,
		errorPause: opts.ErrorPause,
	}
	if r.poll <= 0 {
		r.poll = 5 * time.Second
	}
	if r.redeliver <= 0 {
		r.redeliver = 30 * time.Second
	}
	if r.errorPause <= 0 {
		r.errorPause = time.Second
	}
	return r, nil
}

// Run starts the pool and the redelivery loop and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker pool", "workers", r.workers, "poll", r.poll)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			r.workerLoop(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		r.redeliveryLoop(gctx)
		return nil
	})

	err := g.Wait()
	r.logger.InfoContext(ctx, "worker pool stopped")
	return err
}

func (r *Runner) workerLoop(ctx context.Context, id int) {
	log := r.logger.With("worker", id)
	for ctx.Err() == nil {
		d, err := r.consumer.Dequeue(ctx, r.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "dequeue failed", "error", err)
			r.count("worker.dequeue_error", 1)
			if !sleepCtx(ctx, r.errorPause) {
				return
			}
			continue
		}
		if d == nil {
			continue
		}
		if err := r.exec.Execute(ctx, d); err != nil {
			log.WarnContext(ctx, "delivery did not finish", "job_id", d.JobID, "task_id", d.TaskID, "error", err)
		}
	}
}

func (r *Runner) redeliveryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.redeliver)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.consumer.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.ErrorContext(ctx, "requeue expired deliveries failed", "error", err)
				}
				continue
			}
			if n > 0 {
				r.logger.InfoContext(ctx, "requeued expired deliveries", "count", n)
				r.count("worker.redelivered", int64(n))
			}
		}
	}
}

func (r *Runner) count(name string, n int64) {
	if r.metrics != nil {
		r.metrics.Count(name, n, nil)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

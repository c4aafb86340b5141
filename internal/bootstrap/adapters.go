package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/adapters/reconciler"
	redisadapter "github.com/target/review-pulse/internal/adapters/redis"
	"github.com/target/review-pulse/internal/adapters/worker"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// WorkerRunConfig groups dependencies for RunWorker.
type WorkerRunConfig struct {
	Executor *worker.Executor
	Queue    *redisadapter.TaskQueue
	Config   config.WorkerConfig
	Metrics  statsd.Sink
	Logger   *slog.Logger
}

// RunWorker consumes analysis tasks until ctx is done.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	if cfg.Executor == nil || cfg.Queue == nil {
		return errors.New("worker requires an executor and a task queue")
	}
	runner, err := worker.NewRunner(worker.RunnerOptions{
		Consumer:           cfg.Queue,
		Executor:           cfg.Executor,
		Logger:             cfg.Logger,
		Metrics:            cfg.Metrics,
		Concurrency:        cfg.Config.Concurrency,
		PollTimeout:        cfg.Config.PollTimeout,
		RedeliveryInterval: cfg.Config.RedeliveryInterval,
	})
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// ReconcilerRunConfig groups dependencies for RunReconciler.
type ReconcilerRunConfig struct {
	Sweeper  reconciler.Sweeper
	Schedule string
	Metrics  statsd.Sink
	Logger   *slog.Logger
}

// RunReconciler sweeps on the configured cron schedule until ctx is done.
func RunReconciler(ctx context.Context, cfg ReconcilerRunConfig) error {
	runner, err := reconciler.NewRunner(reconciler.RunnerOptions{
		Sweeper:  cfg.Sweeper,
		Schedule: cfg.Schedule,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// EventRelayConfig groups dependencies for RunEventRelay.
type EventRelayConfig struct {
	Bus    *redisadapter.EventBus
	Hub    *job.Hub
	Logger *slog.Logger
	// Retry spaces resubscription attempts; MaxAttempts is ignored.
	Retry job.Backoff
}

// RunEventRelay feeds events published by any process into the local hub. A
// dropped subscription is re-established until ctx is done; events published
// while it is down are not replayed.
func RunEventRelay(ctx context.Context, cfg EventRelayConfig) error {
	if cfg.Bus == nil || cfg.Hub == nil {
		return errors.New("event relay requires an event bus and a hub")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.Base <= 0 {
		retry = job.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}

	for attempt := 1; ; attempt++ {
		err := cfg.Bus.Relay(ctx, cfg.Hub)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			attempt = 0
			continue
		}
		delay := retry.Delay(attempt)
		logger.WarnContext(ctx, "event relay interrupted; resubscribing",
			"attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Package reconciler runs the status reconciler on a cron schedule.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/target/review-pulse/internal/observability/statsd"
	"github.com/target/review-pulse/internal/service"
)

// Sweeper performs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Sweeper  Sweeper
	Schedule string // cron expression or descriptor, e.g. "@every 10s"
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// SkipInitialSweep disables the sweep run before the first scheduled tick.
	SkipInitialSweep bool
}

// Runner drives the sweeper from a cron schedule. Ticks that arrive while a
// sweep is still running are skipped, never queued.
type Runner struct {
	sweeper  Sweeper
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	metrics  statsd.Sink
	initial  bool
}

// NewRunner validates the schedule and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reconciler schedule %q: %w", opts.Schedule, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sweeper:  opts.Sweeper,
		schedule: sched,
		spec:     opts.Schedule,
		logger:   logger.With("component", "reconciler_runner"),
		metrics:  opts.Metrics,
		initial:  !opts.SkipInitialSweep,
	}, nil
}

// Run schedules sweeps until ctx is cancelled, then waits for an in-flight
// sweep to return.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reconciler", "schedule", r.spec)

	if r.initial {
		r.tick(ctx)
	}

	clog := &cronLogger{logger: r.logger, metrics: r.metrics}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() { r.tick(ctx) }))
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()

	r.logger.InfoContext(ctx, "reconciler stopped", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.sweeper.Sweep(ctx); err != nil && !errors.Is(err, service.ErrSweepInProgress) {
		r.logger.WarnContext(ctx, "sweep finished with errors", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger and counts skipped ticks.
type cronLogger struct {
	logger  *slog.Logger
	metrics statsd.Sink
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.logger.Warn("reconciler tick skipped; previous sweep still running")
		if l.metrics != nil {
			l.metrics.Count("reconciler.sweep_skipped", 1, nil)
		}
		return
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

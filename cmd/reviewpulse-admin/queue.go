package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	redisadapter "github.com/target/review-pulse/internal/adapters/redis"
	"github.com/target/review-pulse/internal/bootstrap"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/service"
)

type queueStatsOptions struct {
	Finished int
}

func parseQueueStatsFlags(args []string) (queueStatsOptions, error) {
	fs := flag.NewFlagSet("queue-stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts queueStatsOptions
	fs.IntVar(&opts.Finished, "finished", 10, "Number of finished, unreconciled tasks to list (0 to skip)")

	if err := fs.Parse(args); err != nil {
		return queueStatsOptions{}, err
	}
	if opts.Finished < 0 {
		return queueStatsOptions{}, errors.New("--finished cannot be negative")
	}
	return opts, nil
}

func runQueueStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueueStatsFlags(args)
	if err != nil {
		return err
	}
	return withInfra(cmdCtx, connectInfraOptions{WantRedis: true}, func(ctx context.Context, conns *infra) error {
		qcfg := cmdCtx.Config.Queue
		queue, err := redisadapter.NewTaskQueue(conns.Redis, redisadapter.TaskQueueOptions{
			Prefix:            qcfg.Prefix,
			VisibilityTimeout: qcfg.VisibilityTimeout,
			MaxDeliveries:     qcfg.MaxDeliveries,
			ResultTTL:         qcfg.ResultTTL,
			Logger:            cmdCtx.Logger,
		})
		if err != nil {
			return fmt.Errorf("task queue: %w", err)
		}

		pending, processing, err := queue.Depth(ctx)
		if err != nil {
			return fmt.Errorf("queue depth: %w", err)
		}
		if err := writef(cmdCtx.Out, "Queue %q\n  pending:    %d\n  processing: %d\n", qcfg.Prefix, pending, processing); err != nil {
			return err
		}
		if opts.Finished == 0 {
			return nil
		}

		finished, err := queue.FinishedTasks(ctx, opts.Finished)
		if err != nil {
			return fmt.Errorf("finished tasks: %w", err)
		}
		return printFinishedTasks(cmdCtx.Out, finished)
	})
}

func printFinishedTasks(w io.Writer, tasks []*model.TaskSnapshot) error {
	if err := writef(w, "\nFinished tasks awaiting reconciliation\n"); err != nil {
		return err
	}
	if len(tasks) == 0 {
		return writeln(w, "(none)")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "TASK\tJOB\tSTATE\tDELIVERIES\tFINISHED\n"); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%s\n",
			t.TaskID, orDash(t.JobID), t.State, t.Deliveries, formatTime(t.FinishedAt)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// runSweep builds the same reconciler the long-running process uses, so
// applied transitions are published and alerted on as usual.
func runSweep(cmdCtx *commandContext, _ []string) error {
	return withInfra(cmdCtx, connectInfraOptions{WantDB: true, WantRedis: true}, func(ctx context.Context, conns *infra) error {
		cfg := cmdCtx.Config
		cfg.Services = "reconciler"
		cfg.Retention.Enabled = false

		services, err := bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
			Config:      &cfg,
			DB:          conns.DB,
			RedisClient: conns.Redis,
			Logger:      cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if cerr := services.Observability.Close(); cerr != nil {
				cmdCtx.Logger.Warn("close metrics client failed", "error", cerr)
			}
		}()

		rep, err := services.Reconciler.Sweep(ctx)
		if printErr := printSweepReport(cmdCtx.Out, rep); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err
	})
}

func printSweepReport(w io.Writer, rep service.SweepReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		label string
		value int
	}{
		{"checked", rep.Checked},
		{"applied", rep.Applied},
		{"skipped", rep.Skipped},
		{"failed", rep.Failed},
		{"adopted", rep.Adopted},
		{"orphans", rep.Orphans},
	}
	if err := writef(tw, "Sweep finished in %s\n", rep.Duration.Round(time.Millisecond)); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writef(tw, "  %s:\t%d\n", r.label, r.value); err != nil {
			return err
		}
	}
	return tw.Flush()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/data"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/service"
)

type listJobsOptions struct {
	Status *model.JobStatus
	Limit  int
	Offset int
	JSON   bool
}

type showJobOptions struct {
	ID   string
	JSON bool
}

type purgeJobsOptions struct {
	CompletedMaxAge time.Duration
	FailedMaxAge    time.Duration
	KeepArtifacts   bool
	Yes             bool
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts   listJobsOptions
		status string
	)
	fs.StringVar(&status, "status", "", "Filter by status (Pending, Processing, Completed, Failed)")
	fs.IntVar(&opts.Limit, "limit", 20, "Maximum number of jobs to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print jobs as JSON")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}
	if opts.Limit <= 0 {
		return listJobsOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listJobsOptions{}, errors.New("--offset cannot be negative")
	}
	if strings.TrimSpace(status) != "" {
		st, err := model.ParseJobStatus(status)
		if err != nil {
			return listJobsOptions{}, fmt.Errorf("--status: %w", err)
		}
		opts.Status = &st
	}
	return opts, nil
}

func parseShowJobFlags(args []string) (showJobOptions, error) {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts showJobOptions
	fs.StringVar(&opts.ID, "id", "", "Job id (required)")
	fs.BoolVar(&opts.JSON, "json", false, "Print the full job as JSON")

	if err := fs.Parse(args); err != nil {
		return showJobOptions{}, err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return showJobOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func parsePurgeJobsFlags(args []string, completed, failed time.Duration) (purgeJobsOptions, error) {
	fs := flag.NewFlagSet("purge-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts purgeJobsOptions
	fs.DurationVar(&opts.CompletedMaxAge, "completed-max-age", completed, "Delete Completed jobs finished before this age")
	fs.DurationVar(&opts.FailedMaxAge, "failed-max-age", failed, "Delete Failed jobs finished before this age")
	fs.BoolVar(&opts.KeepArtifacts, "keep-artifacts", false, "Leave chart bundles in storage")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return purgeJobsOptions{}, err
	}
	if opts.CompletedMaxAge < time.Hour || opts.FailedMaxAge < time.Hour {
		return purgeJobsOptions{}, errors.New("max ages must be at least 1h")
	}
	return opts, nil
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}
	return withInfra(cmdCtx, connectInfraOptions{WantDB: true}, func(ctx context.Context, conns *infra) error {
		repo := data.NewJobRepo(conns.DB, data.RepoConfig{Logger: cmdCtx.Logger})
		jobs, err := repo.List(ctx, model.JobListOptions{Status: opts.Status, Limit: opts.Limit, Offset: opts.Offset})
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, jobs)
		}
		return printJobs(cmdCtx.Out, jobs)
	})
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowJobFlags(args)
	if err != nil {
		return err
	}
	return withInfra(cmdCtx, connectInfraOptions{WantDB: true}, func(ctx context.Context, conns *infra) error {
		repo := data.NewJobRepo(conns.DB, data.RepoConfig{Logger: cmdCtx.Logger})
		j, err := repo.GetByID(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("get job %s: %w", opts.ID, err)
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, j)
		}
		return printJobDetail(cmdCtx.Out, j)
	})
}

func runPurgeJobs(cmdCtx *commandContext, args []string) error {
	retention := cmdCtx.Config.Retention
	opts, err := parsePurgeJobsFlags(args, retention.CompletedMaxAge, retention.FailedMaxAge)
	if err != nil {
		return err
	}

	confirm := confirmOptions{
		yes: opts.Yes,
		target: fmt.Sprintf("Completed jobs older than %s and Failed jobs older than %s",
			opts.CompletedMaxAge, opts.FailedMaxAge),
	}
	if confirmErr := confirmAction(cmdCtx.Out, os.Stdin, confirm, "delete"); confirmErr != nil {
		return confirmErr
	}

	// Purged jobs may still sit in the API's terminal-job cache.
	evict := cmdCtx.Config.HTTP.JobCacheTTL > 0 && hasRedisConfig(&cmdCtx.Config.Redis)
	return withInfra(cmdCtx, connectInfraOptions{WantDB: true, WantRedis: evict}, func(ctx context.Context, conns *infra) error {
		retention.CompletedMaxAge = opts.CompletedMaxAge
		retention.FailedMaxAge = opts.FailedMaxAge
		retention.DeleteArtifacts = !opts.KeepArtifacts

		svcOpts := service.RetentionServiceOptions{
			Repo:   data.NewJobRepo(conns.DB, data.RepoConfig{Logger: cmdCtx.Logger}),
			Config: retention,
			Logger: cmdCtx.Logger,
		}
		if conns.Redis != nil {
			svcOpts.Cache = data.NewRedisCacheRepo(conns.Redis, "")
		}
		if retention.DeleteArtifacts {
			store, err := storage.New(ctx, cmdCtx.Config.Storage)
			if err != nil {
				return fmt.Errorf("artifact store: %w", err)
			}
			svcOpts.Store = store
		}
		svc, err := service.NewRetentionService(svcOpts)
		if err != nil {
			return err
		}

		rep, err := svc.Purge(ctx)
		if printErr := printRetentionReport(cmdCtx.Out, rep); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err
	})
}

func printJobs(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "(no jobs found)")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tSTATUS\tFILE\tTASK\tSUBMITTED\tUPDATED\n"); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.Status,
			orDash(j.SourceName),
			orDash(deref(j.ExternalTaskID)),
			j.SubmittedAt.UTC().Format(time.RFC3339),
			j.UpdatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush jobs table: %w", err)
	}
	return writef(w, "\nTotal: %d\n", len(jobs))
}

func printJobDetail(w io.Writer, j *model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"ID", j.ID},
		{"Status", string(j.Status)},
		{"File", orDash(j.SourceName)},
		{"Source", j.SourceRef},
		{"Task", orDash(deref(j.ExternalTaskID))},
		{"Submitted", j.SubmittedAt.UTC().Format(time.RFC3339)},
		{"Started", formatTime(j.StartedAt)},
		{"Completed", formatTime(j.CompletedAt)},
		{"Updated", j.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	if j.ResultArtifactRef != nil {
		rows = append(rows, [2]string{"Charts", *j.ResultArtifactRef})
	}
	if j.Result != nil {
		summary := fmt.Sprintf("%d items, %d succeeded, %d failed", j.Result.Total, j.Result.Succeeded, j.Result.Failed)
		if j.Result.Partial {
			summary += " (partial)"
		}
		rows = append(rows, [2]string{"Result", summary})
	}
	if j.Error != nil {
		rows = append(rows, [2]string{"Error", j.Error.Code + ": " + j.Error.Message})
	}
	for _, r := range rows {
		if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printRetentionReport(w io.Writer, rep service.RetentionReport) error {
	return writef(w, "Deleted %d completed and %d failed jobs (%d chart bundles removed, %d failed) in %s\n",
		rep.Completed, rep.Failed, rep.ArtifactsDeleted, rep.ArtifactErrors, rep.Duration.Round(time.Millisecond))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

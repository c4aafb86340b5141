package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/model"
	obserrors "github.com/target/review-pulse/internal/observability/errors"
	"github.com/target/review-pulse/internal/observability/metrics"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// RetentionServiceOptions groups dependencies for RetentionService.
type RetentionServiceOptions struct {
	Repo    core.RetentionRepository // Required
	Store   core.ArtifactStore       // Required when Config.DeleteArtifacts is set
	Config  config.RetentionConfig   // Required
	Logger  *slog.Logger             // Optional
	Metrics statsd.Sink              // Optional
	// Cache is the terminal-job cache; purged jobs are evicted from it. Optional.
	Cache core.CacheRepository
}

// RetentionService deletes terminal jobs once they outlive their retention
// window, along with their chart bundles. Active jobs are never touched.
type RetentionService struct {
	repo    core.RetentionRepository
	store   core.ArtifactStore
	cache   core.CacheRepository
	cfg     config.RetentionConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// RetentionReport summarizes one purge pass.
type RetentionReport struct {
	Completed        int64
	Failed           int64
	ArtifactsDeleted int
	ArtifactErrors   int
	Duration         time.Duration
}

// Total is the number of job rows deleted.
func (r RetentionReport) Total() int64 { return r.Completed + r.Failed }

// NewRetentionService constructs a RetentionService.
func NewRetentionService(opts RetentionServiceOptions) (*RetentionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RetentionRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	if cfg.DeleteArtifacts && opts.Store == nil {
		return nil, errors.New("ArtifactStore is required when artifact deletion is enabled")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RetentionService{
		repo:    opts.Repo,
		store:   opts.Store,
		cache:   opts.Cache,
		cfg:     cfg,
		logger:  logger.With("component", "retention"),
		metrics: opts.Metrics,
	}, nil
}

// Run purges on the configured interval until ctx is canceled. It returns nil
// on graceful shutdown.
func (s *RetentionService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting retention purge",
		"interval", s.cfg.Interval,
		"completed_max_age", s.cfg.CompletedMaxAge,
		"failed_max_age", s.cfg.FailedMaxAge,
	)

	// Spread instances that start together.
	if !s.waitWithJitter(ctx) {
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Purge(ctx); err != nil && !isContextCancellation(err) {
			s.logger.ErrorContext(ctx, "retention purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "retention purge stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// waitWithJitter sleeps up to 10% of the interval; false means ctx ended first.
func (s *RetentionService) waitWithJitter(ctx context.Context) bool {
	maxJitter := int64(s.cfg.Interval / 10)
	if maxJitter <= 0 {
		return ctx.Err() == nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return ctx.Err() == nil
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Purge runs one pass over Completed and then Failed jobs.
func (s *RetentionService) Purge(ctx context.Context) (RetentionReport, error) {
	start := time.Now()
	var (
		rep  RetentionReport
		errs []error
	)

	steps := []struct {
		status model.JobStatus
		maxAge time.Duration
		count  *int64
	}{
		{status: model.JobStatusCompleted, maxAge: s.cfg.CompletedMaxAge, count: &rep.Completed},
		{status: model.JobStatusFailed, maxAge: s.cfg.FailedMaxAge, count: &rep.Failed},
	}
	for _, step := range steps {
		n, err := s.purgeStatus(ctx, step.status, step.maxAge, &rep)
		*step.count = n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s jobs: %w", step.status, err))
			if isContextCancellation(err) {
				break
			}
		}
	}

	rep.Duration = time.Since(start)
	err := errors.Join(errs...)
	s.emit(rep, err)

	if rep.Total() > 0 || rep.ArtifactErrors > 0 {
		s.logger.InfoContext(ctx, "retention purge finished",
			"completed", rep.Completed,
			"failed", rep.Failed,
			"artifacts_deleted", rep.ArtifactsDeleted,
			"artifact_errors", rep.ArtifactErrors,
			"duration", rep.Duration,
		)
	}
	return rep, err
}

// purgeStatus deletes batches until one comes back empty.
func (s *RetentionService) purgeStatus(
	ctx context.Context,
	status model.JobStatus,
	maxAge time.Duration,
	rep *RetentionReport,
) (int64, error) {
	var total int64
	for {
		batch, err := s.repo.PurgeTerminalJobs(ctx, core.PurgeJobsParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: s.cfg.BatchSize,
		})
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		total += int64(len(batch))
		s.evict(ctx, batch)
		s.deleteArtifacts(ctx, batch, rep)

		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *RetentionService) evict(ctx context.Context, batch []core.PurgedJob) {
	if s.cache == nil {
		return
	}
	for _, p := range batch {
		if _, err := s.cache.Delete(ctx, JobCacheKey(p.ID)); err != nil {
			s.logger.WarnContext(ctx, "evict cached job failed", "job_id", p.ID, "error", err)
		}
	}
}

// deleteArtifacts removes chart bundles of purged jobs. Failures are counted
// and logged; the rows are already gone.
func (s *RetentionService) deleteArtifacts(ctx context.Context, batch []core.PurgedJob, rep *RetentionReport) {
	if !s.cfg.DeleteArtifacts {
		return
	}
	for _, p := range batch {
		if p.ResultArtifactRef == nil || *p.ResultArtifactRef == "" {
			continue
		}
		if err := s.store.Delete(ctx, *p.ResultArtifactRef); err != nil {
			rep.ArtifactErrors++
			s.logger.WarnContext(ctx, "delete chart bundle failed",
				"job_id", p.ID, "ref", *p.ResultArtifactRef, "error", err)
			continue
		}
		rep.ArtifactsDeleted++
	}
}

func (s *RetentionService) emit(rep RetentionReport, err error) {
	if s.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	switch {
	case err != nil && !isContextCancellation(err):
		result = metrics.ResultError
	case rep.Total() == 0:
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}
	if result == metrics.ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("retention.purge", 1, tags)
	s.metrics.Timing("retention.purge_duration", rep.Duration, metrics.CloneTags(tags))
	if rep.Completed > 0 {
		s.metrics.Count("retention.jobs_deleted", rep.Completed, map[string]string{"status": "completed"})
	}
	if rep.Failed > 0 {
		s.metrics.Count("retention.jobs_deleted", rep.Failed, map[string]string{"status": "failed"})
	}
	if rep.ArtifactErrors > 0 {
		s.metrics.Count("retention.artifact_errors", int64(rep.ArtifactErrors), nil)
	}
	if result != metrics.ResultError {
		s.metrics.Gauge("retention.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

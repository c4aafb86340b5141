package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo   core.JobRepository // Required: job repository
	Store  core.ArtifactStore // Required: chart bundle storage
	Logger *slog.Logger       // Optional: structured logger

	// Cache holds terminal jobs, which never change again. Optional.
	Cache    core.CacheRepository
	CacheTTL time.Duration
}

// JobService is the read side of the job lifecycle: lookups, listings and
// chart bundle downloads. All writes go through the submitter, the worker and
// the reconciler.
type JobService struct {
	repo     core.JobRepository
	store    core.ArtifactStore
	cache    core.CacheRepository
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ArtifactStore is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &JobService{
		repo:   opts.Repo,
		store:  opts.Store,
		logger: logger.With("component", "job_service"),
	}
	if opts.Cache != nil && opts.CacheTTL > 0 {
		svc.cache = opts.Cache
		svc.cacheTTL = opts.CacheTTL
	}
	return svc, nil
}

// MustNewJobService constructs a JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Get returns one job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if j := s.cached(ctx, id); j != nil {
		return j, nil
	}
	j, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, model.ErrJobNotFound) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	s.remember(ctx, j)
	return j, nil
}

// JobCacheKey is the cache key of a terminal job.
func JobCacheKey(id string) string {
	return "job:" + id
}

// cached returns the cached job or nil. Cache failures fall through to the store.
func (s *JobService) cached(ctx context.Context, id string) *model.Job {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, JobCacheKey(id))
	if err != nil {
		s.logger.WarnContext(ctx, "job cache read failed", "job_id", id, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var j model.Job
	if err := json.Unmarshal(raw, &j); err != nil || j.ID != id || !j.Status.IsTerminal() {
		s.logger.WarnContext(ctx, "discarding unusable cached job", "job_id", id)
		return nil
	}
	return &j
}

// remember caches j once it is terminal.
func (s *JobService) remember(ctx context.Context, j *model.Job) {
	if s.cache == nil || !j.Status.IsTerminal() {
		return
	}
	raw, err := json.Marshal(j)
	if err != nil {
		s.logger.WarnContext(ctx, "encode job for cache failed", "job_id", j.ID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, JobCacheKey(j.ID), raw, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "job cache write failed", "job_id", j.ID, "error", err)
	}
}

// List returns jobs newest first.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("unknown status %q", *opts.Status))
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, apperrors.Validation("limit and offset must be non-negative")
	}
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ChartBundle is an open chart artifact. The caller must Close it.
type ChartBundle struct {
	io.ReadCloser
	Job *model.Job
}

// OpenCharts opens the chart bundle of a Completed job.
func (s *JobService) OpenCharts(ctx context.Context, id string) (*ChartBundle, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != model.JobStatusCompleted || j.ResultArtifactRef == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("job %s has no charts (status %s)", id, j.Status))
	}

	rc, err := s.store.Open(ctx, *j.ResultArtifactRef)
	if err != nil {
		s.logger.ErrorContext(ctx, "chart bundle missing from artifact store",
			"job_id", id, "ref", *j.ResultArtifactRef, "error", err)
		return nil, apperrors.Unavailable(err, "chart bundle is not available")
	}
	return &ChartBundle{ReadCloser: rc, Job: j}, nil
}

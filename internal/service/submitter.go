package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/observability/metrics"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// SubmitRequest describes a document that is already in the artifact store.
type SubmitRequest struct {
	SourceRef string `json:"source_ref"`
	FileName  string `json:"file_name,omitempty"`
}

// SubmitterServiceOptions groups dependencies for SubmitterService.
type SubmitterServiceOptions struct {
	Jobs    core.JobRepository  // Required
	Queue   core.TaskQueue      // Required
	Store   core.ArtifactStore  // Required
	Events  core.EventPublisher // Required
	Logger  *slog.Logger        // Optional
	Metrics statsd.Sink         // Optional
	Retry   job.Backoff         // Optional: enqueue and task-assignment retry policy
}

// SubmitterService accepts review documents, records a Pending job and hands
// the job to the task queue.
type SubmitterService struct {
	jobs    core.JobRepository
	queue   core.TaskQueue
	store   core.ArtifactStore
	events  core.EventPublisher
	logger  *slog.Logger
	metrics statsd.Sink
	retry   job.Backoff
}

// NewSubmitterService constructs a SubmitterService.
func NewSubmitterService(opts SubmitterServiceOptions) (*SubmitterService, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Queue == nil:
		return nil, errors.New("TaskQueue is required")
	case opts.Store == nil:
		return nil, errors.New("ArtifactStore is required")
	case opts.Events == nil:
		return nil, errors.New("EventPublisher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := opts.Retry
	if retry.Base <= 0 {
		retry = job.DefaultBackoff()
	}

	return &SubmitterService{
		jobs:    opts.Jobs,
		queue:   opts.Queue,
		store:   opts.Store,
		events:  opts.Events,
		logger:  logger.With("component", "submitter"),
		metrics: opts.Metrics,
		retry:   retry,
	}, nil
}

// MustNewSubmitterService constructs a SubmitterService and panics on error.
func MustNewSubmitterService(opts SubmitterServiceOptions) *SubmitterService {
	svc, err := NewSubmitterService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Upload stores an uploaded document and submits it.
func (s *SubmitterService) Upload(ctx context.Context, fileName string, r io.Reader, size int64) (string, error) {
	name := strings.TrimSpace(fileName)
	if name == "" {
		return "", apperrors.ValidationField("file", "a file is required")
	}
	if !storage.IsSupported(name) {
		return "", unsupportedExtension("file", name)
	}

	ref := storage.UploadRef(uuid.NewString(), name)
	if err := s.store.Put(ctx, ref, r, size, contentTypeFor(name)); err != nil {
		s.logger.ErrorContext(ctx, "failed to store upload", "file_name", name, "error", err)
		return "", apperrors.Unavailable(err, "could not store uploaded file")
	}
	return s.Submit(ctx, SubmitRequest{SourceRef: ref, FileName: path.Base(name)})
}

// Submit validates req, records a Pending job and enqueues it. It returns the
// job id. Validation failures are validation AppErrors; queue failures are
// unavailable AppErrors.
func (s *SubmitterService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	start := time.Now()
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	req.FileName = strings.TrimSpace(req.FileName)
	if err := s.validate(ctx, req); err != nil {
		return "", err
	}
	if req.FileName == "" {
		req.FileName = path.Base(req.SourceRef)
	}

	j, err := s.jobs.Create(ctx, &model.CreateJobRequest{SourceRef: req.SourceRef, SourceName: req.FileName})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create job", "source_ref", req.SourceRef, "error", err)
		return "", fmt.Errorf("create job: %w", err)
	}
	log := s.logger.With("job_id", j.ID)
	s.publish(ctx, log, model.NewCreatedEvent(j))

	taskID, err := s.enqueue(ctx, j.ID)
	if err != nil {
		log.ErrorContext(ctx, "failed to enqueue job", "error", err)
		s.failEnqueue(ctx, log, j.ID, err)
		s.emit(metrics.ResultError, time.Since(start), err)
		return "", apperrors.Unavailable(err, "could not enqueue analysis job")
	}
	log = log.With("task_id", taskID)

	if err := s.assign(ctx, j.ID, taskID); err != nil {
		// The queued task will be adopted by the worker or the reconciler.
		log.ErrorContext(ctx, "failed to record task id", "error", err)
		s.emit(metrics.ResultError, time.Since(start), err)
		return "", apperrors.Unavailable(err, "job queued but task id was not recorded")
	}

	log.InfoContext(ctx, "job submitted", "file_name", req.FileName)
	s.emit(metrics.ResultSuccess, time.Since(start), nil)
	return j.ID, nil
}

func (s *SubmitterService) validate(ctx context.Context, req SubmitRequest) error {
	if req.SourceRef == "" {
		return apperrors.ValidationField("source_ref", "source_ref is required")
	}
	name := req.SourceRef
	if req.FileName != "" {
		name = req.FileName
	}
	if !storage.IsSupported(name) {
		return unsupportedExtension("file_name", name)
	}

	ok, err := s.store.Exists(ctx, req.SourceRef)
	switch {
	case errors.Is(err, storage.ErrInvalidRef):
		return apperrors.ValidationField("source_ref", "source_ref is not a valid artifact reference")
	case err != nil:
		return apperrors.Unavailable(err, "could not check the artifact store")
	case !ok:
		return apperrors.ValidationField("source_ref", "document not found in artifact store")
	}
	return nil
}

func (s *SubmitterService) enqueue(ctx context.Context, jobID string) (string, error) {
	var taskID string
	err := s.retry.Retry(ctx, nil, func(ctx context.Context) error {
		var err error
		taskID, err = s.queue.Enqueue(ctx, jobID)
		return err
	})
	return taskID, err
}

func (s *SubmitterService) assign(ctx context.Context, jobID, taskID string) error {
	err := s.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		return s.jobs.AssignTask(ctx, jobID, taskID)
	})
	if errors.Is(err, model.ErrAlreadyAssigned) {
		return nil
	}
	return err
}

// failEnqueue records the terminal enqueue_failed outcome. It runs detached
// from ctx so a disconnected client does not leave the job Pending.
func (s *SubmitterService) failEnqueue(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	upd := model.FailedUpdate(model.NewJobError(model.ErrorCodeEnqueueFailed, "could not enqueue job: %v", cause))
	var (
		updated *model.Job
		applied bool
	)
	err := s.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		var err error
		updated, applied, err = s.jobs.ApplyStatus(ctx, jobID, upd)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to mark job as enqueue_failed", "error", err)
		return
	}
	if applied {
		s.publish(ctx, log, model.NewUpdatedEvent(updated))
	}
}

func (s *SubmitterService) publish(ctx context.Context, log *slog.Logger, ev model.NotificationEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.WarnContext(ctx, "failed to publish job event", "type", ev.Type, "error", err)
	}
}

func (s *SubmitterService) emit(result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Source:     "submitter",
		Transition: "submit",
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func unsupportedExtension(field, name string) error {
	return apperrors.ValidationField(field, fmt.Sprintf(
		"unsupported file type %q (supported: %s)",
		path.Ext(name), strings.Join(storage.SupportedExtensions, ", "),
	))
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	default:
		return "application/octet-stream"
	}
}

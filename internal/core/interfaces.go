// Package core defines the ports shared by the review-pulse services and adapters.
package core

import (
	"context"
	"io"
	"time"

	"github.com/target/review-pulse/internal/domain/model"
)

// This file contains the ports between the service layer and its adapters.
// Services depend on these interfaces, not on concrete implementations.

// JobRepository is the Job Store. Every lifecycle change goes through
// ApplyStatus, which only moves a job forward.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// AssignTask sets the external task id exactly once. It returns
	// model.ErrAlreadyAssigned when an id is already present and
	// model.ErrJobNotFound for unknown jobs.
	AssignTask(ctx context.Context, jobID, taskID string) error
	// ApplyStatus applies upd if it ranks above the current status (or equals
	// it and repeats the stored terminal payload). applied is false for a no-op; the
	// returned job reflects the stored state either way.
	ApplyStatus(ctx context.Context, jobID string, upd model.StatusUpdate) (job *model.Job, applied bool, err error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	// ListActive returns non-terminal jobs in submission order, resuming
	// after q.After so callers can page through every active job.
	ListActive(ctx context.Context, q model.ActiveJobsQuery) ([]*model.Job, error)
}

// TaskQueue accepts new work for the worker pool.
type TaskQueue interface {
	// Enqueue publishes a task for jobID and returns the queue's task id.
	Enqueue(ctx context.Context, jobID string) (taskID string, err error)
}

// TaskConsumer is the worker side of the queue.
type TaskConsumer interface {
	// Dequeue blocks up to wait for a delivery; it returns nil, nil on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (*model.Delivery, error)
	// MarkStarted records that the worker began executing the delivery.
	MarkStarted(ctx context.Context, d *model.Delivery) error
	// Ack records the outcome and removes the delivery from the in-flight set.
	Ack(ctx context.Context, d *model.Delivery, outcome model.TaskOutcome) error
	// Release returns an unfinished delivery to the queue (e.g. on shutdown).
	Release(ctx context.Context, d *model.Delivery) error
	// RequeueExpired redelivers tasks whose visibility lease lapsed.
	RequeueExpired(ctx context.Context) (int, error)
}

// TaskBroker exposes the broker's view of task state to the reconciler.
type TaskBroker interface {
	// TaskState returns the snapshot for taskID; unknown tasks report
	// model.TaskStateUnknown rather than an error.
	TaskState(ctx context.Context, taskID string) (*model.TaskSnapshot, error)
	// FinishedTasks returns up to limit finished tasks, oldest first.
	FinishedTasks(ctx context.Context, limit int) ([]*model.TaskSnapshot, error)
	// Forget drops a finished task from the orphan index.
	Forget(ctx context.Context, taskID string) error
}

// EventPublisher delivers notification events to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.NotificationEvent) error
}

// Analyzer judges one review item per category. Implementations wrap
// retryable failures with model.ErrTransientAnalysis or
// model.ErrAnalyzerUnavailable; any other error is final for the item.
type Analyzer interface {
	Analyze(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error)
}

// ChartGenerator renders the chart/report bundle for a finished aggregate.
type ChartGenerator interface {
	Generate(ctx context.Context, result *model.JobResult) ([]byte, error)
}

// ArtifactStore holds uploaded documents and generated chart bundles.
type ArtifactStore interface {
	Put(ctx context.Context, ref string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes ref; deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error
}

// DocumentReader turns a stored document into review items.
type DocumentReader interface {
	ReadItems(ctx context.Context, ref string) ([]model.ReviewItem, error)
}

// CacheRepository is a byte cache with per-key TTL.
type CacheRepository interface {
	// Get returns nil, nil for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; a zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// PurgeJobsParams selects terminal jobs for deletion.
type PurgeJobsParams struct {
	Status    model.JobStatus // Completed or Failed
	MaxAge    time.Duration   // measured from completed_at
	BatchSize int
}

// PurgedJob identifies a deleted job and the artifacts it owned.
type PurgedJob struct {
	ID                string
	ResultArtifactRef *string
}

// RetentionRepository deletes old terminal jobs.
type RetentionRepository interface {
	// PurgeTerminalJobs deletes up to BatchSize matching jobs and returns them.
	// Concurrent callers do not block each other; a caller that loses the
	// advisory lock gets an empty batch.
	PurgeTerminalJobs(ctx context.Context, params PurgeJobsParams) ([]PurgedJob, error)
}

// Package model defines the core data types shared by the review-pulse job pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job. The literals are part of
// the external API and are stored verbatim.
type JobStatus string

const (
	// JobStatusPending indicates a job was accepted and is waiting for a worker.
	JobStatusPending JobStatus = "Pending"
	// JobStatusProcessing indicates a worker (or the broker) reported the job as started.
	JobStatusProcessing JobStatus = "Processing"
	// JobStatusCompleted indicates analysis and chart generation finished.
	JobStatusCompleted JobStatus = "Completed"
	// JobStatusFailed indicates the job ended with a structured error.
	JobStatusFailed JobStatus = "Failed"
)

// Job error codes recorded on Failed jobs and on item-level error markers.
const (
	ErrorCodeEnqueueFailed         = "enqueue_failed"
	ErrorCodeInvalidDocument       = "invalid_document"
	ErrorCodeAnalyzerUnavailable   = "analyzer_unavailable"
	ErrorCodeAnalysisFailed        = "analysis_failed"
	ErrorCodeAnalysisError         = "analysis_error"
	ErrorCodeChartGenerationFailed = "chart_generation_failed"
	ErrorCodeTimeout               = "timeout"
	ErrorCodeSoftTimeout           = "soft_timeout"
	ErrorCodeBrokerFailure         = "broker_failure"
	ErrorCodeJobNotFound           = "job_not_found"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyAssigned is returned when a job already carries an external task id.
	ErrAlreadyAssigned = errors.New("job already has an external task id")
	// ErrInvalidStatusUpdate is returned when an update's payload does not match its status.
	ErrInvalidStatusUpdate = errors.New("invalid status update")
)

// Valid returns true if the JobStatus is one of the four lifecycle literals.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// IsTerminal reports whether no further status change is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Rank orders statuses along the lifecycle. Completed and Failed share the top rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// ParseJobStatus accepts a status literal case-insensitively.
func ParseJobStatus(v string) (JobStatus, error) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
		if strings.EqualFold(strings.TrimSpace(v), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid job status: %q", v)
}

// JobError is the structured failure recorded on a Failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// NewJobError builds a JobError.
func NewJobError(code, format string, args ...any) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Job represents one submitted review document and its lifecycle state.
type Job struct {
	ID                string     `json:"id"                            db:"id"`
	SourceRef         string     `json:"source_ref"                    db:"source_ref"`
	SourceName        string     `json:"file_name"                     db:"source_name"`
	Status            JobStatus  `json:"status"                        db:"status"`
	ExternalTaskID    *string    `json:"external_task_id,omitempty"    db:"external_task_id"`
	Result            *JobResult `json:"result,omitempty"              db:"result"`
	ResultArtifactRef *string    `json:"result_artifact_ref,omitempty" db:"result_artifact_ref"`
	Error             *JobError  `json:"error,omitempty"               db:"error"`
	SubmittedAt       time.Time  `json:"submitted_at"                  db:"submitted_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"          db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"        db:"completed_at"`
	UpdatedAt         time.Time  `json:"updated_at"                    db:"updated_at"`
}

// HasTask reports whether the job has been correlated with a queue task.
func (j *Job) HasTask() bool {
	return j.ExternalTaskID != nil && *j.ExternalTaskID != ""
}

// CreateJobRequest represents a request to persist a new job.
type CreateJobRequest struct {
	SourceRef  string `json:"source_ref"`
	SourceName string `json:"file_name,omitempty"`
}

// StatusUpdate is the only way job lifecycle fields change after creation.
type StatusUpdate struct {
	Status      JobStatus
	Result      *JobResult
	ArtifactRef *string
	Error       *JobError
}

// DataBearing reports whether the update carries a terminal payload. A
// data-bearing update may be re-applied at the same status (retried write).
func (u StatusUpdate) DataBearing() bool {
	return u.Result != nil || u.Error != nil
}

// Validate enforces that terminal payloads travel with the matching status.
func (u StatusUpdate) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidStatusUpdate, u.Status)
	}
	switch u.Status {
	case JobStatusCompleted:
		if u.Result == nil || u.ArtifactRef == nil || *u.ArtifactRef == "" {
			return fmt.Errorf("%w: Completed requires result and artifact ref", ErrInvalidStatusUpdate)
		}
		if u.Error != nil {
			return fmt.Errorf("%w: Completed cannot carry an error", ErrInvalidStatusUpdate)
		}
	case JobStatusFailed:
		if u.Error == nil {
			return fmt.Errorf("%w: Failed requires an error", ErrInvalidStatusUpdate)
		}
		if u.Result != nil || u.ArtifactRef != nil {
			return fmt.Errorf("%w: Failed cannot carry a result", ErrInvalidStatusUpdate)
		}
	default:
		if u.DataBearing() || u.ArtifactRef != nil {
			return fmt.Errorf("%w: %s cannot carry result or error", ErrInvalidStatusUpdate, u.Status)
		}
	}
	return nil
}

// ProcessingUpdate returns the update moving a job to Processing.
func ProcessingUpdate() StatusUpdate {
	return StatusUpdate{Status: JobStatusProcessing}
}

// CompletedUpdate returns the terminal success update.
func CompletedUpdate(result *JobResult, artifactRef string) StatusUpdate {
	return StatusUpdate{Status: JobStatusCompleted, Result: result, ArtifactRef: &artifactRef}
}

// FailedUpdate returns the terminal failure update.
func FailedUpdate(err *JobError) StatusUpdate {
	return StatusUpdate{Status: JobStatusFailed, Error: err}
}

// JobCursor is a keyset position in submission order.
type JobCursor struct {
	SubmittedAt time.Time
	ID          string
}

// CursorOf returns the keyset position of j.
func CursorOf(j *Job) *JobCursor {
	return &JobCursor{SubmittedAt: j.SubmittedAt, ID: j.ID}
}

// ActiveJobsQuery selects non-terminal jobs oldest submission first,
// starting strictly after After when it is set.
type ActiveJobsQuery struct {
	After *JobCursor
	Limit int
}

// JobListOptions groups parameters for listing jobs newest first.
type JobListOptions struct {
	Status *JobStatus // Optional filter by status
	Limit  int        // Pagination limit
	Offset int        // Pagination offset
}

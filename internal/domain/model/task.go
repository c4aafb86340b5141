package model

import (
	"encoding/json"
	"time"
)

// TaskState is the broker-side state of a queued task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateWaiting   TaskState = "waiting"
	TaskStateStarted   TaskState = "started"
	TaskStateRunning   TaskState = "running"
	TaskStateRetrying  TaskState = "retrying"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateRevoked   TaskState = "revoked"
	TaskStateLost      TaskState = "lost"
	TaskStateUnknown   TaskState = "unknown"
)

// DomainStatus maps a broker state onto the job lifecycle. ok is false for
// unknown or unrecognized states, which callers must skip.
func (s TaskState) DomainStatus() (status JobStatus, ok bool) {
	switch s {
	case TaskStateQueued, TaskStateWaiting:
		return JobStatusPending, true
	case TaskStateStarted, TaskStateRunning, TaskStateRetrying:
		return JobStatusProcessing, true
	case TaskStateSucceeded:
		return JobStatusCompleted, true
	case TaskStateFailed, TaskStateRevoked, TaskStateLost:
		return JobStatusFailed, true
	default:
		return "", false
	}
}

// IsFinished reports whether the broker will not run the task again.
func (s TaskState) IsFinished() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateRevoked, TaskStateLost:
		return true
	default:
		return false
	}
}

// TaskSnapshot is what the broker knows about one task.
type TaskSnapshot struct {
	TaskID     string
	JobID      string
	State      TaskState
	Deliveries int
	Result     json.RawMessage
	ResultRef  string
	Error      *JobError
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskOutcome is what a worker reports back to the broker when it finishes.
type TaskOutcome struct {
	State     TaskState
	Result    *JobResult
	ResultRef string
	Error     *JobError
}

// Delivery is one hand-off of a task to a worker.
type Delivery struct {
	TaskID      string
	JobID       string
	Attempt     int
	DeliveredAt time.Time
}

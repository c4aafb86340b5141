package model

import "time"

// EventType distinguishes creation events from status change events.
type EventType string

const (
	EventTypeJobCreated EventType = "job.created"
	EventTypeJobUpdated EventType = "job.updated"
)

// NotificationEvent is the payload fanned out to live subscribers after a
// Job Store change was applied. It is never persisted.
type NotificationEvent struct {
	Type           EventType  `json:"type"`
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	ExternalTaskID *string    `json:"external_task_id"`
	FileName       string     `json:"file_name,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// NewCreatedEvent builds the creation event for a freshly stored job.
func NewCreatedEvent(j *Job) NotificationEvent {
	submitted := j.SubmittedAt
	return NotificationEvent{
		Type:           EventTypeJobCreated,
		ID:             j.ID,
		Status:         j.Status,
		ExternalTaskID: j.ExternalTaskID,
		FileName:       j.SourceName,
		SubmittedAt:    &submitted,
	}
}

// NewUpdatedEvent builds the event for an applied status change.
func NewUpdatedEvent(j *Job) NotificationEvent {
	return NotificationEvent{
		Type:           EventTypeJobUpdated,
		ID:             j.ID,
		Status:         j.Status,
		ExternalTaskID: j.ExternalTaskID,
	}
}

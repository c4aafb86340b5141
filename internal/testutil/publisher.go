package testutil

import (
	"context"
	"sync"

	"github.com/target/review-pulse/internal/domain/model"
)

// RecordingPublisher captures published events in order.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []model.NotificationEvent

	// Err, when set, is returned from every Publish after recording.
	Err error
}

func (p *RecordingPublisher) Publish(_ context.Context, ev model.NotificationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.Err
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []model.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.NotificationEvent(nil), p.events...)
}

// StatusesFor returns the published status sequence for one job.
func (p *RecordingPublisher) StatusesFor(jobID string) []model.JobStatus {
	var out []model.JobStatus
	for _, ev := range p.Events() {
		if ev.ID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

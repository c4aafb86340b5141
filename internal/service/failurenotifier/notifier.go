// Package failurenotifier raises alerts when review analysis jobs end Failed.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service dispatches failure payloads to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs a failure notifier. Nil sinks are ignored.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger: logger.With("component", "failure_notifier"),
		sinks:  sinks,
	}
}

// NotifyJobFailure fans the payload out to every sink and waits for them.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// JobGetter loads the job a failure event refers to.
type JobGetter interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
}

// PublisherOptions configures AlertingPublisher.
type PublisherOptions struct {
	Next     core.EventPublisher // Required
	Jobs     JobGetter           // Required
	Notifier *Service            // Optional: nil or sink-less disables alerting
	Timeout  time.Duration       // Optional: bounds one alert fan-out; defaults to 10s
	Logger   *slog.Logger
}

// AlertingPublisher forwards every event to the next publisher and raises a
// failure alert for status events that report Failed. Callers only publish
// events whose status change was applied, so each failure alerts once.
type AlertingPublisher struct {
	next     core.EventPublisher
	jobs     JobGetter
	notifier *Service
	timeout  time.Duration
	logger   *slog.Logger
}

var _ core.EventPublisher = (*AlertingPublisher)(nil)

// NewAlertingPublisher wraps opts.Next. When no notifier sinks are configured
// it returns opts.Next unchanged.
//
//nolint:ireturn // callers only need the publisher port.
func NewAlertingPublisher(opts PublisherOptions) core.EventPublisher {
	if !opts.Notifier.Enabled() || opts.Jobs == nil {
		return opts.Next
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertingPublisher{
		next:     opts.Next,
		jobs:     opts.Jobs,
		notifier: opts.Notifier,
		timeout:  timeout,
		logger:   logger.With("component", "failure_alerts"),
	}
}

// Publish implements core.EventPublisher. Alert failures are logged, never returned.
func (p *AlertingPublisher) Publish(ctx context.Context, ev model.NotificationEvent) error {
	err := p.next.Publish(ctx, ev)
	if ev.Type == model.EventTypeJobUpdated && ev.Status == model.JobStatusFailed {
		p.alert(ctx, ev.ID)
	}
	return err
}

func (p *AlertingPublisher) alert(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	j, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.logger.WarnContext(ctx, "load failed job for alert", "job_id", jobID, "error", err)
		p.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: jobID, OccurredAt: time.Now()})
		return
	}
	p.notifier.NotifyJobFailure(ctx, notify.PayloadFromJob(j))
}

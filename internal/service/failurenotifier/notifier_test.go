package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/observability/notify"
	"github.com/target/review-pulse/internal/testutil"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (c *captureSink) SendJobFailure(_ context.Context, p notify.JobFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *captureSink) received() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

func TestServiceNotifyJobFailure(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, notify.SeverityCritical, got[0].Severity)
}

func TestServiceDisabled(t *testing.T) {
	assert.False(t, NewService(Options{}).Enabled())
	assert.False(t, NewService(Options{Sinks: []SinkRegistration{{Name: "nil"}}}).Enabled())

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestServiceSinkErrorsDoNotStopOthers(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			})},
			{Name: "capture", Sink: sink},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})
	assert.Len(t, sink.received(), 1)
}

func TestAlertingPublisher_AlertsOnFailedEvents(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemJobStore()
	next := &testutil.RecordingPublisher{}
	sink := &captureSink{}

	created, err := store.Create(ctx, &model.CreateJobRequest{SourceRef: "uploads/a/reviews.csv", SourceName: "reviews.csv"})
	require.NoError(t, err)
	failed, applied, err := store.ApplyStatus(ctx, created.ID, model.FailedUpdate(model.NewJobError("invalid_document", "no rows")))
	require.NoError(t, err)
	require.True(t, applied)

	pub := NewAlertingPublisher(PublisherOptions{
		Next:     next,
		Jobs:     store,
		Notifier: NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}}),
	})

	require.NoError(t, pub.Publish(ctx, model.NewCreatedEvent(created)))
	require.NoError(t, pub.Publish(ctx, model.NewUpdatedEvent(failed)))

	assert.Len(t, next.Events(), 2)
	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, created.ID, got[0].JobID)
	assert.Equal(t, "reviews.csv", got[0].FileName)
	assert.Equal(t, "invalid_document", got[0].Code)
	assert.Equal(t, "no rows", got[0].Error)
}

func TestAlertingPublisher_UnknownJobStillAlerts(t *testing.T) {
	sink := &captureSink{}
	pub := NewAlertingPublisher(PublisherOptions{
		Next:     &testutil.RecordingPublisher{},
		Jobs:     testutil.NewMemJobStore(),
		Notifier: NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}}),
	})

	require.NoError(t, pub.Publish(context.Background(), model.NotificationEvent{
		Type: model.EventTypeJobUpdated, ID: "gone", Status: model.JobStatusFailed,
	}))
	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "gone", got[0].JobID)
}

func TestNewAlertingPublisher_PassThroughWithoutSinks(t *testing.T) {
	next := &testutil.RecordingPublisher{}
	pub := NewAlertingPublisher(PublisherOptions{Next: next, Jobs: testutil.NewMemJobStore(), Notifier: NewService(Options{})})
	assert.Same(t, next, pub)
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/mocks"
	"github.com/target/review-pulse/internal/observability/statsd"
	"github.com/target/review-pulse/internal/testutil"
)

const sampleCSV = "TEXT,PLACE NAME,PLACE ADDRESS,SCORE\nDirty changing rooms,Leeds,1 High St,2\n"

type submitterHarness struct {
	jobs    *testutil.MemJobStore
	broker  *testutil.MemBroker
	store   *storage.FSStore
	events  *testutil.RecordingPublisher
	metrics *statsd.Recorder
}

func newSubmitterHarness(t *testing.T) *submitterHarness {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return &submitterHarness{
		jobs:    testutil.NewMemJobStore(),
		broker:  testutil.NewMemBroker(),
		store:   store,
		events:  &testutil.RecordingPublisher{},
		metrics: &statsd.Recorder{},
	}
}

func (h *submitterHarness) service(t *testing.T, jobs core.JobRepository, queue core.TaskQueue) *SubmitterService {
	t.Helper()
	if jobs == nil {
		jobs = h.jobs
	}
	if queue == nil {
		queue = h.broker
	}
	return MustNewSubmitterService(SubmitterServiceOptions{
		Jobs:    jobs,
		Queue:   queue,
		Store:   h.store,
		Events:  h.events,
		Metrics: h.metrics,
		Retry:   job.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
	})
}

func (h *submitterHarness) putDocument(t *testing.T, ref string) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), ref, strings.NewReader(sampleCSV), int64(len(sampleCSV)), "text/csv"))
}

func TestSubmitterService_Submit(t *testing.T) {
	ctx := context.Background()
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")
	svc := h.service(t, nil, nil)

	id, err := svc.Submit(ctx, SubmitRequest{SourceRef: "uploads/reviews.csv"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := h.jobs.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, j.Status)
	assert.Equal(t, "reviews.csv", j.SourceName, "file name defaults to the ref's base name")
	require.True(t, j.HasTask())
	assert.Equal(t, 1, h.broker.PendingCount())

	snap, err := h.broker.TaskState(ctx, *j.ExternalTaskID)
	require.NoError(t, err)
	assert.Equal(t, id, snap.JobID)

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventTypeJobCreated, evs[0].Type)
	assert.Equal(t, "reviews.csv", evs[0].FileName)
	assert.NotNil(t, evs[0].SubmittedAt)
	assert.Equal(t, int64(1), h.metrics.CountTotal("job.transition"))
}

func TestSubmitterService_SubmitValidation(t *testing.T) {
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/notes.csv")

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{name: "missing source", req: SubmitRequest{}, field: "source_ref"},
		{name: "blank source", req: SubmitRequest{SourceRef: "   "}, field: "source_ref"},
		{name: "unsupported extension", req: SubmitRequest{SourceRef: "uploads/notes.txt"}, field: "file_name"},
		{name: "file name extension wins", req: SubmitRequest{SourceRef: "uploads/notes.csv", FileName: "notes.pdf"}, field: "file_name"},
		{name: "missing artifact", req: SubmitRequest{SourceRef: "uploads/absent.json"}, field: "source_ref"},
		{name: "escaping ref", req: SubmitRequest{SourceRef: "../etc/passwd.csv"}, field: "source_ref"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// No expectations: validation must fail before the store or queue are touched.
			jobs := mocks.NewMockJobRepository(ctrl)
			queue := mocks.NewMockTaskQueue(ctrl)
			svc := h.service(t, jobs, queue)

			_, err := svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
			assert.Equal(t, tt.field, apperrors.GetField(err))
		})
	}
	assert.Empty(t, h.events.Events())
}

func TestSubmitterService_EnqueueExhaustedFailsJob(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")

	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("", errors.New("redis: connection refused")).Times(3)
	svc := h.service(t, nil, queue)

	id, err := svc.Submit(ctx, SubmitRequest{SourceRef: "uploads/reviews.csv", FileName: "reviews.csv"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.True(t, apperrors.IsUnavailable(err))

	evs := h.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventTypeJobCreated, evs[0].Type)
	assert.Equal(t, model.JobStatusFailed, evs[1].Status)

	j, err := h.jobs.GetByID(ctx, evs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, model.ErrorCodeEnqueueFailed, j.Error.Code)
	assert.False(t, j.HasTask())
}

func TestSubmitterService_EnqueueRetriesTransientFailure(t *testing.T) {
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")
	calls := 0
	h.broker.EnqueueErr = func(string) error {
		calls++
		if calls < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	}
	svc := h.service(t, nil, nil)

	id, err := svc.Submit(context.Background(), SubmitRequest{SourceRef: "uploads/reviews.csv"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	j, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, j.HasTask())
}

func TestSubmitterService_AssignFailureLeavesTaskForAdoption(t *testing.T) {
	ctx := context.Background()
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")
	attempts := 0
	h.jobs.AssignTaskErr = func(string, string) error {
		attempts++
		return errors.New("driver: bad connection")
	}
	svc := h.service(t, nil, nil)

	_, err := svc.Submit(ctx, SubmitRequest{SourceRef: "uploads/reviews.csv"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, 3, attempts)

	assert.Equal(t, 1, h.broker.PendingCount(), "the queued task stays for the worker to adopt")
	evs := h.events.Events()
	require.Len(t, evs, 1)

	j, err := h.jobs.GetByID(ctx, evs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, j.Status)
	assert.False(t, j.HasTask())
}

func TestSubmitterService_AlreadyAssignedCountsAsSuccess(t *testing.T) {
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")
	h.jobs.AssignTaskErr = func(string, string) error { return model.ErrAlreadyAssigned }
	svc := h.service(t, nil, nil)

	id, err := svc.Submit(context.Background(), SubmitRequest{SourceRef: "uploads/reviews.csv"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSubmitterService_CreateFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newSubmitterHarness(t)
	h.putDocument(t, "uploads/reviews.csv")

	jobs := mocks.NewMockJobRepository(ctrl)
	jobs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, apperrors.Unavailable(errors.New("pg down"), "database unavailable"))
	queue := mocks.NewMockTaskQueue(ctrl)
	svc := h.service(t, jobs, queue)

	_, err := svc.Submit(context.Background(), SubmitRequest{SourceRef: "uploads/reviews.csv"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Empty(t, h.events.Events())
}

func TestSubmitterService_Upload(t *testing.T) {
	ctx := context.Background()
	h := newSubmitterHarness(t)
	svc := h.service(t, nil, nil)

	id, err := svc.Upload(ctx, "Gym Reviews.CSV", strings.NewReader(sampleCSV), int64(len(sampleCSV)))
	require.NoError(t, err)

	j, err := h.jobs.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Gym Reviews.CSV", j.SourceName)
	assert.True(t, strings.HasPrefix(j.SourceRef, "uploads/"))
	assert.True(t, strings.HasSuffix(j.SourceRef, ".csv"))

	ok, err := h.store.Exists(ctx, j.SourceRef)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.Upload(ctx, "reviews.docx", strings.NewReader("x"), 1)
	assert.True(t, apperrors.IsValidation(err))
	_, err = svc.Upload(ctx, " ", strings.NewReader("x"), 1)
	assert.True(t, apperrors.IsValidation(err))
}

func TestNewSubmitterService_Validation(t *testing.T) {
	h := newSubmitterHarness(t)
	full := SubmitterServiceOptions{Jobs: h.jobs, Queue: h.broker, Store: h.store, Events: h.events}

	for name, mutate := range map[string]func(o *SubmitterServiceOptions){
		"jobs":   func(o *SubmitterServiceOptions) { o.Jobs = nil },
		"queue":  func(o *SubmitterServiceOptions) { o.Queue = nil },
		"store":  func(o *SubmitterServiceOptions) { o.Store = nil },
		"events": func(o *SubmitterServiceOptions) { o.Events = nil },
	} {
		t.Run(name, func(t *testing.T) {
			opts := full
			mutate(&opts)
			_, err := NewSubmitterService(opts)
			assert.Error(t, err)
		})
	}

	svc, err := NewSubmitterService(full)
	require.NoError(t, err)
	assert.Equal(t, job.DefaultBackoff(), svc.retry)
}

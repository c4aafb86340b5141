package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/review-pulse/internal/adapters/charts"
	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/mocks"
	"github.com/target/review-pulse/internal/observability/statsd"
	"github.com/target/review-pulse/internal/testutil"
)

type fakeReader struct {
	items []model.ReviewItem
	err   error
}

func (f *fakeReader) ReadItems(context.Context, string) ([]model.ReviewItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.ReviewItem(nil), f.items...), nil
}

type analyzerFunc func(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
	return f(ctx, item)
}

type chartsFunc func(ctx context.Context, result *model.JobResult) ([]byte, error)

func (f chartsFunc) Generate(ctx context.Context, result *model.JobResult) ([]byte, error) {
	return f(ctx, result)
}

func reviews(n int) []model.ReviewItem {
	items := make([]model.ReviewItem, n)
	for i := range items {
		items[i] = model.ReviewItem{
			Index:        i,
			Text:         fmt.Sprintf("review %d", i),
			PlaceAddress: "1 High St, Leeds, LS1",
		}
	}
	return items
}

func judgment(item model.ReviewItem) model.AnalysisResult {
	cats := make(map[model.Category]model.CategoryJudgment)
	for _, c := range model.Categories() {
		cats[c] = model.CategoryJudgment{Fragments: []string{}, Sentiment: model.SentimentNeutral}
	}
	cats[model.CategoryCleanliness] = model.CategoryJudgment{
		Fragments: []string{item.Text},
		Sentiment: model.SentimentNegative,
		Intensity: 3,
	}
	return model.AnalysisResult{Location: item.Location(), Categories: cats}
}

var okAnalyzer = analyzerFunc(func(_ context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
	return judgment(item), nil
})

type harness struct {
	jobs    *testutil.MemJobStore
	broker  *testutil.MemBroker
	events  *testutil.RecordingPublisher
	store   *storage.FSStore
	reader  *fakeReader
	metrics *statsd.Recorder
}

func newHarness(t *testing.T, analyzer core.Analyzer, mutate func(*ExecutorOptions)) (*harness, *Executor) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		jobs:    testutil.NewMemJobStore(),
		broker:  testutil.NewMemBroker(),
		events:  &testutil.RecordingPublisher{},
		store:   store,
		reader:  &fakeReader{items: reviews(3)},
		metrics: &statsd.Recorder{},
	}
	opts := ExecutorOptions{
		Jobs:            h.jobs,
		Tasks:           h.broker,
		Reader:          h.reader,
		Analyzer:        analyzer,
		Charts:          charts.NewGenerator(charts.Options{}),
		Store:           store,
		Events:          h.events,
		Metrics:         h.metrics,
		ItemConcurrency: 2,
		ItemTimeout:     time.Second,
		SoftBudget:      5 * time.Second,
		HardBudget:      10 * time.Second,
		Retry:           job.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
	}
	if mutate != nil {
		mutate(&opts)
	}
	exec, err := NewExecutor(opts)
	require.NoError(t, err)
	return h, exec
}

// submit creates a job, enqueues and assigns its task, and returns the delivery.
func (h *harness) submit(t *testing.T) (*model.Job, *model.Delivery) {
	t.Helper()
	ctx := context.Background()
	j, err := h.jobs.Create(ctx, &model.CreateJobRequest{SourceRef: "uploads/x.csv", SourceName: "x.csv"})
	require.NoError(t, err)
	taskID, err := h.broker.Enqueue(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, h.jobs.AssignTask(ctx, j.ID, taskID))
	return j, h.deliver(t)
}

func (h *harness) deliver(t *testing.T) *model.Delivery {
	t.Helper()
	d, err := h.broker.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecutor_CompletesJob(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.Total)
	assert.Equal(t, 3, got.Result.Succeeded)
	assert.False(t, got.Result.Partial)
	for i, it := range got.Result.Items {
		assert.Equal(t, i, it.Index)
	}
	require.NotNil(t, got.ResultArtifactRef)
	assert.Equal(t, storage.ChartsRef(j.ID), *got.ResultArtifactRef)
	assert.Nil(t, got.Error)

	ok, err := h.store.Exists(context.Background(), storage.ChartsRef(j.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted},
		h.jobs.Statuses(j.ID))
	assert.Equal(t, []model.JobStatus{model.JobStatusProcessing, model.JobStatusCompleted}, h.events.StatusesFor(j.ID))

	ack := h.broker.Acks[d.TaskID]
	assert.Equal(t, model.TaskStateSucceeded, ack.State)
	assert.Equal(t, storage.ChartsRef(j.ID), ack.ResultRef)
	assert.Equal(t, got.Result, ack.Result)

	assert.Equal(t, int64(1), h.metrics.CountTotal("job.transition"))
}

func TestExecutor_RedeliveryOfTerminalJobDoesNotRerun(t *testing.T) {
	var calls atomic.Int32
	analyzer := analyzerFunc(func(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
		calls.Add(1)
		return okAnalyzer(ctx, item)
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))
	first := h.job(t, j.ID)

	require.NoError(t, h.broker.Release(context.Background(), d))
	redelivered := h.deliver(t)
	require.NoError(t, exec.Execute(context.Background(), redelivered))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, first, h.job(t, j.ID))
	assert.Len(t, h.events.StatusesFor(j.ID), 2)
	assert.Equal(t, model.TaskStateSucceeded, h.broker.Acks[d.TaskID].State)
}

func (h *harness) chartBundle(t *testing.T, jobID string) []byte {
	t.Helper()
	rc, err := h.store.Open(context.Background(), storage.ChartsRef(jobID))
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestExecutor_RedeliveryAfterCrashMatchesSingleRun(t *testing.T) {
	clean, cleanExec := newHarness(t, okAnalyzer, nil)
	cleanJob, cleanDelivery := clean.submit(t)
	require.NoError(t, cleanExec.Execute(context.Background(), cleanDelivery))
	want := clean.job(t, cleanJob.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var crashed atomic.Bool
	analyzer := analyzerFunc(func(actx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
		if item.Index == 1 && crashed.CompareAndSwap(false, true) {
			cancel()
			<-actx.Done()
			return model.AnalysisResult{}, actx.Err()
		}
		return okAnalyzer(actx, item)
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.ErrorIs(t, exec.Execute(ctx, d), context.Canceled)
	require.Equal(t, model.JobStatusProcessing, h.job(t, j.ID).Status)

	require.NoError(t, exec.Execute(context.Background(), h.deliver(t)))

	got := h.job(t, j.ID)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, want.Result, got.Result)
	assert.Nil(t, got.Error)
	assert.Equal(t, clean.chartBundle(t, cleanJob.ID), h.chartBundle(t, j.ID))
	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted},
		h.jobs.Statuses(j.ID))
	assert.Equal(t, []model.JobStatus{model.JobStatusProcessing, model.JobStatusCompleted}, h.events.StatusesFor(j.ID))
}

func TestExecutor_ItemFailureBecomesMarkerAtIndex(t *testing.T) {
	analyzer := analyzerFunc(func(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
		if item.Index == 1 {
			return model.AnalysisResult{}, errors.New("model refused")
		}
		return okAnalyzer(ctx, item)
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.Len(t, got.Result.Items, 3)
	marker := got.Result.Items[1]
	assert.Equal(t, 1, marker.Index)
	require.NotNil(t, marker.Error)
	assert.Equal(t, model.ErrorCodeAnalysisError, marker.Error.Code)
	assert.Nil(t, marker.Categories)
	assert.Equal(t, 1, got.Result.Failed)
	assert.Equal(t, 2, got.Result.Succeeded)
}

func TestExecutor_RetriesTransientAnalyzerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := map[int]int{}
	analyzer := analyzerFunc(func(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
		mu.Lock()
		attempts[item.Index]++
		n := attempts[item.Index]
		mu.Unlock()
		if n < 3 {
			return model.AnalysisResult{}, fmt.Errorf("%w: 503", model.ErrTransientAnalysis)
		}
		return okAnalyzer(ctx, item)
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 0, got.Result.Failed)
	assert.Equal(t, map[int]int{0: 3, 1: 3, 2: 3}, attempts)
}

func TestExecutor_AllItemsFailed(t *testing.T) {
	analyzer := analyzerFunc(func(context.Context, model.ReviewItem) (model.AnalysisResult, error) {
		return model.AnalysisResult{}, errors.New("bad output")
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorCodeAnalysisFailed, got.Error.Code)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ResultArtifactRef)

	ack := h.broker.Acks[d.TaskID]
	assert.Equal(t, model.TaskStateFailed, ack.State)
	assert.Equal(t, got.Error, ack.Error)
}

func TestExecutor_AnalyzerUnavailableAbortsJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	analyzer := mocks.NewMockAnalyzer(ctrl)
	analyzer.EXPECT().
		Analyze(gomock.Any(), gomock.Any()).
		Return(model.AnalysisResult{}, fmt.Errorf("%w: connection refused", model.ErrAnalyzerUnavailable)).
		MinTimes(3)

	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.ErrorCodeAnalyzerUnavailable, got.Error.Code)
}

func TestExecutor_InvalidDocument(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	h.reader.err = fmt.Errorf("%w: missing TEXT column", model.ErrInvalidDocument)
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.ErrorCodeInvalidDocument, got.Error.Code)
	assert.Contains(t, got.Error.Message, "missing TEXT column")
}

func TestExecutor_EmptyDocument(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	h.reader.items = nil
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))
	assert.Equal(t, model.ErrorCodeInvalidDocument, h.job(t, j.ID).Error.Code)
}

func TestExecutor_SoftBudgetFinalizesPartial(t *testing.T) {
	analyzer := analyzerFunc(func(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
		if item.Index == 0 {
			return okAnalyzer(ctx, item)
		}
		<-ctx.Done()
		return model.AnalysisResult{}, ctx.Err()
	})
	h, exec := newHarness(t, analyzer, func(o *ExecutorOptions) {
		o.ItemConcurrency = 1
		o.SoftBudget = 50 * time.Millisecond
	})
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	assert.True(t, got.Result.Partial)
	assert.Nil(t, got.Result.Items[0].Error)
	for _, it := range got.Result.Items[1:] {
		require.NotNil(t, it.Error)
		assert.Equal(t, model.ErrorCodeSoftTimeout, it.Error.Code)
	}
}

func TestExecutor_HardBudgetFailsJob(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, func(o *ExecutorOptions) {
		o.HardBudget = 50 * time.Millisecond
		o.Charts = chartsFunc(func(ctx context.Context, _ *model.JobResult) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.ErrorCodeTimeout, got.Error.Code)
}

func TestExecutor_ChartFailureAfterRetries(t *testing.T) {
	var calls atomic.Int32
	h, exec := newHarness(t, okAnalyzer, func(o *ExecutorOptions) {
		o.Charts = chartsFunc(func(context.Context, *model.JobResult) ([]byte, error) {
			calls.Add(1)
			return nil, errors.New("renderer crashed")
		})
	})
	j, d := h.submit(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	got := h.job(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.ErrorCodeChartGenerationFailed, got.Error.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_UnknownJobIsDropped(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	_, err := h.broker.Enqueue(context.Background(), "no-such-job")
	require.NoError(t, err)
	d := h.deliver(t)

	require.NoError(t, exec.Execute(context.Background(), d))

	assert.Equal(t, model.TaskStateRevoked, h.broker.Acks[d.TaskID].State)
	assert.Empty(t, h.events.Events())
}

func TestExecutor_AdoptsUnassignedTask(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	j, err := h.jobs.Create(context.Background(), &model.CreateJobRequest{SourceRef: "uploads/x.csv"})
	require.NoError(t, err)
	taskID, err := h.broker.Enqueue(context.Background(), j.ID)
	require.NoError(t, err)

	require.NoError(t, exec.Execute(context.Background(), h.deliver(t)))

	got := h.job(t, j.ID)
	require.NotNil(t, got.ExternalTaskID)
	assert.Equal(t, taskID, *got.ExternalTaskID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestExecutor_AcksResultWhenTerminalWriteFails(t *testing.T) {
	h, exec := newHarness(t, okAnalyzer, nil)
	h.jobs.ApplyStatusErr = func(_ string, upd model.StatusUpdate) error {
		if upd.Status == model.JobStatusCompleted {
			return errors.New("connection reset")
		}
		return nil
	}
	j, d := h.submit(t)

	err := exec.Execute(context.Background(), d)
	require.Error(t, err)

	assert.Equal(t, model.JobStatusProcessing, h.job(t, j.ID).Status)
	ack := h.broker.Acks[d.TaskID]
	assert.Equal(t, model.TaskStateSucceeded, ack.State)
	assert.NotNil(t, ack.Result)
}

func TestExecutor_ShutdownReleasesDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	analyzer := analyzerFunc(func(actx context.Context, _ model.ReviewItem) (model.AnalysisResult, error) {
		cancel()
		<-actx.Done()
		return model.AnalysisResult{}, actx.Err()
	})
	h, exec := newHarness(t, analyzer, nil)
	j, d := h.submit(t)

	err := exec.Execute(ctx, d)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, model.JobStatusProcessing, h.job(t, j.ID).Status)
	assert.Equal(t, 1, h.broker.PendingCount())
	_, acked := h.broker.Acks[d.TaskID]
	assert.False(t, acked)
}

func TestNewExecutor_RequiresDependencies(t *testing.T) {
	_, err := NewExecutor(ExecutorOptions{})
	require.Error(t, err)
	assert.Panics(t, func() { MustNewExecutor(ExecutorOptions{}) })
}

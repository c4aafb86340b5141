// Package worker executes analysis jobs delivered by the task queue.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/observability/metrics"
	"github.com/target/review-pulse/internal/observability/statsd"
)

const (
	metricSource     = "worker"
	finalizeTimeout  = config.WorkerFinalizeTimeout
	chartContentType = "application/json"
)

// errHardBudget marks a run that outlived the hard time budget.
var errHardBudget = errors.New("hard time budget exceeded")

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Jobs     core.JobRepository
	Tasks    core.TaskConsumer
	Reader   core.DocumentReader
	Analyzer core.Analyzer
	Charts   core.ChartGenerator
	Store    core.ArtifactStore
	Events   core.EventPublisher
	Metrics  statsd.Sink
	Logger   *slog.Logger

	ItemConcurrency int
	ItemTimeout     time.Duration
	SoftBudget      time.Duration
	HardBudget      time.Duration
	// Retry governs analyzer, chart and persistence retries.
	Retry job.Backoff
}

// Executor runs one delivery: analysis, charts, then the terminal write.
type Executor struct {
	jobs     core.JobRepository
	tasks    core.TaskConsumer
	reader   core.DocumentReader
	analyzer core.Analyzer
	charts   core.ChartGenerator
	store    core.ArtifactStore
	events   core.EventPublisher
	metrics  statsd.Sink
	logger   *slog.Logger

	itemConcurrency int
	itemTimeout     time.Duration
	softBudget      time.Duration
	hardBudget      time.Duration
	retry           job.Backoff
}

// NewExecutor validates opts and applies defaults.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("job repository is required")
	case opts.Tasks == nil:
		return nil, errors.New("task consumer is required")
	case opts.Reader == nil:
		return nil, errors.New("document reader is required")
	case opts.Analyzer == nil:
		return nil, errors.New("analyzer is required")
	case opts.Charts == nil:
		return nil, errors.New("chart generator is required")
	case opts.Store == nil:
		return nil, errors.New("artifact store is required")
	case opts.Events == nil:
		return nil, errors.New("event publisher is required")
	}

	e := &Executor{
		jobs:            opts.Jobs,
		tasks:           opts.Tasks,
		reader:          opts.Reader,
		analyzer:        opts.Analyzer,
		charts:          opts.Charts,
		store:           opts.Store,
		events:          opts.Events,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		itemConcurrency: max(opts.ItemConcurrency, 1),
		itemTimeout:     opts.ItemTimeout,
		softBudget:      opts.SoftBudget,
		hardBudget:      opts.HardBudget,
		retry:           opts.Retry,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "worker")
	if e.itemTimeout <= 0 {
		e.itemTimeout = 30 * time.Second
	}
	if e.hardBudget <= 0 {
		e.hardBudget = 10 * time.Minute
	}
	if e.softBudget <= 0 || e.softBudget > e.hardBudget {
		e.softBudget = e.hardBudget
	}
	if e.retry.Base <= 0 {
		e.retry = job.DefaultBackoff()
	}
	return e, nil
}

// MustNewExecutor panics on invalid options.
func MustNewExecutor(opts ExecutorOptions) *Executor {
	e, err := NewExecutor(opts)
	if err != nil {
		panic(err)
	}
	return e
}

// Execute runs d to a terminal outcome and acknowledges it. A delivery the
// executor cannot make progress on (store unreachable, shutdown) is released
// for redelivery and the cause returned.
func (e *Executor) Execute(ctx context.Context, d *model.Delivery) error {
	start := time.Now()
	log := e.logger.With("job_id", d.JobID, "task_id", d.TaskID, "attempt", d.Attempt)

	j, err := e.loadJob(ctx, d.JobID)
	if errors.Is(err, model.ErrJobNotFound) {
		log.WarnContext(ctx, "dropping delivery for unknown job")
		e.ack(ctx, log, d, model.TaskOutcome{
			State: model.TaskStateRevoked,
			Error: model.NewJobError(model.ErrorCodeJobNotFound, "job %s does not exist", d.JobID),
		})
		e.emit("dropped", metrics.ResultSkipped, start, nil)
		return nil
	}
	if err != nil {
		return e.abandon(ctx, log, d, fmt.Errorf("load job: %w", err))
	}
	if j.Status.IsTerminal() {
		log.InfoContext(ctx, "job already terminal; acknowledging without re-running", "status", j.Status)
		e.ack(ctx, log, d, outcomeForJob(j))
		e.emit("redelivered", metrics.ResultNoop, start, nil)
		return nil
	}

	j = e.adoptTask(ctx, log, j, d)

	j, err = e.startProcessing(ctx, log, j, d)
	if err != nil {
		return e.abandon(ctx, log, d, err)
	}
	if j.Status.IsTerminal() {
		e.ack(ctx, log, d, outcomeForJob(j))
		e.emit("processing", metrics.ResultNoop, start, nil)
		return nil
	}

	hardCtx, cancel := context.WithTimeout(ctx, e.hardBudget)
	defer cancel()

	upd, err := e.run(hardCtx, log, j)
	switch {
	case ctx.Err() != nil:
		return e.abandon(ctx, log, d, ctx.Err())
	case errors.Is(err, errHardBudget) || (err != nil && hardCtx.Err() != nil):
		upd = model.FailedUpdate(model.NewJobError(model.ErrorCodeTimeout,
			"job exceeded hard time budget of %s", e.hardBudget))
	case err != nil:
		return e.abandon(ctx, log, d, err)
	}

	return e.finalize(ctx, log, j, d, upd, start)
}

func (e *Executor) loadJob(ctx context.Context, id string) (*model.Job, error) {
	var j *model.Job
	err := e.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		var err error
		j, err = e.jobs.GetByID(ctx, id)
		return err
	})
	return j, err
}

// adoptTask correlates the job with this delivery's task when the submitter
// never got to. Failure is logged; the reconciler's orphan step retries it.
func (e *Executor) adoptTask(ctx context.Context, log *slog.Logger, j *model.Job, d *model.Delivery) *model.Job {
	if j.HasTask() {
		if *j.ExternalTaskID != d.TaskID {
			log.WarnContext(ctx, "delivery task differs from job's task id", "job_task_id", *j.ExternalTaskID)
		}
		return j
	}

	err := e.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		return e.jobs.AssignTask(ctx, j.ID, d.TaskID)
	})
	switch {
	case err == nil:
		taskID := d.TaskID
		j.ExternalTaskID = &taskID
		log.InfoContext(ctx, "adopted task for job")
	case errors.Is(err, model.ErrAlreadyAssigned):
		if fresh, gerr := e.jobs.GetByID(ctx, j.ID); gerr == nil {
			return fresh
		}
	default:
		log.WarnContext(ctx, "failed to adopt task; continuing", "error", err)
	}
	return j
}

func (e *Executor) startProcessing(ctx context.Context, log *slog.Logger, j *model.Job, d *model.Delivery) (*model.Job, error) {
	updated, applied, err := e.applyStatus(ctx, j.ID, model.ProcessingUpdate())
	if err != nil {
		return nil, fmt.Errorf("apply processing: %w", err)
	}
	if applied {
		e.publish(ctx, log, updated)
	}
	if updated.Status.IsTerminal() {
		return updated, nil
	}
	if err := e.tasks.MarkStarted(ctx, d); err != nil {
		log.WarnContext(ctx, "failed to mark task started", "error", err)
	}
	return updated, nil
}

// run produces the terminal update for j. A nil error always comes with an update.
func (e *Executor) run(ctx context.Context, log *slog.Logger, j *model.Job) (model.StatusUpdate, error) {
	items, err := e.readItems(ctx, j.SourceRef)
	if errors.Is(err, model.ErrInvalidDocument) {
		return model.FailedUpdate(model.NewJobError(model.ErrorCodeInvalidDocument, "%s", err.Error())), nil
	}
	if err != nil {
		return model.StatusUpdate{}, err
	}
	if len(items) == 0 {
		return model.FailedUpdate(model.NewJobError(model.ErrorCodeInvalidDocument, "document contains no reviews")), nil
	}

	results, partial, err := e.analyzeAll(ctx, items)
	if ctx.Err() != nil {
		return model.StatusUpdate{}, errHardBudget
	}
	if err != nil {
		return model.FailedUpdate(model.NewJobError(model.ErrorCodeAnalyzerUnavailable, "%s", err.Error())), nil
	}

	result := model.NewJobResult(results, partial)
	if result.Succeeded == 0 {
		return model.FailedUpdate(model.NewJobError(model.ErrorCodeAnalysisFailed,
			"all %d review items failed analysis", result.Total)), nil
	}
	if partial {
		log.WarnContext(ctx, "soft time budget reached; finalizing with partial results",
			"analyzed", result.Total-countCode(results, model.ErrorCodeSoftTimeout), "total", result.Total)
	}

	ref := storage.ChartsRef(j.ID)
	if err := e.renderCharts(ctx, result, ref); err != nil {
		if ctx.Err() != nil {
			return model.StatusUpdate{}, errHardBudget
		}
		return model.FailedUpdate(model.NewJobError(model.ErrorCodeChartGenerationFailed, "%s", err.Error())), nil
	}
	return model.CompletedUpdate(result, ref), nil
}

func (e *Executor) readItems(ctx context.Context, ref string) ([]model.ReviewItem, error) {
	var items []model.ReviewItem
	err := e.retry.Retry(ctx, func(err error) bool {
		return !errors.Is(err, model.ErrInvalidDocument)
	}, func(ctx context.Context) error {
		var err error
		items, err = e.reader.ReadItems(ctx, ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}

// analyzeAll runs the analyzer over items with bounded concurrency. Items not
// reached before the soft budget get a soft_timeout marker and partial is set.
// An analyzer that stays unavailable aborts the whole run.
func (e *Executor) analyzeAll(ctx context.Context, items []model.ReviewItem) ([]model.AnalysisResult, bool, error) {
	softCtx, cancel := context.WithTimeout(ctx, e.softBudget)
	defer cancel()

	results := make([]model.AnalysisResult, len(items))
	done := make([]bool, len(items))

	g, gctx := errgroup.WithContext(softCtx)
	g.SetLimit(e.itemConcurrency)
	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.analyzeItem(gctx, item)
			switch {
			case err == nil:
				results[i] = res
			case gctx.Err() != nil:
				return nil
			case errors.Is(err, model.ErrAnalyzerUnavailable):
				return err
			default:
				results[i] = errorMarker(item, model.ErrorCodeAnalysisError, err.Error())
			}
			done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	partial := false
	for i, item := range items {
		if !done[i] {
			results[i] = errorMarker(item, model.ErrorCodeSoftTimeout, "not analyzed before the soft time budget")
			partial = true
		}
	}
	return results, partial, nil
}

func (e *Executor) analyzeItem(ctx context.Context, item model.ReviewItem) (model.AnalysisResult, error) {
	var res model.AnalysisResult
	err := e.retry.Retry(ctx, retryableAnalysis, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
		var err error
		res, err = e.analyzer.Analyze(callCtx, item)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: item timeout: %w", model.ErrTransientAnalysis, err)
		}
		return err
	})
	if err != nil {
		return model.AnalysisResult{}, err
	}
	res.Index = item.Index
	res.Error = nil
	return res, nil
}

func (e *Executor) renderCharts(ctx context.Context, result *model.JobResult, ref string) error {
	var bundle []byte
	err := e.retry.Retry(ctx, nil, func(ctx context.Context) error {
		var err error
		bundle, err = e.charts.Generate(ctx, result)
		return err
	})
	if err != nil {
		return fmt.Errorf("generate charts: %w", err)
	}
	err = e.retry.Retry(ctx, nil, func(ctx context.Context) error {
		return e.store.Put(ctx, ref, bytes.NewReader(bundle), int64(len(bundle)), chartContentType)
	})
	if err != nil {
		return fmt.Errorf("store chart bundle: %w", err)
	}
	return nil
}

// finalize writes the terminal update and reports the outcome to the broker.
// It runs detached from ctx cancellation so a shutdown does not lose a
// finished result. The broker is acked even when persistence fails; the
// reconciler then applies the stored result.
func (e *Executor) finalize(
	ctx context.Context,
	log *slog.Logger,
	j *model.Job,
	d *model.Delivery,
	upd model.StatusUpdate,
	start time.Time,
) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	transition := transitionName(upd.Status)
	updated, applied, err := e.applyStatus(fctx, j.ID, upd)
	switch {
	case err != nil:
		log.ErrorContext(fctx, "failed to persist terminal status", "status", upd.Status, "error", err)
	case applied:
		e.publish(fctx, log, updated)
	default:
		log.InfoContext(fctx, "terminal status not applied; job already moved on", "current", updated.Status)
	}

	e.ack(fctx, log, d, outcomeForUpdate(upd))

	switch {
	case err != nil:
		e.emit(transition, metrics.ResultError, start, err)
		return fmt.Errorf("persist %s: %w", upd.Status, err)
	case !applied:
		e.emit(transition, metrics.ResultNoop, start, nil)
	case upd.Status == model.JobStatusFailed:
		e.emit(transition, metrics.ResultError, start, upd.Error)
	default:
		e.emit(transition, metrics.ResultSuccess, start, nil)
	}
	log.InfoContext(fctx, "job finished", "status", upd.Status, "applied", applied, "duration", time.Since(start))
	return nil
}

func (e *Executor) applyStatus(ctx context.Context, jobID string, upd model.StatusUpdate) (*model.Job, bool, error) {
	var (
		updated *model.Job
		applied bool
	)
	err := e.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		var err error
		updated, applied, err = e.jobs.ApplyStatus(ctx, jobID, upd)
		return err
	})
	return updated, applied, err
}

// abandon releases d so another delivery can pick it up.
func (e *Executor) abandon(ctx context.Context, log *slog.Logger, d *model.Delivery, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := e.tasks.Release(rctx, d); err != nil {
		log.WarnContext(rctx, "failed to release delivery; lease expiry will redeliver", "error", err)
	}
	log.WarnContext(rctx, "delivery released", "error", cause)
	e.emit("released", metrics.ResultError, time.Time{}, cause)
	return cause
}

func (e *Executor) ack(ctx context.Context, log *slog.Logger, d *model.Delivery, outcome model.TaskOutcome) {
	if err := e.tasks.Ack(ctx, d, outcome); err != nil {
		log.ErrorContext(ctx, "failed to ack delivery", "state", outcome.State, "error", err)
	}
}

func (e *Executor) publish(ctx context.Context, log *slog.Logger, j *model.Job) {
	if err := e.events.Publish(ctx, model.NewUpdatedEvent(j)); err != nil {
		log.WarnContext(ctx, "failed to publish job event", "status", j.Status, "error", err)
	}
}

func (e *Executor) emit(transition, result string, start time.Time, err error) {
	var d time.Duration
	if !start.IsZero() {
		d = time.Since(start)
	}
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
		Source:     metricSource,
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func outcomeForUpdate(upd model.StatusUpdate) model.TaskOutcome {
	if upd.Status == model.JobStatusCompleted {
		ref := ""
		if upd.ArtifactRef != nil {
			ref = *upd.ArtifactRef
		}
		return model.TaskOutcome{State: model.TaskStateSucceeded, Result: upd.Result, ResultRef: ref}
	}
	return model.TaskOutcome{State: model.TaskStateFailed, Error: upd.Error}
}

func outcomeForJob(j *model.Job) model.TaskOutcome {
	if j.Status == model.JobStatusCompleted {
		ref := ""
		if j.ResultArtifactRef != nil {
			ref = *j.ResultArtifactRef
		}
		return model.TaskOutcome{State: model.TaskStateSucceeded, Result: j.Result, ResultRef: ref}
	}
	jerr := j.Error
	if jerr == nil {
		jerr = model.NewJobError(model.ErrorCodeBrokerFailure, "job %s is %s", j.ID, j.Status)
	}
	return model.TaskOutcome{State: model.TaskStateFailed, Error: jerr}
}

func errorMarker(item model.ReviewItem, code, msg string) model.AnalysisResult {
	return model.AnalysisResult{
		Index:    item.Index,
		Location: item.Location(),
		Score:    item.Score,
		Error:    model.NewJobError(code, "%s", msg),
	}
}

func countCode(results []model.AnalysisResult, code string) int {
	n := 0
	for _, r := range results {
		if r.Error != nil && r.Error.Code == code {
			n++
		}
	}
	return n
}

func transitionName(s model.JobStatus) string {
	switch s {
	case model.JobStatusCompleted:
		return "completed"
	case model.JobStatusFailed:
		return "failed"
	default:
		return "processing"
	}
}

func retryableAnalysis(err error) bool {
	return errors.Is(err, model.ErrTransientAnalysis) || errors.Is(err, model.ErrAnalyzerUnavailable)
}

func retryablePersistence(err error) bool {
	return apperrors.IsRetryable(err) &&
		!errors.Is(err, model.ErrJobNotFound) &&
		!errors.Is(err, model.ErrAlreadyAssigned) &&
		!errors.Is(err, model.ErrInvalidStatusUpdate) &&
		!errors.Is(err, context.Canceled)
}

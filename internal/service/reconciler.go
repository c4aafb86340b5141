package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/observability/metrics"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// ErrSweepInProgress is returned when Sweep is called while another sweep runs.
var ErrSweepInProgress = errors.New("reconciler sweep already in progress")

// ReconcilerServiceOptions groups dependencies for ReconcilerService.
type ReconcilerServiceOptions struct {
	Jobs    core.JobRepository      // Required
	Broker  core.TaskBroker         // Required
	Events  core.EventPublisher     // Required
	Config  config.ReconcilerConfig // Required: sanitized reconciler configuration
	Logger  *slog.Logger            // Optional
	Metrics statsd.Sink             // Optional
	Retry   job.Backoff             // Optional: persistence retry policy
	Now     func() time.Time        // Optional
}

// ReconcilerService converges the Job Store with the broker's view of each
// task. It only ever moves jobs forward through ApplyStatus.
type ReconcilerService struct {
	jobs    core.JobRepository
	broker  core.TaskBroker
	events  core.EventPublisher
	cfg     config.ReconcilerConfig
	logger  *slog.Logger
	metrics statsd.Sink
	retry   job.Backoff
	now     func() time.Time

	running atomic.Bool

	// cursor is where the next sweep resumes paging through active jobs.
	cursorMu sync.Mutex
	cursor   *model.JobCursor
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked  int
	Applied  int
	Skipped  int
	Failed   int
	Adopted  int
	Orphans  int
	Duration time.Duration
}

// NewReconcilerService constructs a ReconcilerService.
func NewReconcilerService(opts ReconcilerServiceOptions) (*ReconcilerService, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Broker == nil:
		return nil, errors.New("TaskBroker is required")
	case opts.Events == nil:
		return nil, errors.New("EventPublisher is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := opts.Retry
	if retry.Base <= 0 {
		retry = job.DefaultBackoff()
	}
	retry.MaxAttempts = cfg.MaxAttempts
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ReconcilerService{
		jobs:    opts.Jobs,
		broker:  opts.Broker,
		events:  opts.Events,
		cfg:     cfg,
		logger:  logger.With("component", "reconciler"),
		metrics: opts.Metrics,
		retry:   retry,
		now:     now,
	}, nil
}

// MustNewReconcilerService constructs a ReconcilerService and panics on error.
func MustNewReconcilerService(opts ReconcilerServiceOptions) *ReconcilerService {
	svc, err := NewReconcilerService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// sweepTally is shared by the sweep goroutines.
type sweepTally struct {
	mu  sync.Mutex
	rep SweepReport
}

func (t *sweepTally) add(fn func(r *SweepReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.rep)
}

type jobOutcome int

const (
	outcomeUnchanged jobOutcome = iota
	outcomeApplied
	outcomeSkipped
	outcomeFailed
)

// Sweep runs one reconciliation pass under the configured deadline. Only one
// sweep runs at a time; a concurrent call returns ErrSweepInProgress.
func (s *ReconcilerService) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.WarnContext(ctx, "previous sweep still running; skipping tick")
		if s.metrics != nil {
			s.metrics.Count("reconciler.sweep_skipped", 1, nil)
		}
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	start := time.Now()
	tally := &sweepTally{}
	err := s.sweepActive(ctx, tally)
	if oerr := s.resolveOrphans(ctx, tally); oerr != nil {
		err = errors.Join(err, oerr)
	}

	rep := tally.rep
	rep.Duration = time.Since(start)
	metrics.EmitSweep(s.metrics, metrics.SweepMetric{
		Checked:  rep.Checked,
		Applied:  rep.Applied,
		Skipped:  rep.Skipped,
		Failed:   rep.Failed,
		Adopted:  rep.Adopted,
		Orphans:  rep.Orphans,
		Duration: rep.Duration,
		Err:      err,
	})

	level := slog.LevelDebug
	if rep.Applied > 0 || rep.Failed > 0 || rep.Orphans > 0 || err != nil {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep finished",
		"checked", rep.Checked,
		"applied", rep.Applied,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"adopted", rep.Adopted,
		"orphans", rep.Orphans,
		"duration", rep.Duration,
		"error", err,
	)
	return rep, err
}

// sweepActive reconciles the next page of active jobs. Pages rotate through
// every active job in submission order and wrap once the end is reached, so
// a backlog larger than BatchSize is still reached within a few sweeps.
func (s *ReconcilerService) sweepActive(ctx context.Context, tally *sweepTally) error {
	s.cursorMu.Lock()
	after := s.cursor
	s.cursorMu.Unlock()

	var active []*model.Job
	err := s.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		var err error
		active, err = s.jobs.ListActive(ctx, model.ActiveJobsQuery{After: after, Limit: s.cfg.BatchSize})
		return err
	})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	launched := 0
	for _, j := range active {
		if ctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			outcome := s.reconcileJob(ctx, j)
			tally.add(func(r *SweepReport) {
				r.Checked++
				switch outcome {
				case outcomeApplied:
					r.Applied++
				case outcomeSkipped:
					r.Skipped++
				case outcomeFailed:
					r.Failed++
				}
			})
			return nil
		})
	}
	_ = g.Wait()
	s.advanceCursor(active, launched)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sweep deadline: %w", err)
	}
	return nil
}

// advanceCursor records where the next sweep resumes. A short page means the
// end was reached and the next sweep starts over; jobs the deadline cut off
// are revisited first.
func (s *ReconcilerService) advanceCursor(page []*model.Job, launched int) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	switch {
	case launched < len(page):
		if launched > 0 {
			s.cursor = model.CursorOf(page[launched-1])
		}
	case len(page) < s.cfg.BatchSize:
		s.cursor = nil
	default:
		s.cursor = model.CursorOf(page[len(page)-1])
	}
}

func (s *ReconcilerService) reconcileJob(ctx context.Context, j *model.Job) jobOutcome {
	log := s.logger.With("job_id", j.ID)
	s.warnIfStuck(ctx, log, j)

	if !j.HasTask() {
		return outcomeSkipped
	}
	taskID := *j.ExternalTaskID
	log = log.With("task_id", taskID)

	snap, err := s.broker.TaskState(ctx, taskID)
	if err != nil {
		log.WarnContext(ctx, "broker state read failed", "error", err)
		return outcomeFailed
	}
	return s.applySnapshot(ctx, log, j, snap)
}

// applySnapshot maps snap onto j and writes it through the forward-only gate.
func (s *ReconcilerService) applySnapshot(ctx context.Context, log *slog.Logger, j *model.Job, snap *model.TaskSnapshot) jobOutcome {
	upd, ok := s.updateFor(ctx, log, snap)
	if !ok {
		return outcomeSkipped
	}
	if !job.CanApply(j, upd) {
		return outcomeUnchanged
	}

	var (
		updated *model.Job
		applied bool
	)
	err := s.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		var err error
		updated, applied, err = s.jobs.ApplyStatus(ctx, j.ID, upd)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to apply broker status", "status", upd.Status, "error", err)
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Source: "reconciler", Transition: transitionLabel(upd.Status), Result: metrics.ResultError, Err: err,
		})
		return outcomeFailed
	}
	if !applied {
		log.DebugContext(ctx, "stale broker state ignored", "broker_state", snap.State, "current", updated.Status)
		return outcomeUnchanged
	}

	log.InfoContext(ctx, "applied broker status", "broker_state", snap.State, "status", updated.Status)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Source: "reconciler", Transition: transitionLabel(upd.Status), Result: metrics.ResultSuccess,
	})
	if err := s.events.Publish(ctx, model.NewUpdatedEvent(updated)); err != nil {
		log.WarnContext(ctx, "failed to publish job event", "error", err)
	}
	return outcomeApplied
}

// updateFor translates a broker snapshot. ok is false when the snapshot must be skipped.
func (s *ReconcilerService) updateFor(ctx context.Context, log *slog.Logger, snap *model.TaskSnapshot) (model.StatusUpdate, bool) {
	status, ok := snap.State.DomainStatus()
	if !ok {
		return model.StatusUpdate{}, false
	}

	switch status {
	case model.JobStatusCompleted:
		if len(snap.Result) == 0 || snap.ResultRef == "" {
			log.WarnContext(ctx, "broker reports success without a stored result; skipping")
			return model.StatusUpdate{}, false
		}
		var res model.JobResult
		if err := json.Unmarshal(snap.Result, &res); err != nil {
			log.WarnContext(ctx, "broker result is not decodable; skipping", "error", err)
			return model.StatusUpdate{}, false
		}
		return model.CompletedUpdate(&res, snap.ResultRef), true
	case model.JobStatusFailed:
		jerr := snap.Error
		if jerr == nil {
			jerr = model.NewJobError("broker_"+string(snap.State), "task %s reported %s by the broker", snap.TaskID, snap.State)
		}
		return model.FailedUpdate(jerr), true
	default:
		return model.StatusUpdate{Status: status}, true
	}
}

func (s *ReconcilerService) warnIfStuck(ctx context.Context, log *slog.Logger, j *model.Job) {
	if s.cfg.MaxProcessingAge <= 0 || j.Status != model.JobStatusProcessing || j.StartedAt == nil {
		return
	}
	if age := s.now().Sub(*j.StartedAt); age > s.cfg.MaxProcessingAge {
		log.WarnContext(ctx, "job has been processing longer than expected", "age", age, "max_age", s.cfg.MaxProcessingAge)
	}
}

// resolveOrphans walks the broker's finished tasks. A task whose job never
// received a task id is adopted; a task whose job carries another id (or no
// longer exists) is logged and forgotten.
func (s *ReconcilerService) resolveOrphans(ctx context.Context, tally *sweepTally) error {
	if ctx.Err() != nil {
		return nil
	}
	finished, err := s.broker.FinishedTasks(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list finished tasks: %w", err)
	}

	for _, snap := range finished {
		if ctx.Err() != nil {
			break
		}
		s.resolveFinished(ctx, tally, snap)
	}
	return nil
}

func (s *ReconcilerService) resolveFinished(ctx context.Context, tally *sweepTally, snap *model.TaskSnapshot) {
	log := s.logger.With("task_id", snap.TaskID, "job_id", snap.JobID)

	j, err := s.jobs.GetByID(ctx, snap.JobID)
	switch {
	case errors.Is(err, model.ErrJobNotFound) || snap.JobID == "":
		log.WarnContext(ctx, "orphan task for unknown job; forgetting")
		s.forget(ctx, log, snap.TaskID)
		tally.add(func(r *SweepReport) { r.Orphans++ })
		return
	case err != nil:
		log.WarnContext(ctx, "failed to load job for finished task", "error", err)
		tally.add(func(r *SweepReport) { r.Failed++ })
		return
	}

	if !j.HasTask() {
		if j, err = s.adopt(ctx, log, j, snap.TaskID); err != nil {
			tally.add(func(r *SweepReport) { r.Failed++ })
			return
		}
		tally.add(func(r *SweepReport) { r.Adopted++ })
	}

	if *j.ExternalTaskID != snap.TaskID {
		log.WarnContext(ctx, "orphan task; job is correlated with another task",
			"job_task_id", *j.ExternalTaskID, "broker_state", snap.State)
		s.forget(ctx, log, snap.TaskID)
		tally.add(func(r *SweepReport) { r.Orphans++ })
		return
	}

	if !j.Status.IsTerminal() {
		if s.applySnapshot(ctx, log, j, snap) == outcomeApplied {
			tally.add(func(r *SweepReport) { r.Applied++ })
		}
		return
	}
	s.forget(ctx, log, snap.TaskID)
}

func (s *ReconcilerService) adopt(ctx context.Context, log *slog.Logger, j *model.Job, taskID string) (*model.Job, error) {
	err := s.retry.Retry(ctx, retryablePersistence, func(ctx context.Context) error {
		return s.jobs.AssignTask(ctx, j.ID, taskID)
	})
	switch {
	case err == nil:
		log.InfoContext(ctx, "adopted orphan task")
		cp := *j
		cp.ExternalTaskID = &taskID
		return &cp, nil
	case errors.Is(err, model.ErrAlreadyAssigned):
		return s.jobs.GetByID(ctx, j.ID)
	default:
		log.WarnContext(ctx, "failed to adopt task", "error", err)
		return nil, err
	}
}

func (s *ReconcilerService) forget(ctx context.Context, log *slog.Logger, taskID string) {
	if err := s.broker.Forget(ctx, taskID); err != nil {
		log.WarnContext(ctx, "failed to forget finished task", "error", err)
	}
}

func transitionLabel(s model.JobStatus) string {
	switch s {
	case model.JobStatusPending:
		return "pending"
	case model.JobStatusProcessing:
		return "processing"
	case model.JobStatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

func retryablePersistence(err error) bool {
	return apperrors.IsRetryable(err) &&
		!errors.Is(err, model.ErrJobNotFound) &&
		!errors.Is(err, model.ErrAlreadyAssigned) &&
		!errors.Is(err, model.ErrInvalidStatusUpdate) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

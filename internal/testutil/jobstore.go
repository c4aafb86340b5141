package testutil

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
)

// MemJobStore is an in-memory core.JobRepository with the same forward-only
// gate as the Postgres store. Hooks let tests inject failures.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	seq  int
	now  func() time.Time

	// History records every applied status per job, in order.
	History map[string][]model.JobStatus

	// Hooks run before the matching call; a non-nil error is returned as-is.
	CreateErr      func() error
	AssignTaskErr  func(jobID, taskID string) error
	ApplyStatusErr func(jobID string, upd model.StatusUpdate) error
}

// NewMemJobStore returns an empty store.
func NewMemJobStore() *MemJobStore {
	base := TestTime()
	var tick int64
	var tickMu sync.Mutex
	return &MemJobStore{
		jobs:    make(map[string]*model.Job),
		History: make(map[string][]model.JobStatus),
		now: func() time.Time {
			tickMu.Lock()
			defer tickMu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Millisecond)
		},
	}
}

func (s *MemJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if s.CreateErr != nil {
		if err := s.CreateErr(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := s.now()
	j := &model.Job{
		ID:          uuid.NewString(),
		SourceRef:   req.SourceRef,
		SourceName:  req.SourceName,
		Status:      model.JobStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	s.History[j.ID] = []model.JobStatus{model.JobStatusPending}
	return cloneJob(j), nil
}

func (s *MemJobStore) AssignTask(_ context.Context, jobID, taskID string) error {
	if s.AssignTaskErr != nil {
		if err := s.AssignTaskErr(jobID, taskID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if j.HasTask() {
		return model.ErrAlreadyAssigned
	}
	j.ExternalTaskID = &taskID
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemJobStore) ApplyStatus(_ context.Context, jobID string, upd model.StatusUpdate) (*model.Job, bool, error) {
	if err := upd.Validate(); err != nil {
		return nil, false, err
	}
	if s.ApplyStatusErr != nil {
		if err := s.ApplyStatusErr(jobID, upd); err != nil {
			return nil, false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, model.ErrJobNotFound
	}
	if !job.CanApply(j, upd) {
		return cloneJob(j), false, nil
	}

	now := s.now()
	j.Status = upd.Status
	j.Result = upd.Result
	j.ResultArtifactRef = upd.ArtifactRef
	j.Error = upd.Error
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	if upd.Status.IsTerminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now
	s.History[jobID] = append(s.History[jobID], upd.Status)
	return cloneJob(j), true, nil
}

func (s *MemJobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemJobStore) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if opts.Status != nil && j.Status != *opts.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].SubmittedAt.After(out[b].SubmittedAt)
		}
		return out[a].ID > out[b].ID
	})
	return page(out, opts.Limit, opts.Offset), nil
}

func (s *MemJobStore) ListActive(_ context.Context, q model.ActiveJobsQuery) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*model.Job{}
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && (q.After == nil || cursorLess(q.After, j)) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return cursorLess(model.CursorOf(out[a]), out[b]) })
	return page(out, q.Limit, 0), nil
}

// cursorLess reports whether c sorts strictly before j in (submitted_at, id) order.
func cursorLess(c *model.JobCursor, j *model.Job) bool {
	if !c.SubmittedAt.Equal(j.SubmittedAt) {
		return c.SubmittedAt.Before(j.SubmittedAt)
	}
	return c.ID < j.ID
}

// Put stores j verbatim; tests use it to arrange state the gate would refuse.
func (s *MemJobStore) Put(j *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		s.seq++
		j.ID = "job-" + strconv.Itoa(s.seq)
	}
	s.jobs[j.ID] = cloneJob(j)
	s.History[j.ID] = append(s.History[j.ID], j.Status)
}

// Statuses returns the applied status sequence for jobID.
func (s *MemJobStore) Statuses(jobID string) []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.History[jobID])
}

func page(jobs []*model.Job, limit, offset int) []*model.Job {
	if offset < 0 {
		offset = 0
	}
	if offset > len(jobs) {
		return []*model.Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	if j.ExternalTaskID != nil {
		id := *j.ExternalTaskID
		cp.ExternalTaskID = &id
	}
	return &cp
}

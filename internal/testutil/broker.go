package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/target/review-pulse/internal/domain/model"
)

// MemBroker is an in-memory task queue and broker. It implements
// core.TaskQueue, core.TaskConsumer and core.TaskBroker.
type MemBroker struct {
	mu       sync.Mutex
	seq      int
	pending  []string
	tasks    map[string]*model.TaskSnapshot
	finished []string

	// EnqueueErr, when set, is consulted before each Enqueue.
	EnqueueErr func(jobID string) error
	// Acks records outcomes by task id.
	Acks map[string]model.TaskOutcome
}

// NewMemBroker returns an empty broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{tasks: make(map[string]*model.TaskSnapshot), Acks: make(map[string]model.TaskOutcome)}
}

func (b *MemBroker) Enqueue(_ context.Context, jobID string) (string, error) {
	if b.EnqueueErr != nil {
		if err := b.EnqueueErr(jobID); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := "task-" + strconv.Itoa(b.seq)
	b.tasks[id] = &model.TaskSnapshot{TaskID: id, JobID: jobID, State: model.TaskStateQueued, EnqueuedAt: TestTime()}
	b.pending = append(b.pending, id)
	return id, nil
}

func (b *MemBroker) Dequeue(ctx context.Context, wait time.Duration) (*model.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			id := b.pending[0]
			b.pending = b.pending[1:]
			t := b.tasks[id]
			t.Deliveries++
			t.State = model.TaskStateStarted
			if t.Deliveries > 1 {
				t.State = model.TaskStateRetrying
			}
			d := &model.Delivery{TaskID: id, JobID: t.JobID, Attempt: t.Deliveries, DeliveredAt: time.Now()}
			b.mu.Unlock()
			return d, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemBroker) MarkStarted(_ context.Context, d *model.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[d.TaskID]
	if !ok {
		return errors.New("unknown task")
	}
	now := TestTime()
	t.State = model.TaskStateRunning
	t.StartedAt = &now
	return nil
}

func (b *MemBroker) Ack(_ context.Context, d *model.Delivery, outcome model.TaskOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[d.TaskID]
	if !ok {
		return errors.New("unknown task")
	}
	b.setOutcome(t, outcome)
	b.Acks[d.TaskID] = outcome
	return nil
}

func (b *MemBroker) Release(_ context.Context, d *model.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[d.TaskID]; ok {
		t.State = model.TaskStateWaiting
		b.pending = append([]string{d.TaskID}, b.pending...)
	}
	return nil
}

func (b *MemBroker) RequeueExpired(context.Context) (int, error) { return 0, nil }

func (b *MemBroker) TaskState(_ context.Context, taskID string) (*model.TaskSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return &model.TaskSnapshot{TaskID: taskID, State: model.TaskStateUnknown}, nil
	}
	cp := *t
	return &cp, nil
}

func (b *MemBroker) FinishedTasks(_ context.Context, limit int) ([]*model.TaskSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.TaskSnapshot
	for _, id := range b.finished {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *b.tasks[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (b *MemBroker) Forget(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, id := range b.finished {
		if id == taskID {
			b.finished = append(b.finished[:i], b.finished[i+1:]...)
			break
		}
	}
	return nil
}

// SetState forces a task into state, as an external broker would report it.
func (b *MemBroker) SetState(taskID string, state model.TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		t = &model.TaskSnapshot{TaskID: taskID}
		b.tasks[taskID] = t
	}
	t.State = state
}

// Finish records a terminal outcome for taskID without a delivery.
func (b *MemBroker) Finish(taskID, jobID string, outcome model.TaskOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		t = &model.TaskSnapshot{TaskID: taskID, JobID: jobID}
		b.tasks[taskID] = t
	}
	b.setOutcome(t, outcome)
}

// PendingCount returns the number of undelivered tasks.
func (b *MemBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *MemBroker) setOutcome(t *model.TaskSnapshot, outcome model.TaskOutcome) {
	now := TestTime()
	t.State = outcome.State
	t.FinishedAt = &now
	t.ResultRef = outcome.ResultRef
	t.Error = outcome.Error
	t.Result = nil
	if outcome.Result != nil {
		raw, err := json.Marshal(outcome.Result)
		if err == nil {
			t.Result = raw
		}
	}
	for _, id := range b.finished {
		if id == t.TaskID {
			return
		}
	}
	b.finished = append(b.finished, t.TaskID)
}

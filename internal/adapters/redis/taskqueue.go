// Package redis provides the Redis-backed task broker and the cross-process
// event bus for the review-pulse pipeline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/review-pulse/internal/domain/model"
)

// Task hash fields.
const (
	fieldJobID      = "job_id"
	fieldState      = "state"
	fieldDeliveries = "deliveries"
	fieldEnqueuedAt = "enqueued_at"
	fieldStartedAt  = "started_at"
	fieldFinishedAt = "finished_at"
	fieldResult     = "result"
	fieldResultRef  = "result_ref"
	fieldError      = "error"
)

// TaskQueueOptions configures the Redis task broker.
type TaskQueueOptions struct {
	// Prefix is wrapped in a hash tag so every key lands in one cluster slot.
	Prefix            string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	ResultTTL         time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// TaskQueue is a reliable list-based queue: tasks move from the pending list
// to the processing list on delivery and carry a visibility lease. Task state,
// results, and errors live in a per-task hash that doubles as the result backend.
type TaskQueue struct {
	client            redis.UniversalClient
	prefix            string
	visibilityTimeout time.Duration
	maxDeliveries     int
	resultTTL         time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// NewTaskQueue builds a TaskQueue.
func NewTaskQueue(client redis.UniversalClient, opts TaskQueueOptions) (*TaskQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "reviewpulse:tasks"
	}
	vt := opts.VisibilityTimeout
	if vt <= 0 {
		vt = 15 * time.Minute
	}
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &TaskQueue{
		client:            client,
		prefix:            "{" + prefix + "}",
		visibilityTimeout: vt,
		maxDeliveries:     maxDeliveries,
		resultTTL:         ttl,
		logger:            logger.With("component", "task_queue"),
		now:               now,
	}, nil
}

// MustNewTaskQueue panics on invalid options.
func MustNewTaskQueue(client redis.UniversalClient, opts TaskQueueOptions) *TaskQueue {
	q, err := NewTaskQueue(client, opts)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *TaskQueue) pendingKey() string       { return q.prefix + ":pending" }
func (q *TaskQueue) processingKey() string    { return q.prefix + ":processing" }
func (q *TaskQueue) leasesKey() string        { return q.prefix + ":leases" }
func (q *TaskQueue) finishedKey() string      { return q.prefix + ":finished" }
func (q *TaskQueue) taskKey(id string) string { return q.prefix + ":task:" + id }

// Enqueue registers a task for jobID and returns its broker id.
func (q *TaskQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", errors.New("job id is required")
	}
	taskID := uuid.NewString()
	now := q.now().UTC()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskKey(taskID),
			fieldJobID, jobID,
			fieldState, string(model.TaskStateQueued),
			fieldDeliveries, 0,
			fieldEnqueuedAt, formatTime(now),
		)
		pipe.LPush(ctx, q.pendingKey(), taskID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return taskID, nil
}

// Dequeue waits up to wait for the next task. It returns nil, nil when the
// wait elapses without a delivery.
func (q *TaskQueue) Dequeue(ctx context.Context, wait time.Duration) (*model.Delivery, error) {
	taskID, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	now := q.now().UTC()
	key := q.taskKey(taskID)
	var (
		jobIDCmd      *redis.StringCmd
		deliveriesCmd *redis.IntCmd
	)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		jobIDCmd = pipe.HGet(ctx, key, fieldJobID)
		deliveriesCmd = pipe.HIncrBy(ctx, key, fieldDeliveries, 1)
		pipe.ZAdd(ctx, q.leasesKey(), redis.Z{Score: float64(now.Add(q.visibilityTimeout).UnixMilli()), Member: taskID})
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lease task %s: %w", taskID, err)
	}

	jobID, jobErr := jobIDCmd.Result()
	if jobErr != nil {
		// Hash expired or was never written; drop the dangling id.
		q.logger.WarnContext(ctx, "dropping task without state", "task_id", taskID)
		q.dropDelivery(ctx, taskID)
		return nil, nil
	}

	attempt := int(deliveriesCmd.Val())
	state := model.TaskStateStarted
	if attempt > 1 {
		state = model.TaskStateRetrying
	}
	if err := q.client.HSet(ctx, key, fieldState, string(state)).Err(); err != nil {
		return nil, fmt.Errorf("mark task %s %s: %w", taskID, state, err)
	}

	return &model.Delivery{TaskID: taskID, JobID: jobID, Attempt: attempt, DeliveredAt: now}, nil
}

// MarkStarted records that the worker began executing and extends the lease.
func (q *TaskQueue) MarkStarted(ctx context.Context, d *model.Delivery) error {
	now := q.now().UTC()
	key := q.taskKey(d.TaskID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldState, string(model.TaskStateRunning))
		pipe.HSetNX(ctx, key, fieldStartedAt, formatTime(now))
		pipe.ZAddXX(ctx, q.leasesKey(), redis.Z{Score: float64(now.Add(q.visibilityTimeout).UnixMilli()), Member: d.TaskID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark task %s started: %w", d.TaskID, err)
	}
	return nil
}

// Ack stores the outcome in the result backend and removes the delivery.
func (q *TaskQueue) Ack(ctx context.Context, d *model.Delivery, outcome model.TaskOutcome) error {
	if !outcome.State.IsFinished() {
		return fmt.Errorf("ack task %s: state %q is not final", d.TaskID, outcome.State)
	}
	fields, err := outcomeFields(outcome)
	if err != nil {
		return fmt.Errorf("ack task %s: %w", d.TaskID, err)
	}
	now := q.now().UTC()
	fields = append(fields, fieldFinishedAt, formatTime(now))

	key := q.taskKey(d.TaskID)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, q.resultTTL)
		pipe.LRem(ctx, q.processingKey(), 1, d.TaskID)
		pipe.ZRem(ctx, q.leasesKey(), d.TaskID)
		pipe.ZAdd(ctx, q.finishedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: d.TaskID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", d.TaskID, err)
	}
	return nil
}

// Release hands a delivery back to the front of the queue without an outcome.
func (q *TaskQueue) Release(ctx context.Context, d *model.Delivery) error {
	removed, err := q.client.ZRem(ctx, q.leasesKey(), d.TaskID).Result()
	if err != nil {
		return fmt.Errorf("release task %s: %w", d.TaskID, err)
	}
	if removed == 0 {
		// Lease already reclaimed by the redelivery loop.
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.TaskID)
		pipe.HSet(ctx, q.taskKey(d.TaskID), fieldState, string(model.TaskStateWaiting))
		pipe.RPush(ctx, q.pendingKey(), d.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release task %s: %w", d.TaskID, err)
	}
	return nil
}

// RequeueExpired returns deliveries whose lease ran out to the queue. Tasks
// past MaxDeliveries are finished as lost instead. Safe to run from several
// processes: the lease removal decides who handles a task.
func (q *TaskQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now().UTC()
	expired, err := q.client.ZRangeByScore(ctx, q.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan leases: %w", err)
	}

	requeued := 0
	var errs []error
	for _, taskID := range expired {
		removed, err := q.client.ZRem(ctx, q.leasesKey(), taskID).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("claim lease %s: %w", taskID, err))
			continue
		}
		if removed == 0 {
			continue
		}
		if err := q.requeueOne(ctx, taskID, now); err != nil {
			errs = append(errs, err)
			continue
		}
		requeued++
	}
	return requeued, errors.Join(errs...)
}

func (q *TaskQueue) requeueOne(ctx context.Context, taskID string, now time.Time) error {
	key := q.taskKey(taskID)
	deliveries, err := q.client.HGet(ctx, key, fieldDeliveries).Int()
	if errors.Is(err, redis.Nil) {
		q.dropDelivery(ctx, taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deliveries %s: %w", taskID, err)
	}

	if deliveries >= q.maxDeliveries {
		q.logger.WarnContext(ctx, "task exceeded max deliveries; marking lost",
			"task_id", taskID, "deliveries", deliveries)
		fields, ferr := outcomeFields(model.TaskOutcome{
			State: model.TaskStateLost,
			Error: model.NewJobError(model.ErrorCodeBrokerFailure,
				"task lost after %d deliveries", deliveries),
		})
		if ferr != nil {
			return ferr
		}
		fields = append(fields, fieldFinishedAt, formatTime(now))
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processingKey(), 1, taskID)
			pipe.HSet(ctx, key, fields...)
			pipe.Expire(ctx, key, q.resultTTL)
			pipe.ZAdd(ctx, q.finishedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: taskID})
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark task %s lost: %w", taskID, err)
		}
		return nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, taskID)
		pipe.HSet(ctx, key, fieldState, string(model.TaskStateRetrying))
		pipe.RPush(ctx, q.pendingKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	q.logger.InfoContext(ctx, "requeued expired delivery", "task_id", taskID, "deliveries", deliveries)
	return nil
}

func (q *TaskQueue) dropDelivery(ctx context.Context, taskID string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, taskID)
		pipe.ZRem(ctx, q.leasesKey(), taskID)
		pipe.Del(ctx, q.taskKey(taskID))
		return nil
	})
	if err != nil {
		q.logger.WarnContext(ctx, "failed to drop dangling delivery", "task_id", taskID, "error", err)
	}
}

// TaskState reads the broker's view of a task. Unknown ids yield state unknown.
func (q *TaskQueue) TaskState(ctx context.Context, taskID string) (*model.TaskSnapshot, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	return snapshotFromHash(taskID, fields)
}

// FinishedTasks returns up to limit finished tasks, oldest first.
func (q *TaskQueue) FinishedTasks(ctx context.Context, limit int) ([]*model.TaskSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRangeByScore(ctx, q.finishedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read finished tasks: %w", err)
	}

	out := make([]*model.TaskSnapshot, 0, len(ids))
	for i, id := range ids {
		snap, err := snapshotFromHash(id, cmds[i].Val())
		if err != nil {
			q.logger.WarnContext(ctx, "skipping unreadable task", "task_id", id, "error", err)
			continue
		}
		if snap.State == model.TaskStateUnknown {
			// Result TTL elapsed; nothing left to reconcile.
			_ = q.Forget(ctx, id)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Forget drops a task from the finished index. Its state stays readable until the result TTL.
func (q *TaskQueue) Forget(ctx context.Context, taskID string) error {
	if err := q.client.ZRem(ctx, q.finishedKey(), taskID).Err(); err != nil {
		return fmt.Errorf("forget task %s: %w", taskID, err)
	}
	return nil
}

// Depth reports queue lengths for health output.
func (q *TaskQueue) Depth(ctx context.Context) (pending, processing int64, err error) {
	var pendingCmd, processingCmd *redis.IntCmd
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pendingCmd = pipe.LLen(ctx, q.pendingKey())
		processingCmd = pipe.LLen(ctx, q.processingKey())
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return pendingCmd.Val(), processingCmd.Val(), nil
}

func outcomeFields(outcome model.TaskOutcome) ([]any, error) {
	fields := []any{fieldState, string(outcome.State)}
	if outcome.Result != nil {
		b, err := json.Marshal(outcome.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields = append(fields, fieldResult, string(b))
	}
	if outcome.ResultRef != "" {
		fields = append(fields, fieldResultRef, outcome.ResultRef)
	}
	if outcome.Error != nil {
		b, err := json.Marshal(outcome.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		fields = append(fields, fieldError, string(b))
	}
	return fields, nil
}

func snapshotFromHash(taskID string, fields map[string]string) (*model.TaskSnapshot, error) {
	snap := &model.TaskSnapshot{TaskID: taskID, State: model.TaskStateUnknown}
	if len(fields) == 0 {
		return snap, nil
	}

	snap.JobID = fields[fieldJobID]
	if s := fields[fieldState]; s != "" {
		snap.State = model.TaskState(s)
	}
	if v := fields[fieldDeliveries]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse deliveries: %w", err)
		}
		snap.Deliveries = n
	}
	if v := fields[fieldEnqueuedAt]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		snap.EnqueuedAt = t
	}
	for name, dst := range map[string]**time.Time{fieldStartedAt: &snap.StartedAt, fieldFinishedAt: &snap.FinishedAt} {
		v := fields[name]
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		*dst = &t
	}
	if v := fields[fieldResult]; v != "" {
		snap.Result = json.RawMessage(v)
	}
	snap.ResultRef = fields[fieldResultRef]
	if v := fields[fieldError]; v != "" {
		snap.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(v), snap.Error); err != nil {
			return nil, fmt.Errorf("parse task error: %w", err)
		}
	}
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

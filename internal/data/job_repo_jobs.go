package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/data/pgxutil"
	"github.com/target/review-pulse/internal/domain/model"
)

// Create inserts a Pending job without an external task id.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	ref := strings.TrimSpace(req.SourceRef)
	if ref == "" {
		return nil, apperrors.ValidationField("source_ref", "source_ref is required")
	}

	now := r.timeProvider.Now()
	query := `
		INSERT INTO jobs (source_ref, source_name, status, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING ` + jobColumns

	row := r.DB.QueryRowContext(ctx, query, ref, strings.TrimSpace(req.SourceName), model.JobStatusPending, now)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// AssignTask correlates a job with its queue task id. The id is written at most once.
func (r *JobRepo) AssignTask(ctx context.Context, jobID, taskID string) error {
	if !validJobID(jobID) {
		return ErrJobNotFound
	}
	if strings.TrimSpace(taskID) == "" {
		return apperrors.ValidationField("external_task_id", "task id is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET external_task_id = $2, updated_at = $3
		WHERE id = $1 AND external_task_id IS NULL`,
		jobID, taskID, r.timeProvider.Now(),
	)
	if err != nil {
		return fmt.Errorf("assign task: %w", apperrors.MapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing sql.NullString
	err = r.DB.QueryRowContext(ctx, `SELECT external_task_id FROM jobs WHERE id = $1`, jobID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load task id: %w", apperrors.MapDBError(err))
	}
	return ErrAlreadyAssigned
}

// applyStatusSQL writes the update only when it moves the row forward. $7 is
// the rank of the new status. $8 admits a same-status terminal re-write, and
// only when it repeats the stored payload, so a terminal row never changes.
const applyStatusSQL = `
	UPDATE jobs
	SET status = $2,
	    result = $3::jsonb,
	    result_artifact_ref = $4::text,
	    error = $5::jsonb,
	    started_at = COALESCE(started_at, $6),
	    completed_at = CASE WHEN $2 IN ('Completed', 'Failed') THEN COALESCE(completed_at, $6) ELSE completed_at END,
	    updated_at = $6
	WHERE id = $1
	  AND (` + statusRankSQL + ` < $7 OR (
	        status = $2 AND $8::boolean
	        AND result IS NOT DISTINCT FROM $3::jsonb
	        AND error IS NOT DISTINCT FROM $5::jsonb
	        AND result_artifact_ref IS NOT DISTINCT FROM $4::text))
	RETURNING ` + jobColumns

// ApplyStatus is the monotonic gate for every lifecycle change.
func (r *JobRepo) ApplyStatus(ctx context.Context, jobID string, upd model.StatusUpdate) (*model.Job, bool, error) {
	if err := upd.Validate(); err != nil {
		return nil, false, err
	}
	if !validJobID(jobID) {
		return nil, false, ErrJobNotFound
	}

	result, err := jsonOrNil(upd.Result)
	if err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}
	jobErr, err := jsonOrNil(upd.Error)
	if err != nil {
		return nil, false, fmt.Errorf("encode error: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, applyStatusSQL,
		jobID,
		upd.Status,
		result,
		upd.ArtifactRef,
		jobErr,
		r.timeProvider.Now(),
		upd.Status.Rank(),
		upd.DataBearing(),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("apply status: %w", apperrors.MapDBError(err))
	}

	// Not applied: report the stored state so callers can log what won.
	current, getErr := r.GetByID(ctx, jobID)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, false, nil
}

// GetByID loads one job.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}

	job, err := pgxutil.QueryOne(ctx, r.DB,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, []any{id},
		func(row pgx.Row) (*model.Job, error) { return scanJob(row) },
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

func validJobID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}

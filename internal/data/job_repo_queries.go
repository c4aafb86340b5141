package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/review-pulse/internal/data/pgxutil"
	"github.com/target/review-pulse/internal/domain/model"
	apperrors "github.com/target/review-pulse/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// jobFilterQueryBuilder accumulates WHERE clauses and positional args.
type jobFilterQueryBuilder struct {
	conditions []string
	args       []any
}

func (b *jobFilterQueryBuilder) addFilter(condition string, value any) {
	b.args = append(b.args, value)
	b.conditions = append(b.conditions, strings.ReplaceAll(condition, "?", "$"+strconv.Itoa(len(b.args))))
}

func (b *jobFilterQueryBuilder) placeholder(value any) string {
	b.args = append(b.args, value)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *jobFilterQueryBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// List returns jobs newest first with optional status filter and pagination.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	var b jobFilterQueryBuilder
	if opts.Status != nil {
		b.addFilter("status = ?", *opts.Status)
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + b.where() +
		` ORDER BY submitted_at DESC, id DESC` +
		` LIMIT ` + b.placeholder(clampLimit(opts.Limit)) +
		` OFFSET ` + b.placeholder(offset)

	return r.queryJobs(ctx, query, b.args)
}

// ListActive returns Pending and Processing jobs oldest submission first.
// The (submitted_at, id) keyset never changes for a row, so paging with
// q.After visits every active job even when none of them moves.
func (r *JobRepo) ListActive(ctx context.Context, q model.ActiveJobsQuery) ([]*model.Job, error) {
	var after, afterID any
	if q.After != nil {
		after, afterID = q.After.SubmittedAt, q.After.ID
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('Pending', 'Processing')
		  AND ($2::timestamptz IS NULL OR (submitted_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY submitted_at ASC, id ASC
		LIMIT $1`
	return r.queryJobs(ctx, query, []any{clampLimit(q.Limit), after, afterID})
}

func (r *JobRepo) queryJobs(ctx context.Context, query string, args []any) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJob(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

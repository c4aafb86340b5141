package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/data/pgxutil"
)

// Advisory lock namespace for retention, two-arg form pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockRetentionMajor = 4100
	advisoryLockRetentionPurge = 1
)

// PurgeTerminalJobs deletes Completed or Failed jobs whose completion is older
// than params.MaxAge, oldest first, at most params.BatchSize per call.
func (r *JobRepo) PurgeTerminalJobs(ctx context.Context, params core.PurgeJobsParams) ([]core.PurgedJob, error) {
	if !params.Status.IsTerminal() {
		return nil, fmt.Errorf("purge requires a terminal status, got %q", params.Status)
	}
	if params.BatchSize <= 0 {
		return nil, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return nil, errors.New("max age must be greater than zero")
	}

	var purged []core.PurgedJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRetentionMajor, advisoryLockRetentionPurge).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
			rows, err := tx.QueryContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = $1
					  AND COALESCE(completed_at, updated_at) < $2
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
				RETURNING id, result_artifact_ref
			`, string(params.Status), cutoff, params.BatchSize)
			if err != nil {
				return fmt.Errorf("purge %s jobs: %w", params.Status, err)
			}
			defer func() { _ = rows.Close() }()

			for rows.Next() {
				var (
					p   core.PurgedJob
					ref sql.NullString
				)
				if err := rows.Scan(&p.ID, &ref); err != nil {
					return fmt.Errorf("scan purged job: %w", err)
				}
				p.ResultArtifactRef = cloneNullableString(ref)
				purged = append(purged, p)
			}
			return rows.Err()
		},
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

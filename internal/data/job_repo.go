package data

import (
	"database/sql"
	"log/slog"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo is the Postgres-backed Job Store.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  source_ref,
  source_name,
  status,
  external_task_id,
  result,
  result_artifact_ref,
  error,
  submitted_at,
  started_at,
  completed_at,
  updated_at
`

// statusRankSQL mirrors model.JobStatus.Rank for use in predicates.
const statusRankSQL = `(CASE status WHEN 'Pending' THEN 0 WHEN 'Processing' THEN 1 ELSE 2 END)`

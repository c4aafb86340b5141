package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from a unique violation detail: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// constraintMessages maps the job table constraints onto user-facing messages.
var constraintMessages = map[string]string{
	"jobs_status_check":               "Job status must be one of Pending, Processing, Completed, Failed.",
	"jobs_result_iff_completed":       "A job result is only recorded on Completed jobs.",
	"jobs_error_iff_failed":           "A job error is only recorded on Failed jobs.",
	"jobs_artifact_iff_completed":     "A chart artifact is only recorded on Completed jobs.",
	"jobs_external_task_id_key":       "This task is already correlated with another job.",
	"jobs_source_ref_not_blank":       "A source reference is required.",
	"jobs_external_task_id_not_blank": "The external task id cannot be blank.",
}

// MapDBError maps database errors to AppError instances:
//   - pgx.ErrNoRows → NotFound
//   - unique violations → Conflict
//   - check and not-null violations → Validation
//   - serialization failures, deadlocks and connection loss → Unavailable
//   - context timeouts/cancellations → Timeout/Canceled
//
// Errors that are not database errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "Request timed out. Please try again.")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "Request was canceled.")
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "Resource not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Unavailable(err, "Database is unavailable. Please try again.")
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: constraintMessage(pgErr, "This value already exists."),
			Field:   conflictField(pgErr),
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.NotNullViolation,
		pgErr.Code == pgerrcode.InvalidTextRepresentation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: constraintMessage(pgErr, "Invalid data. Please check your input."),
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected,
		pgErr.Code == pgerrcode.LockNotAvailable, pgErr.Code == pgerrcode.TooManyConnections,
		pgerrcode.IsConnectionException(pgErr.Code), pgerrcode.IsOperatorIntervention(pgErr.Code):
		return Unavailable(pgErr, "The database is busy. Please try again.")
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "A database error occurred. Please try again.",
			Cause:   pgErr,
		}
	}
}

func constraintMessage(pgErr *pgconn.PgError, fallback string) string {
	if msg, ok := constraintMessages[strings.ToLower(pgErr.ConstraintName)]; ok {
		return msg
	}
	if pgErr.Code == pgerrcode.NotNullViolation && pgErr.ColumnName != "" {
		return "This field is required."
	}
	return fallback
}

// conflictField prefers column metadata, then the violation detail, then the
// constraint name ("jobs_external_task_id_key" → "external_task_id").
func conflictField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	name := strings.TrimSuffix(strings.TrimSuffix(pgErr.ConstraintName, "_key"), "_unique")
	if table := pgErr.TableName; table != "" {
		name = strings.TrimPrefix(name, table+"_")
	} else if i := strings.Index(name, "_"); i >= 0 {
		name = name[i+1:]
	}
	if name == pgErr.ConstraintName {
		return ""
	}
	return name
}

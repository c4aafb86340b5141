package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDBError_NilError(t *testing.T) {
	assert.NoError(t, MapDBError(nil))
}

func TestMapDBError_PassThrough(t *testing.T) {
	plain := errors.New("not a db error")
	assert.Same(t, plain, MapDBError(plain))
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
		wantMsg   string
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name: "duplicate task id from constraint name",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_external_task_id_key",
				TableName:      "jobs",
			},
			wantCode:  ErrCodeConflict,
			wantField: "external_task_id",
			wantMsg:   "This task is already correlated with another job.",
		},
		{
			name: "duplicate from detail",
			err: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: `Key (source_ref)=(uploads/x.csv) already exists.`,
			},
			wantCode:  ErrCodeConflict,
			wantField: "source_ref",
		},
		{
			name: "result without completed",
			err: &pgconn.PgError{
				Code:           pgerrcode.CheckViolation,
				ConstraintName: "jobs_result_iff_completed",
			},
			wantCode: ErrCodeValidation,
			wantMsg:  "A job result is only recorded on Completed jobs.",
		},
		{
			name: "not null with column",
			err: &pgconn.PgError{
				Code:       pgerrcode.NotNullViolation,
				ColumnName: "source_ref",
			},
			wantCode:  ErrCodeValidation,
			wantField: "source_ref",
			wantMsg:   "This field is required.",
		},
		{
			name:     "serialization failure is retryable",
			err:      &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "admin shutdown is retryable",
			err:      &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "other pg error",
			err:      &pgconn.PgError{Code: pgerrcode.DivisionByZero},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, GetCode(err))
			assert.Equal(t, tt.wantField, GetField(err))
			if tt.wantMsg != "" {
				var appErr *AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.wantMsg, appErr.Message)
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

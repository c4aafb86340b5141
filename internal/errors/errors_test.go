package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "job missing", New(ErrCodeNotFound, "job missing").Error())

	wrapped := Wrap(errors.New("boom"), ErrCodeInternal, "store failed")
	assert.Equal(t, "store failed: boom", wrapped.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("outer: %w", Wrap(cause, ErrCodeTimeout, "slow"))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
}

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestValidationField(t *testing.T) {
	err := ValidationField("source_ref", "unsupported file type")
	assert.True(t, IsValidation(err))
	assert.Equal(t, "source_ref", GetField(err))
	assert.Equal(t, ErrCodeValidation, GetCode(err))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"not found", NotFoundf("job %s", "j1"), IsNotFound, true},
		{"conflict", Conflict("dup"), IsConflict, true},
		{"unavailable", Unavailable(errors.New("conn reset"), "db down"), IsUnavailable, true},
		{"canceled", Wrap(context.Canceled, ErrCodeCanceled, "stop"), IsCanceled, true},
		{"plain error is not validation", errors.New("x"), IsValidation, false},
		{"nil is not found", nil, IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Validation("bad")))
	assert.False(t, IsRetryable(NotFoundf("gone")))
	assert.False(t, IsRetryable(Conflict("dup")))
	assert.True(t, IsRetryable(Unavailable(errors.New("x"), "busy")))
	assert.True(t, IsRetryable(Wrap(context.DeadlineExceeded, ErrCodeTimeout, "slow")))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
}

func TestGetCode_NonAppError(t *testing.T) {
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Empty(t, GetField(Internal("oops")))
}

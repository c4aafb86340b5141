// Package errors turns arbitrary errors into short labels for metric tags and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/target/review-pulse/internal/errors"
	"github.com/target/review-pulse/internal/domain/model"
)

// sentinels are matched before falling back to the concrete type name.
var sentinels = []struct {
	err   error
	class string
}{
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
	{model.ErrAnalyzerUnavailable, "analyzer_unavailable"},
	{model.ErrTransientAnalysis, "transient_analysis"},
	{model.ErrInvalidDocument, "invalid_document"},
	{model.ErrJobNotFound, "job_not_found"},
	{model.ErrAlreadyAssigned, "already_assigned"},
	{model.ErrInvalidStatusUpdate, "invalid_status_update"},
}

// Classify returns a normalized error label. Known sentinels and application
// error codes win; otherwise the innermost concrete type name is used.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if goerrors.Is(err, s.err) {
			return s.class
		}
	}
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" {
		return "app_" + string(appErr.Code)
	}
	var jobErr *model.JobError
	if goerrors.As(err, &jobErr) && jobErr.Code != "" {
		return jobErr.Code
	}

	for {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return typeLabel(err)
}

func typeLabel(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}

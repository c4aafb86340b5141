// Package notify delivers alerts for review analysis jobs that end Failed.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// JobFailurePayload is the data every sink renders for a failed job.
type JobFailurePayload struct {
	JobID      string
	FileName   string
	SourceRef  string
	TaskID     string
	Code       string
	Error      string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// PayloadFromJob builds the alert payload for a Failed job.
func PayloadFromJob(j *model.Job) JobFailurePayload {
	p := JobFailurePayload{
		JobID:      j.ID,
		FileName:   j.SourceName,
		SourceRef:  j.SourceRef,
		OccurredAt: j.UpdatedAt,
	}
	if j.HasTask() {
		p.TaskID = *j.ExternalTaskID
	}
	if j.CompletedAt != nil {
		p.OccurredAt = *j.CompletedAt
	}
	if j.Error != nil {
		p.Code = j.Error.Code
		p.Error = j.Error.Message
	}
	return p
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// StatusError is a non-2xx answer from a webhook endpoint.
type StatusError struct {
	Target string
	Status string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Target, e.Status, e.Body)
}

// Retryable reports whether the endpoint may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// PostConfig groups parameters for PostJSON.
type PostConfig struct {
	Client  *http.Client
	URL     string
	Body    []byte
	Retries int
	// Target names the endpoint in errors ("slack webhook", "pagerduty api").
	Target string
}

// PostJSON posts Body, retrying transport errors, 429 and 5xx answers.
func PostJSON(ctx context.Context, cfg PostConfig) error {
	policy := job.Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: max(cfg.Retries, 0) + 1}
	return policy.Retry(ctx, retryablePost, func(ctx context.Context) error {
		return postOnce(ctx, cfg)
	})
}

func retryablePost(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func postOnce(ctx context.Context, cfg PostConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(cfg.Body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", cfg.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", cfg.Target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if readErr != nil {
			return errors.Join(
				&StatusError{Target: cfg.Target, Status: resp.Status, Code: resp.StatusCode},
				fmt.Errorf("read %s error response: %w", cfg.Target, readErr),
			)
		}
		return &StatusError{
			Target: cfg.Target,
			Status: resp.Status,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain %s response body: %w", cfg.Target, err)
	}
	return nil
}

// Fallback returns fallback when value is blank.
func Fallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

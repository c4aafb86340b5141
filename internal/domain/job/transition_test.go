package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/target/review-pulse/internal/domain/model"
)

func stored(status model.JobStatus, upd model.StatusUpdate) *model.Job {
	return &model.Job{
		ID:                "job-1",
		Status:            status,
		Result:            upd.Result,
		ResultArtifactRef: upd.ArtifactRef,
		Error:             upd.Error,
	}
}

func TestCanApply(t *testing.T) {
	completed := model.CompletedUpdate(model.NewJobResult(nil, false), "results/j/charts.json")
	failed := model.FailedUpdate(model.NewJobError(model.ErrorCodeTimeout, "hard budget"))
	processing := model.ProcessingUpdate()
	pending := model.StatusUpdate{Status: model.JobStatusPending}

	tests := []struct {
		name    string
		current *model.Job
		update  model.StatusUpdate
		want    bool
	}{
		{"pending to processing", stored(model.JobStatusPending, pending), processing, true},
		{"pending to completed", stored(model.JobStatusPending, pending), completed, true},
		{"processing to failed", stored(model.JobStatusProcessing, processing), failed, true},
		{"processing to processing", stored(model.JobStatusProcessing, processing), processing, false},
		{"processing to pending", stored(model.JobStatusProcessing, processing), pending, false},
		{"completed to processing", stored(model.JobStatusCompleted, completed), processing, false},
		{"completed to failed", stored(model.JobStatusCompleted, completed), failed, false},
		{"failed to completed", stored(model.JobStatusFailed, failed), completed, false},
		{"completed retried write", stored(model.JobStatusCompleted, completed), completed, true},
		{"failed retried write", stored(model.JobStatusFailed, failed), failed, true},
		{"unknown current", stored(model.JobStatus("running"), pending), processing, false},
		{"nil current", nil, processing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanApply(tt.current, tt.update))
		})
	}
}

func TestCanApply_TerminalPayloadIsImmutable(t *testing.T) {
	timeout := model.FailedUpdate(model.NewJobError(model.ErrorCodeTimeout, "hard budget"))
	lost := model.FailedUpdate(model.NewJobError(model.ErrorCodeBrokerFailure, "task lost"))
	assert.False(t, CanApply(stored(model.JobStatusFailed, timeout), lost))

	sameText := model.FailedUpdate(model.NewJobError(model.ErrorCodeTimeout, "hard budget"))
	assert.True(t, CanApply(stored(model.JobStatusFailed, timeout), sameText), "equal payloads compare by value")

	done := model.CompletedUpdate(model.NewJobResult([]model.AnalysisResult{{Index: 0, Location: "Leeds"}}, false), "results/j/charts.json")
	partial := model.CompletedUpdate(model.NewJobResult([]model.AnalysisResult{{Index: 0, Location: "Leeds"}}, true), "results/j/charts.json")
	movedRef := model.CompletedUpdate(done.Result, "results/other/charts.json")
	assert.False(t, CanApply(stored(model.JobStatusCompleted, done), partial))
	assert.False(t, CanApply(stored(model.JobStatusCompleted, done), movedRef))
}

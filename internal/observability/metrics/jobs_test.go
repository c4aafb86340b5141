package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{
		Source:     "worker",
		Transition: "completed",
		Result:     ResultError,
		Duration:   time.Second,
		Err:        fmt.Errorf("persist: %w", context.DeadlineExceeded),
	})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	assert.Equal(t, "worker", counts[0].Tags["source"])
	assert.Equal(t, "timeout", counts[0].Tags["error_class"])
	require.Len(t, rec.Named("job.duration"), 1)
}

func TestEmitJobLifecycle_NoErrorClassOnSuccess(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{Source: "reconciler", Transition: "processing", Result: ResultNoop})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	_, ok := counts[0].Tags["error_class"]
	assert.False(t, ok)
	assert.Empty(t, rec.Named("job.duration"))

	EmitJobLifecycle(nil, JobMetric{})
}

func TestEmitSweep(t *testing.T) {
	var rec statsd.Recorder
	EmitSweep(&rec, SweepMetric{Checked: 4, Applied: 2, Skipped: 1, Failed: 1, Duration: time.Millisecond})

	assert.Equal(t, int64(1), rec.CountTotal("reconciler.sweep"))
	assert.Equal(t, int64(4), rec.CountTotal("reconciler.checked"))
	assert.Equal(t, int64(2), rec.CountTotal("reconciler.applied"))
	require.Len(t, rec.Named("reconciler.sweep_duration"), 1)
	assert.Equal(t, "success", rec.Named("reconciler.sweep")[0].Tags["result"])
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))
	src := map[string]string{"a": "1"}
	cp := CloneTags(src)
	cp["a"] = "2"
	assert.Equal(t, "1", src["a"])
}

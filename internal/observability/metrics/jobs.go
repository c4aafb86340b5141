// Package metrics holds the standard metric shapes emitted by the pipeline.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/review-pulse/internal/observability/errors"
	"github.com/target/review-pulse/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	ResultSkipped = "skipped"
)

// JobMetric describes one attempted lifecycle transition.
type JobMetric struct {
	// Source is the writer: submitter, worker, or reconciler.
	Source     string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when a duration is known, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"source":     in.Source,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// SweepMetric summarizes one reconciler pass.
type SweepMetric struct {
	Checked  int
	Applied  int
	Skipped  int
	Failed   int
	Adopted  int
	Orphans  int
	Duration time.Duration
	Err      error
}

// EmitSweep emits reconciler counters and the sweep duration.
func EmitSweep(sink statsd.Sink, in SweepMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	tags := map[string]string{}
	if in.Err != nil {
		result = ResultError
		tags["error_class"] = obserrors.Classify(in.Err)
	}
	tags["result"] = result

	sink.Count("reconciler.sweep", 1, tags)
	sink.Count("reconciler.checked", int64(in.Checked), nil)
	sink.Count("reconciler.applied", int64(in.Applied), nil)
	sink.Count("reconciler.skipped", int64(in.Skipped), nil)
	sink.Count("reconciler.failed", int64(in.Failed), nil)
	sink.Count("reconciler.adopted", int64(in.Adopted), nil)
	sink.Count("reconciler.orphans", int64(in.Orphans), nil)
	sink.Timing("reconciler.sweep_duration", in.Duration, CloneTags(tags))
}

// CloneTags returns a copy of src, or nil when empty.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

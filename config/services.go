package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server, the websocket hub and the event relay.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the analysis worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReconciler runs the periodic broker status reconciler.
	ServiceModeReconciler ServiceMode = "reconciler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReconciler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReconciler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reconciler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerFinalizeTimeout bounds the terminal write and broker ack that follow
// a run, and the release of an abandoned delivery.
const WorkerFinalizeTimeout = 30 * time.Second

// QueueConfig contains task queue configuration (Redis lists plus a lease set).
type QueueConfig struct {
	// Prefix namespaces every Redis key owned by the queue.
	Prefix string `env:"QUEUE_PREFIX" envDefault:"reviewpulse:tasks"`

	// VisibilityTimeout is how long a dequeued task may stay unacknowledged
	// before it is handed out again.
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"15m"`

	// MaxDeliveries caps redelivery; a task exceeding it is marked lost.
	MaxDeliveries int `env:"QUEUE_MAX_DELIVERIES" envDefault:"5"`

	// ResultTTL is how long finished task records stay in the result store.
	ResultTTL time.Duration `env:"QUEUE_RESULT_TTL" envDefault:"24h"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	q.Prefix = strings.TrimSpace(q.Prefix)
	if q.Prefix == "" {
		q.Prefix = "reviewpulse:tasks"
	}
	if q.VisibilityTimeout < 10*time.Second {
		q.VisibilityTimeout = 10 * time.Second
	}
	if q.MaxDeliveries < 1 {
		q.MaxDeliveries = 1
	}
	if q.ResultTTL < time.Minute {
		q.ResultTTL = time.Minute
	}
}

// FitLease raises VisibilityTimeout so a delivery cannot be handed out again
// while a worker may still be running it: the lease refreshed at start must
// outlive the hard budget plus finalization.
func (q *QueueConfig) FitLease(hardBudget time.Duration) (raised bool) {
	need := hardBudget + WorkerFinalizeTimeout
	if q.VisibilityTimeout >= need {
		return false
	}
	q.VisibilityTimeout = need
	return true
}

// WorkerConfig contains analysis worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs executed in parallel per process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// ItemConcurrency bounds parallel analyzer calls within a single job.
	ItemConcurrency int `env:"WORKER_ITEM_CONCURRENCY" envDefault:"4"`

	// ItemTimeout bounds a single analyzer call.
	ItemTimeout time.Duration `env:"WORKER_ITEM_TIMEOUT" envDefault:"30s"`

	// SoftBudget stops analysis and finalizes with partial results.
	SoftBudget time.Duration `env:"WORKER_SOFT_BUDGET" envDefault:"5m"`

	// HardBudget forces a Failed outcome regardless of progress.
	HardBudget time.Duration `env:"WORKER_HARD_BUDGET" envDefault:"10m"`

	// MaxAttempts is the retry budget for analyzer, chart and persistence calls.
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" envDefault:"4"`

	// PollTimeout is how long a worker blocks waiting for a task.
	PollTimeout time.Duration `env:"WORKER_POLL_TIMEOUT" envDefault:"5s"`

	// RedeliveryInterval is how often expired leases are requeued.
	RedeliveryInterval time.Duration `env:"WORKER_REDELIVERY_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.ItemConcurrency < 1 {
		w.ItemConcurrency = 1
	}
	if w.ItemTimeout <= 0 {
		w.ItemTimeout = 30 * time.Second
	}
	if w.HardBudget <= 0 {
		w.HardBudget = 10 * time.Minute
	}
	if w.SoftBudget <= 0 || w.SoftBudget >= w.HardBudget {
		w.SoftBudget = w.HardBudget / 2
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
	if w.PollTimeout < time.Second {
		w.PollTimeout = time.Second
	}
	if w.RedeliveryInterval < time.Second {
		w.RedeliveryInterval = time.Second
	}
}

// ReconcilerConfig contains status reconciler configuration.
type ReconcilerConfig struct {
	// Schedule is a cron expression or descriptor ("@every 10s").
	Schedule string `env:"RECONCILER_SCHEDULE" envDefault:"@every 10s"`

	// Interval is the fallback period when Schedule is empty or invalid.
	// Sanitize replaces it with the shortest gap between scheduled sweeps.
	Interval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"10s"`

	// SweepTimeout is the per-sweep deadline; always shorter than Interval.
	SweepTimeout time.Duration `env:"RECONCILER_SWEEP_TIMEOUT" envDefault:"8s"`

	// Concurrency bounds parallel broker reads within a sweep.
	Concurrency int `env:"RECONCILER_CONCURRENCY" envDefault:"8"`

	// BatchSize is the maximum number of active jobs examined per sweep.
	BatchSize int `env:"RECONCILER_BATCH_SIZE" envDefault:"500"`

	// MaxAttempts is the persistence retry budget per job.
	MaxAttempts int `env:"RECONCILER_MAX_ATTEMPTS" envDefault:"3"`

	// MaxProcessingAge logs a warning for jobs processing longer than this.
	// Zero disables the check.
	MaxProcessingAge time.Duration `env:"RECONCILER_MAX_PROCESSING_AGE" envDefault:"0"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	r.Schedule = strings.TrimSpace(r.Schedule)
	if r.Interval < time.Second {
		r.Interval = time.Second
	}
	if r.Schedule == "" {
		r.Schedule = "@every " + r.Interval.String()
	}
	sched, err := cron.ParseStandard(r.Schedule)
	if err != nil {
		r.Schedule = "@every " + r.Interval.String()
	} else if gap := shortestGap(sched); gap > 0 {
		r.Interval = gap
	}
	if r.SweepTimeout <= 0 || r.SweepTimeout >= r.Interval {
		r.SweepTimeout = r.Interval * 4 / 5
	}
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	r.BatchSize = max(1, min(r.BatchSize, maxReconcilerBatch))
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if r.MaxProcessingAge < 0 {
		r.MaxProcessingAge = 0
	}
}

// maxReconcilerBatch matches the Job Store's largest page.
const maxReconcilerBatch = 1000

// scheduleProbeTicks is how many consecutive firings shortestGap inspects.
const scheduleProbeTicks = 16

// shortestGap returns the smallest distance between consecutive firings of
// sched, so the sweep deadline fits even the tightest pair of ticks.
func shortestGap(sched cron.Schedule) time.Duration {
	t := sched.Next(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	if t.IsZero() {
		return 0
	}
	var gap time.Duration
	for range scheduleProbeTicks {
		next := sched.Next(t)
		if next.IsZero() {
			break
		}
		if d := next.Sub(t); gap == 0 || d < gap {
			gap = d
		}
		t = next
	}
	return gap
}

// RetentionConfig controls the purge of old terminal jobs. The purge runs
// alongside the reconciler when enabled.
type RetentionConfig struct {
	Enabled bool `env:"RETENTION_ENABLED" envDefault:"false"`

	// Interval between purge passes.
	Interval time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`

	// CompletedMaxAge is how long Completed jobs are kept after completion.
	CompletedMaxAge time.Duration `env:"RETENTION_COMPLETED_MAX_AGE" envDefault:"720h"`

	// FailedMaxAge is how long Failed jobs are kept after failing.
	FailedMaxAge time.Duration `env:"RETENTION_FAILED_MAX_AGE" envDefault:"168h"`

	// BatchSize caps rows deleted per statement.
	BatchSize int `env:"RETENTION_BATCH_SIZE" envDefault:"500"`

	// DeleteArtifacts removes a purged job's chart bundle from storage.
	DeleteArtifacts bool `env:"RETENTION_DELETE_ARTIFACTS" envDefault:"true"`
}

// Sanitize applies guardrails to retention configuration values.
func (r *RetentionConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.CompletedMaxAge < time.Hour {
		r.CompletedMaxAge = time.Hour
	}
	if r.FailedMaxAge < time.Hour {
		r.FailedMaxAge = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 500
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

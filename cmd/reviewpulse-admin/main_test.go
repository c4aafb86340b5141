package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/service"
)

func TestCommandsAreConsistent(t *testing.T) {
	for key, cmd := range commands() {
		assert.Equal(t, key, cmd.name)
		assert.NotEmpty(t, cmd.description, key)
		assert.NotNil(t, cmd.run, key)
	}

	var buf bytes.Buffer
	require.NoError(t, printUsage(&buf))
	out := buf.String()
	assert.Contains(t, out, "Usage: reviewpulse-admin")
	assert.Less(t, strings.Index(out, "db-reset"), strings.Index(out, "sweep"), "usage is sorted")
}

func TestParseListJobsFlags(t *testing.T) {
	opts, err := parseListJobsFlags([]string{"-status", "failed", "-limit", "5"})
	require.NoError(t, err)
	require.NotNil(t, opts.Status)
	assert.Equal(t, model.JobStatusFailed, *opts.Status)
	assert.Equal(t, 5, opts.Limit)

	opts, err = parseListJobsFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Status)
	assert.Equal(t, 20, opts.Limit)

	_, err = parseListJobsFlags([]string{"-status", "done"})
	require.Error(t, err)
	_, err = parseListJobsFlags([]string{"-limit", "0"})
	require.Error(t, err)
	_, err = parseListJobsFlags([]string{"-offset", "-1"})
	require.Error(t, err)
}

func TestParseShowJobFlags(t *testing.T) {
	_, err := parseShowJobFlags(nil)
	require.Error(t, err)

	opts, err := parseShowJobFlags([]string{"-id", " abc ", "-json"})
	require.NoError(t, err)
	assert.Equal(t, "abc", opts.ID)
	assert.True(t, opts.JSON)
}

func TestParsePurgeJobsFlags(t *testing.T) {
	opts, err := parsePurgeJobsFlags(nil, 720*time.Hour, 168*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, opts.CompletedMaxAge)
	assert.Equal(t, 168*time.Hour, opts.FailedMaxAge)
	assert.False(t, opts.KeepArtifacts)

	_, err = parsePurgeJobsFlags([]string{"-failed-max-age", "10m"}, 720*time.Hour, 168*time.Hour)
	require.Error(t, err)
}

func TestParseMigrateFlags(t *testing.T) {
	opts, err := parseMigrateFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMigrationTimeout, opts.Timeout)

	_, err = parseMigrateFlags([]string{"-timeout", "0s"})
	require.Error(t, err)
}

func TestIsLikelyRemoteHost(t *testing.T) {
	for _, h := range []string{"", "localhost", "127.0.0.1", "::1", "db.local", " LOCALHOST "} {
		assert.False(t, isLikelyRemoteHost(h), h)
	}
	for _, h := range []string{"10.0.0.5", "db.prod.example.com"} {
		assert.True(t, isLikelyRemoteHost(h), h)
	}
}

func TestHasRedisConfig(t *testing.T) {
	assert.False(t, hasRedisConfig(nil))
	assert.True(t, hasRedisConfig(&config.RedisConfig{URI: "localhost:6379"}))
	assert.False(t, hasRedisConfig(&config.RedisConfig{UseCluster: true}))
	assert.True(t, hasRedisConfig(&config.RedisConfig{UseSentinel: true, SentinelNodes: []string{"s:26379"}}))
}

func TestConfirmAction(t *testing.T) {
	var out bytes.Buffer
	opts := confirmOptions{target: "database \"x\"", warning: "WARNING: destructive"}

	require.NoError(t, confirmAction(&out, strings.NewReader("yes\n"), opts, "reset"))
	assert.Contains(t, out.String(), "WARNING: destructive")
	assert.Contains(t, out.String(), "About to reset for database \"x\"")

	require.Error(t, confirmAction(&out, strings.NewReader("n\n"), opts, "reset"))
	require.Error(t, confirmAction(&out, strings.NewReader(""), opts, "reset"))

	opts.yes = true
	require.NoError(t, confirmAction(&out, strings.NewReader(""), opts, "reset"))
}

func TestRequireRemoteHostConfirmation(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, requireRemoteHostConfirmation(&out, strings.NewReader("db.prod\n"), "reset", "db.prod"))
	require.Error(t, requireRemoteHostConfirmation(&out, strings.NewReader("y\n"), "reset", "db.prod"))
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, nil))
	assert.Contains(t, buf.String(), "(no jobs found)")

	task := "task-1"
	submitted := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	buf.Reset()
	require.NoError(t, printJobs(&buf, []*model.Job{
		{ID: "job-1", Status: model.JobStatusProcessing, SourceName: "reviews.csv", ExternalTaskID: &task, SubmittedAt: submitted, UpdatedAt: submitted},
		{ID: "job-2", Status: model.JobStatusPending, SubmittedAt: submitted, UpdatedAt: submitted},
	}))
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "reviews.csv")
	assert.Contains(t, out, "task-1")
	assert.Contains(t, out, "2024-03-01T09:00:00Z")
	assert.Contains(t, out, "Total: 2")
}

func TestPrintJobDetail(t *testing.T) {
	var buf bytes.Buffer
	j := &model.Job{
		ID:          "job-9",
		Status:      model.JobStatusFailed,
		SourceRef:   "uploads/job-9.csv",
		SubmittedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC),
		Error:       model.NewJobError(model.ErrorCodeTimeout, "hard budget exceeded"),
	}
	require.NoError(t, printJobDetail(&buf, j))
	out := buf.String()
	assert.Contains(t, out, "uploads/job-9.csv")
	assert.Contains(t, out, "timeout: hard budget exceeded")
	assert.NotContains(t, out, "Charts:")
}

func TestPrintReports(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSweepReport(&buf, service.SweepReport{Checked: 4, Applied: 2, Adopted: 1, Duration: 1500 * time.Millisecond}))
	out := buf.String()
	assert.Contains(t, out, "Sweep finished in 1.5s")
	assert.Regexp(t, `checked:\s+4`, out)
	assert.Regexp(t, `adopted:\s+1`, out)

	buf.Reset()
	require.NoError(t, printRetentionReport(&buf, service.RetentionReport{Completed: 3, Failed: 1, ArtifactsDeleted: 3}))
	assert.Contains(t, buf.String(), "Deleted 3 completed and 1 failed jobs (3 chart bundles removed, 0 failed)")

	buf.Reset()
	finished := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, printFinishedTasks(&buf, []*model.TaskSnapshot{
		{TaskID: "t-1", JobID: "job-1", State: model.TaskStateQueued, Deliveries: 2, FinishedAt: &finished},
	}))
	assert.Contains(t, buf.String(), "t-1")
	assert.Contains(t, buf.String(), "2024-03-01T09:00:00Z")
}

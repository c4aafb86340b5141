package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/testutil"
)

// TestJobRepo_Integration_Lifecycle walks one job from submission to a
// terminal state the way submitter, worker and reconciler drive it.
func TestJobRepo_Integration_Lifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
		ctx := context.Background()

		job := createJob(t, repo)
		assert.Equal(t, model.JobStatusPending, job.Status)
		require.NoError(t, repo.AssignTask(ctx, job.ID, "task-"+job.ID))

		active, err := repo.ListActive(ctx, model.ActiveJobsQuery{Limit: 100})
		require.NoError(t, err)
		assert.Contains(t, jobIDs(active), job.ID)

		tp.AddTime(time.Second)
		_, applied, err := repo.ApplyStatus(ctx, job.ID, model.ProcessingUpdate())
		require.NoError(t, err)
		require.True(t, applied)

		// Worker and reconciler both report Processing.
		_, applied, err = repo.ApplyStatus(ctx, job.ID, model.ProcessingUpdate())
		require.NoError(t, err)
		assert.False(t, applied)

		tp.AddTime(time.Second)
		done, applied, err := repo.ApplyStatus(ctx, job.ID,
			model.CompletedUpdate(sampleResult(), "results/"+job.ID+"/charts.json"))
		require.NoError(t, err)
		require.True(t, applied)
		require.NotNil(t, done.ExternalTaskID)
		assert.Equal(t, "task-"+job.ID, *done.ExternalTaskID)

		// A late failure report must not move a completed job.
		tp.AddTime(time.Second)
		after, applied, err := repo.ApplyStatus(ctx, job.ID,
			model.FailedUpdate(model.NewJobError(model.ErrorCodeBrokerFailure, "late")))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, model.JobStatusCompleted, after.Status)
		assert.Nil(t, after.Error)

		active, err = repo.ListActive(ctx, model.ActiveJobsQuery{Limit: 100})
		require.NoError(t, err)
		assert.NotContains(t, jobIDs(active), job.ID)

		completed := model.JobStatusCompleted
		listed, err := repo.List(ctx, model.JobListOptions{Status: &completed, Limit: 100})
		require.NoError(t, err)
		assert.Contains(t, jobIDs(listed), job.ID)
	})
}

func jobIDs(jobs []*model.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

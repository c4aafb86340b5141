package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_SortedAndEmbedded(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "0001_jobs.sql", files[0])
	assert.IsIncreasing(t, files)
}

func TestJobsMigration_DeclaresLifecycleConstraints(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/0001_jobs.sql")
	require.NoError(t, err)

	sql := string(body)
	for _, want := range []string{
		"jobs_status_check",
		"jobs_result_iff_completed",
		"jobs_error_iff_failed",
		"jobs_external_task_id_key",
		"'Pending', 'Processing', 'Completed', 'Failed'",
	} {
		assert.Contains(t, sql, want)
	}
}

func TestActiveKeysetMigration_IndexesReconcilerOrder(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/0002_active_keyset.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ON jobs (submitted_at ASC, id ASC)")
	assert.Contains(t, string(body), "WHERE status IN ('Pending', 'Processing')")
}

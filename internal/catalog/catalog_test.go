package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// newTestCatalog opens a fresh SQLite-backed catalog in a temp directory.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Catalog.URL = filepath.Join(t.TempDir(), "catalog.db")

	cat, err := Open(common.GetLogger(), config)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

// seedJob creates a job with a planned table of numChunks sequential chunks
// and returns the job and chunk ids.
func seedJob(t *testing.T, cat *Catalog, numChunks int) (*models.Job, []string) {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		ID:                      common.NewJobID(),
		SourceConfigJSON:        `{"host":"src","database":"db"}`,
		TargetConfigJSON:        `{"host":"dst","database":"db"}`,
		Priority:                100,
		FailureThresholdPercent: 5,
		MaxConcurrentWorkers:    8,
		ChunkSize:               1000,
		ValidationEnabled:       true,
	}
	require.NoError(t, cat.Jobs.CreateJob(ctx, job))
	require.NoError(t, cat.Jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusPlanning, ""))

	table := &models.Table{
		ID:          common.NewTableID(),
		JobID:       job.ID,
		TableName:   "orders",
		TargetTable: "orders",
		PrimaryKey:  "id",
		TotalRows:   int64(numChunks) * 1000,
		TotalChunks: numChunks,
		Status:      models.TableStatusPending,
	}

	chunks := make([]*models.Chunk, numChunks)
	chunkIDs := make([]string, numChunks)
	for i := 0; i < numChunks; i++ {
		chunks[i] = &models.Chunk{
			ID:             common.NewChunkID(),
			JobID:          job.ID,
			TableID:        table.ID,
			TableName:      "orders",
			ChunkIndex:     i,
			PKStart:        int64(i * 1000),
			PKEnd:          int64((i + 1) * 1000),
			PKEndInclusive: i == numChunks-1,
			MaxRetries:     3,
		}
		chunkIDs[i] = chunks[i].ID
	}
	require.NoError(t, cat.Chunks.InsertPlan(ctx, job.ID, []*models.Table{table}, chunks))
	return job, chunkIDs
}

func TestOpenInitializesSchema(t *testing.T) {
	cat := newTestCatalog(t)

	jobs, err := cat.Jobs.ListJobs(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestInsertPlanSetsJobTotals(t *testing.T) {
	cat := newTestCatalog(t)
	job, _ := seedJob(t, cat, 3)

	got, err := cat.Jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, got.Status)
	require.Equal(t, 1, got.TotalTables)
	require.Equal(t, 3, got.TotalChunks)
	require.Equal(t, 0, got.CompletedChunks)
}

func TestInsertPlanWithNoChunksCompletesJob(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	job := &models.Job{
		ID:               common.NewJobID(),
		SourceConfigJSON: `{}`,
		TargetConfigJSON: `{}`,
	}
	require.NoError(t, cat.Jobs.CreateJob(ctx, job))
	require.NoError(t, cat.Jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusPlanning, ""))

	// One empty table, zero chunks: nothing to copy.
	table := &models.Table{
		ID:          common.NewTableID(),
		JobID:       job.ID,
		TableName:   "empty_table",
		TargetTable: "empty_table",
		PrimaryKey:  "id",
		Status:      models.TableStatusCompleted,
	}
	require.NoError(t, cat.Chunks.InsertPlan(ctx, job.ID, []*models.Table{table}, nil))

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

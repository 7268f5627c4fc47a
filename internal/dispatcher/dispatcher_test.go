package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *catalog.Catalog, *common.Config) {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Catalog.URL = filepath.Join(t.TempDir(), "catalog.db")
	config.Dispatcher.SupervisorMinChunks = 4
	config.Migration.MaxRetries = 0 // first failure is terminal in these tests

	logger := common.GetLogger()
	cat, err := catalog.Open(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	return New(cat, config, logger), cat, config
}

// seedJobWithChunks plants a planned job directly in the catalog.
func seedJobWithChunks(t *testing.T, cat *catalog.Catalog, numChunks int, threshold float64) *models.Job {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		ID:                      common.NewJobID(),
		SourceConfigJSON:        `{}`,
		TargetConfigJSON:        `{}`,
		Priority:                100,
		FailureThresholdPercent: threshold,
		MaxConcurrentWorkers:    8,
		ChunkSize:               1000,
	}
	require.NoError(t, cat.Jobs.CreateJob(ctx, job))
	require.NoError(t, cat.Jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusPlanning, ""))

	table := &models.Table{
		ID:          common.NewTableID(),
		JobID:       job.ID,
		TableName:   "orders",
		TargetTable: "orders",
		PrimaryKey:  "id",
		TotalChunks: numChunks,
		Status:      models.TableStatusPending,
	}
	chunks := make([]*models.Chunk, numChunks)
	for i := range chunks {
		chunks[i] = &models.Chunk{
			ID:         common.NewChunkID(),
			JobID:      job.ID,
			TableID:    table.ID,
			TableName:  "orders",
			ChunkIndex: i,
			PKStart:    int64(i * 1000),
			PKEnd:      int64((i + 1) * 1000),
			MaxRetries: 0,
		}
	}
	require.NoError(t, cat.Chunks.InsertPlan(ctx, job.ID, []*models.Table{table}, chunks))
	return job
}

func catalogDB(cat *catalog.Catalog) *sqlx.DB {
	return cat.DB.DB()
}

func TestReapTickRecoversDeadWorkerChunks(t *testing.T) {
	d, cat, _ := newTestDispatcher(t)
	ctx := context.Background()

	seedJobWithChunks(t, cat, 2, 50)
	chunk, err := cat.Chunks.ClaimNextChunk(ctx, "dead-worker")
	require.NoError(t, err)
	require.NoError(t, cat.Workers.Upsert(ctx, "dead-worker", models.WorkerStatusBusy, chunk.ID))

	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	_, err = catalogDB(cat).Exec(
		catalogDB(cat).Rebind(`UPDATE chunks SET last_heartbeat = ? WHERE id = ?`), stale, chunk.ID)
	require.NoError(t, err)
	_, err = catalogDB(cat).Exec(
		catalogDB(cat).Rebind(`UPDATE worker_heartbeats SET last_seen = ? WHERE worker_id = ?`),
		stale, "dead-worker")
	require.NoError(t, err)

	d.reapTick(ctx)

	// MaxRetries 0 makes the reaped chunk terminally failed.
	got, err := cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusFailed, got.Status)

	workers, err := cat.Workers.List(ctx)
	require.NoError(t, err)
	require.Empty(t, workers)
}

func TestSuperviseTickAutoFailsOverBudget(t *testing.T) {
	d, cat, _ := newTestDispatcher(t)
	ctx := context.Background()

	// 4 chunks, 25% threshold: one terminal failure crosses the budget.
	job := seedJobWithChunks(t, cat, 4, 25)
	chunk, err := cat.Chunks.ClaimNextChunk(ctx, "w1")
	require.NoError(t, err)
	_, err = cat.Chunks.FailChunk(ctx, chunk.ID, "w1", "target unreachable")
	require.NoError(t, err)

	d.superviseTick(ctx)

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.AutoFailedAt)
	require.Contains(t, got.LastError, "failure rate")
}

func TestSuperviseTickExemptsSmallJobs(t *testing.T) {
	d, cat, config := newTestDispatcher(t)
	ctx := context.Background()

	// Below SupervisorMinChunks the budget is not enforced.
	require.Greater(t, config.Dispatcher.SupervisorMinChunks, 2)
	job := seedJobWithChunks(t, cat, 2, 25)
	chunk, err := cat.Chunks.ClaimNextChunk(ctx, "w1")
	require.NoError(t, err)
	_, err = cat.Chunks.FailChunk(ctx, chunk.ID, "w1", "boom")
	require.NoError(t, err)

	d.enforceFailureBudgets(ctx)

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, got.Status)
	require.Nil(t, got.AutoFailedAt)
}

func TestSuperviseTickFinalizesCompletedJob(t *testing.T) {
	d, cat, _ := newTestDispatcher(t)
	ctx := context.Background()

	job := seedJobWithChunks(t, cat, 2, 50)
	for i := 0; i < 2; i++ {
		chunk, err := cat.Chunks.ClaimNextChunk(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, cat.Chunks.CompleteChunk(ctx, chunk.ID, "w1", &catalog.ChunkResult{
			RowsProcessed: 1000, Validation: models.ValidationValidated,
		}))
	}

	d.superviseTick(ctx)

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestOnlyLeaseHolderActs(t *testing.T) {
	d, cat, config := newTestDispatcher(t)
	ctx := context.Background()

	// Another dispatcher instance holds the lease.
	rival := New(cat, config, common.GetLogger())
	require.True(t, rival.isLeader(ctx))
	require.False(t, d.isLeader(ctx))

	// The non-leader's tick must not touch the catalog.
	job := seedJobWithChunks(t, cat, 4, 25)
	chunk, err := cat.Chunks.ClaimNextChunk(ctx, "w1")
	require.NoError(t, err)
	_, err = cat.Chunks.FailChunk(ctx, chunk.ID, "w1", "boom")
	require.NoError(t, err)

	d.superviseTick(ctx)
	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, got.Status)

	// Once the rival releases, this dispatcher takes over and acts.
	require.NoError(t, cat.Leases.Release(ctx, "dispatcher", rival.holderID))
	d.superviseTick(ctx)
	got, err = cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
}

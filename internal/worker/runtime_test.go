package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// sqliteJob builds a job whose source and target descriptors point at the
// environment's databases, so the runtime can open its own adapters.
func sqliteJob(t *testing.T, env *executorEnv) *models.Job {
	t.Helper()

	source := models.ConnectionDescriptor{Host: "localhost", Database: env.sourcePath, Driver: "sqlite"}
	target := models.ConnectionDescriptor{Host: "localhost", Database: env.targetPath, Driver: "sqlite"}
	sourceJSON, err := source.ToJSON()
	require.NoError(t, err)
	targetJSON, err := target.ToJSON()
	require.NoError(t, err)

	return &models.Job{
		ID:                   common.NewJobID(),
		SourceConfigJSON:     sourceJSON,
		TargetConfigJSON:     targetJSON,
		MaxConcurrentWorkers: 4,
		ValidationEnabled:    true,
	}
}

func TestRuntimeProcessesChunkEndToEnd(t *testing.T) {
	env := newExecutorEnv(t, 120)
	ctx := context.Background()

	job := sqliteJob(t, env)
	env.seedChunk(t, job, 1, 120, true)

	rt := NewRuntime(env.cat, env.config, common.GetLogger())
	chunk, err := env.cat.Chunks.ClaimNextChunk(ctx, rt.WorkerID)
	require.NoError(t, err)

	rt.processChunk(chunk)

	got, err := env.cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusCompleted, got.Status)
	require.Equal(t, int64(120), got.RowsProcessed)
	require.Equal(t, models.ValidationValidated, got.Validation)
	require.NotEmpty(t, got.Checksum)

	// The attempt lands in the append-only log.
	log, err := env.cat.Audit.GetExecutionLog(ctx, chunk.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, models.ChunkStatusCompleted, log[0].Status)
	require.Equal(t, 1, log[0].AttemptNumber)

	// Job aggregates refreshed from the completed chunk.
	gotJob, err := env.cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, gotJob.CompletedChunks)

	var count int
	require.NoError(t, env.dstDB.Get(&count, `SELECT COUNT(*) FROM orders`))
	require.Equal(t, 120, count)

	rt.shutdown()
}

func TestRuntimeReportsExecutionFailure(t *testing.T) {
	env := newExecutorEnv(t, 50)
	ctx := context.Background()

	job := sqliteJob(t, env)
	env.seedChunk(t, job, 1, 50, true)

	// The target table is missing: execution must fail and schedule a retry.
	_, err := env.dstDB.Exec(`DROP TABLE orders`)
	require.NoError(t, err)

	rt := NewRuntime(env.cat, env.config, common.GetLogger())
	chunk, err := env.cat.Chunks.ClaimNextChunk(ctx, rt.WorkerID)
	require.NoError(t, err)

	rt.processChunk(chunk)

	got, err := env.cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotEmpty(t, got.LastError)
	require.NotNil(t, got.NextRetryAt)

	log, err := env.cat.Audit.GetExecutionLog(ctx, chunk.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, models.ChunkStatusFailed, log[0].Status)

	rt.shutdown()
}

func TestRuntimeFailsTerminalErrorWithoutRetry(t *testing.T) {
	env := newExecutorEnv(t, 20)
	ctx := context.Background()

	job := sqliteJob(t, env)
	env.seedChunk(t, job, 1, 20, true)

	rt := NewRuntime(env.cat, env.config, common.GetLogger())
	chunk, err := env.cat.Chunks.ClaimNextChunk(ctx, rt.WorkerID)
	require.NoError(t, err)

	// Bad credentials never clear on a retry: the chunk fails terminally on
	// the first attempt with the full budget still unspent.
	cause := &adapter.Error{Kind: adapter.KindAuthFailed, Op: "connect", Err: errors.New("access denied")}
	rt.reportFailure(ctx, chunk, time.Now(), cause)

	got, err := env.cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusFailed, got.Status)
	require.True(t, got.IsTerminalFailed())
	require.Nil(t, got.NextRetryAt)

	log, err := env.cat.Audit.GetExecutionLog(ctx, chunk.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, models.ChunkStatusFailed, log[0].Status)
	require.Contains(t, log[0].ErrorMessage, "access denied")

	// A connection drop stays on the back-off schedule.
	other := sqliteJob(t, env)
	env.seedChunk(t, other, 1, 20, true)
	chunk, err = env.cat.Chunks.ClaimNextChunk(ctx, rt.WorkerID)
	require.NoError(t, err)

	rt.reportFailure(ctx, chunk, time.Now(),
		&adapter.Error{Kind: adapter.KindConnectionLost, Op: "copy", Err: errors.New("connection reset")})

	got, err = env.cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	rt.shutdown()
}

func TestRuntimeDropsConstraintsOnce(t *testing.T) {
	env := newExecutorEnv(t, 30)
	ctx := context.Background()

	_, err := env.dstDB.Exec(`CREATE INDEX idx_orders_name ON orders (name)`)
	require.NoError(t, err)

	job := sqliteJob(t, env)
	job.DropConstraints = true
	env.seedChunk(t, job, 1, 30, true)

	rt := NewRuntime(env.cat, env.config, common.GetLogger())
	chunk, err := env.cat.Chunks.ClaimNextChunk(ctx, rt.WorkerID)
	require.NoError(t, err)
	rt.processChunk(chunk)

	got, err := env.cat.Chunks.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusCompleted, got.Status)

	// The index was dropped for bulk load and its DDL backed up for restore.
	var count int
	require.NoError(t, env.dstDB.Get(&count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_orders_name'`))
	require.Zero(t, count)

	pending, err := env.cat.Audit.PendingConstraintRestores(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "idx_orders_name", pending[0].ConstraintName)

	rt.shutdown()
}

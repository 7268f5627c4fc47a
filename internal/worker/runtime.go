// Package worker implements the chunk execution engine: claim, copy,
// validate, report. Workers are stateless between chunks; the catalog is the
// only coordination point, so any number of them can run on any host.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/metrics"
	"github.com/ternarybob/shuttle/internal/models"
)

// idleDelay is the base wait between claim attempts when no chunk is
// eligible.
const idleDelay = time.Second

// Runtime is one worker process: a claim loop, a heartbeat loop per chunk,
// and cached adapter connections per job.
type Runtime struct {
	WorkerID string

	catalog  *catalog.Catalog
	config   *common.Config
	logger   arbor.ILogger
	limiter  *rate.Limiter
	adapters map[string]*jobAdapters
}

type jobAdapters struct {
	src adapter.Adapter
	dst adapter.Adapter
}

// NewRuntime creates a worker runtime with a fresh worker id.
func NewRuntime(c *catalog.Catalog, config *common.Config, logger arbor.ILogger) *Runtime {
	return NewRuntimeWithID(c, config, logger, common.NewWorkerID())
}

// NewRuntimeWithID creates a worker runtime under an operator-chosen id.
func NewRuntimeWithID(c *catalog.Catalog, config *common.Config, logger arbor.ILogger, workerID string) *Runtime {
	var limiter *rate.Limiter
	if n := config.Migration.RowsPerSecondLimit; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return &Runtime{
		WorkerID: workerID,
		catalog:  c,
		config:   config,
		logger:   logger,
		limiter:  limiter,
		adapters: make(map[string]*jobAdapters),
	}
}

// currentMemoryMB reports the process heap in megabytes for heartbeat
// telemetry.
func currentMemoryMB() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc / (1024 * 1024))
}

// Run claims and executes chunks until ctx is cancelled. Cancellation drains:
// the chunk in flight runs to completion under its own context before the
// worker deregisters.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info().Str("worker_id", r.WorkerID).Msg("Worker started")
	if err := r.catalog.Workers.Upsert(ctx, r.WorkerID, models.WorkerStatusIdle, ""); err != nil {
		return err
	}
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.claimJitter()):
		}

		chunk, err := r.catalog.Chunks.ClaimNextChunk(ctx, r.WorkerID)
		if errors.Is(err, catalog.ErrNoChunkAvailable) {
			r.catalog.Workers.Upsert(ctx, r.WorkerID, models.WorkerStatusIdle, "")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleDelay + r.claimJitter()):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Claim failed")
			time.Sleep(idleDelay)
			continue
		}

		r.processChunk(chunk)
	}
}

// claimJitter spaces out concurrent claim attempts so a fleet of workers
// starting together does not hammer the catalog in lockstep.
func (r *Runtime) claimJitter() time.Duration {
	min := r.config.Worker.ClaimJitterMinMS
	max := r.config.Worker.ClaimJitterMaxMS
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+rand.Intn(max-min)) * time.Millisecond
}

// processChunk runs one claimed chunk end to end. The chunk context is
// detached from the claim loop's context: a draining worker finishes its
// current chunk, and only a lost heartbeat cancels mid-copy.
func (r *Runtime) processChunk(chunk *models.Chunk) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := r.catalog.Jobs.GetJob(ctx, chunk.JobID)
	if err != nil {
		r.reportFailure(ctx, chunk, time.Now(), err)
		return
	}

	adapters, err := r.adaptersFor(ctx, job)
	if err != nil {
		r.reportFailure(ctx, chunk, time.Now(), err)
		return
	}

	if job.DropConstraints {
		r.maybeDropConstraints(ctx, job, chunk, adapters.dst)
	}

	r.catalog.Workers.Upsert(ctx, r.WorkerID, models.WorkerStatusBusy, chunk.ID)

	start := time.Now()
	exec := &executor{
		catalog:  r.catalog,
		config:   r.config,
		logger:   r.logger,
		workerID: r.WorkerID,
		limiter:  r.limiter,
	}

	heartbeatDone := make(chan struct{})
	common.SafeGo(r.logger, "chunk-heartbeat", func() {
		r.heartbeatLoop(ctx, cancel, chunk.ID, exec, start, heartbeatDone)
	})

	result, err := exec.executeChunk(ctx, job, chunk, adapters.src, adapters.dst)
	close(heartbeatDone)

	if err != nil {
		if ctx.Err() != nil {
			// Ownership was lost mid-copy. The new owner re-copies the range;
			// our partial output is cleared by its delete pass.
			r.logger.Warn().
				Str("chunk_id", chunk.ID).
				Msg("Chunk abandoned after ownership loss")
			return
		}
		r.reportFailure(ctx, chunk, start, err)
		return
	}

	if err := r.catalog.Chunks.CompleteChunk(ctx, chunk.ID, r.WorkerID, result); err != nil {
		if errors.Is(err, catalog.ErrOwnershipLost) {
			r.logger.Warn().Str("chunk_id", chunk.ID).Msg("Completion rejected, ownership lost")
			return
		}
		r.logger.Error().Err(err).Str("chunk_id", chunk.ID).Msg("Failed to record chunk completion")
		return
	}

	now := time.Now()
	r.appendAudit(ctx, chunk, &models.ExecutionLogEntry{
		ChunkID:        chunk.ID,
		JobID:          chunk.JobID,
		WorkerID:       r.WorkerID,
		Status:         models.ChunkStatusCompleted,
		RowsProcessed:  result.RowsProcessed,
		SourceRowCount: result.SourceRowCount,
		TargetRowCount: result.TargetRowCount,
		DurationMs:     result.DurationMs,
		StartedAt:      &start,
		CompletedAt:    &now,
	})
	metrics.ChunksCompleted.Inc()
	metrics.ChunkDuration.Observe(time.Since(start).Seconds())

	if err := r.catalog.Jobs.UpdateJobAggregates(ctx, chunk.JobID); err != nil {
		r.logger.Warn().Err(err).Str("job_id", chunk.JobID).Msg("Failed to refresh job aggregates")
	}
}

// heartbeatLoop refreshes chunk liveness until the chunk finishes, reporting
// the in-flight attempt's memory use and throughput with each beat. Ownership
// loss cancels the chunk context, which aborts the copy and rolls back any
// open target transaction.
func (r *Runtime) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, chunkID string, exec *executor, start time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(r.config.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var throughput float64
			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				throughput = float64(exec.progress()) / elapsed
			}
			err := r.catalog.Chunks.Heartbeat(ctx, chunkID, r.WorkerID, currentMemoryMB(), throughput)
			if err == nil {
				r.catalog.Workers.Upsert(ctx, r.WorkerID, models.WorkerStatusBusy, chunkID)
				continue
			}
			if errors.Is(err, catalog.ErrOwnershipLost) || errors.Is(err, catalog.ErrNotFound) {
				r.logger.Warn().
					Str("chunk_id", chunkID).
					Str("worker_id", r.WorkerID).
					Msg("Heartbeat rejected, cancelling chunk")
				cancel()
				return
			}
			r.logger.Warn().Err(err).Str("chunk_id", chunkID).Msg("Heartbeat failed")
		}
	}
}

func (r *Runtime) reportFailure(ctx context.Context, chunk *models.Chunk, start time.Time, cause error) {
	r.logger.Error().Err(cause).Str("chunk_id", chunk.ID).Msg("Chunk execution failed")

	var failErr error
	if adapter.IsTerminal(cause) {
		// Bad credentials or an incompatible schema cannot succeed on a
		// retry; skip the back-off schedule.
		failErr = r.catalog.Chunks.FailChunkFatal(ctx, chunk.ID, r.WorkerID, cause.Error())
	} else {
		_, failErr = r.catalog.Chunks.FailChunk(ctx, chunk.ID, r.WorkerID, cause.Error())
	}
	if failErr != nil {
		if !errors.Is(failErr, catalog.ErrOwnershipLost) {
			r.logger.Error().Err(failErr).Str("chunk_id", chunk.ID).Msg("Failed to record chunk failure")
		}
		return
	}

	now := time.Now()
	r.appendAudit(ctx, chunk, &models.ExecutionLogEntry{
		ChunkID:      chunk.ID,
		JobID:        chunk.JobID,
		WorkerID:     r.WorkerID,
		Status:       models.ChunkStatusFailed,
		ErrorMessage: cause.Error(),
		DurationMs:   time.Since(start).Milliseconds(),
		StartedAt:    &start,
		CompletedAt:  &now,
	})
	metrics.ChunksFailed.Inc()
}

func (r *Runtime) appendAudit(ctx context.Context, chunk *models.Chunk, entry *models.ExecutionLogEntry) {
	if err := r.catalog.Audit.AppendExecutionLog(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("chunk_id", chunk.ID).Msg("Failed to append execution log")
	}
}

// maybeDropConstraints runs the single-worker constraint drop election for
// the chunk's target table. Losing the election is the common case and not
// an error.
func (r *Runtime) maybeDropConstraints(ctx context.Context, job *models.Job, chunk *models.Chunk, dst adapter.Adapter) {
	mappings, err := models.MappingSetFromJSON(job.MappingJSON)
	if err != nil {
		return
	}
	targetTable := mappings.Resolve(chunk.TableName).TargetTable

	won, err := r.catalog.Audit.ClaimConstraintDrop(ctx, job.ID, targetTable, r.WorkerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("table", targetTable).Msg("Constraint drop election failed")
		return
	}
	if !won {
		return
	}

	records, err := dst.DropAndBackupConstraints(ctx, targetTable)
	if err != nil {
		r.logger.Error().Err(err).Str("table", targetTable).Msg("Failed to drop target constraints")
	}
	if len(records) == 0 {
		return
	}
	if err := r.catalog.Audit.SaveConstraintBackups(ctx, job.ID, r.WorkerID, records); err != nil {
		r.logger.Error().Err(err).Str("table", targetTable).Msg("Failed to save constraint backups")
	}
}

// adaptersFor returns cached source and target connections for a job.
func (r *Runtime) adaptersFor(ctx context.Context, job *models.Job) (*jobAdapters, error) {
	if a, ok := r.adapters[job.ID]; ok {
		return a, nil
	}

	source, err := models.ConnectionFromJSON(job.SourceConfigJSON)
	if err != nil {
		return nil, err
	}
	target, err := models.ConnectionFromJSON(job.TargetConfigJSON)
	if err != nil {
		return nil, err
	}

	src, err := adapter.Open(source, r.logger)
	if err != nil {
		return nil, err
	}
	dst, err := adapter.Open(target, r.logger)
	if err != nil {
		src.Close()
		return nil, err
	}

	a := &jobAdapters{src: src, dst: dst}
	r.adapters[job.ID] = a
	return a, nil
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for jobID, a := range r.adapters {
		a.src.Close()
		a.dst.Close()
		delete(r.adapters, jobID)
	}
	if err := r.catalog.Workers.Deregister(ctx, r.WorkerID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to deregister worker")
	}
	r.logger.Info().Str("worker_id", r.WorkerID).Msg("Worker stopped")
}

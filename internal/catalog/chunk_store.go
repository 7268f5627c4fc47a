package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// ChunkStore owns chunk dispatch, heartbeats and state transitions. Every
// transition recomputes the table and job counters inside the same
// transaction, so the counters can never drift from the chunk rows.
type ChunkStore struct {
	c      *CatalogDB
	config *common.MigrationConfig
	logger arbor.ILogger
}

// NewChunkStore creates a chunk store backed by the given catalog.
func NewChunkStore(c *CatalogDB, config *common.MigrationConfig, logger arbor.ILogger) *ChunkStore {
	return &ChunkStore{c: c, config: config, logger: logger}
}

// chunkRow is the storage shape of a chunk.
type chunkRow struct {
	ID                   string  `db:"id"`
	JobID                string  `db:"job_id"`
	TableID              string  `db:"table_id"`
	TableName            string  `db:"table_name"`
	ChunkIndex           int     `db:"chunk_index"`
	PKStart              int64   `db:"pk_start"`
	PKEnd                int64   `db:"pk_end"`
	PKEndInclusive       int     `db:"pk_end_inclusive"`
	Status               string  `db:"status"`
	RetryCount           int     `db:"retry_count"`
	MaxRetries           int     `db:"max_retries"`
	WorkerID             string  `db:"worker_id"`
	NextRetryAt          *int64  `db:"next_retry_at"`
	RowsProcessed        int64   `db:"rows_processed"`
	SourceRowCount       *int64  `db:"source_row_count"`
	TargetRowCount       *int64  `db:"target_row_count"`
	Checksum             string  `db:"checksum"`
	DurationMs           int64   `db:"duration_ms"`
	ValidationStatus     string  `db:"validation_status"`
	StartedAt            *int64  `db:"started_at"`
	CompletedAt          *int64  `db:"completed_at"`
	LastHeartbeat        *int64  `db:"last_heartbeat"`
	CreatedAt            int64   `db:"created_at"`
	LastError            string  `db:"last_error"`
	BatchSizeUsed        int     `db:"batch_size_used"`
	ThroughputRowsPerSec float64 `db:"throughput_rows_per_sec"`
	ThroughputMBPerSec   float64 `db:"throughput_mb_per_sec"`
	MemoryPeakMB         int64   `db:"memory_peak_mb"`
	InsertLatencyMs      int64   `db:"insert_latency_ms"`
}

func (r *chunkRow) toModel() *models.Chunk {
	return &models.Chunk{
		ID:                   r.ID,
		JobID:                r.JobID,
		TableID:              r.TableID,
		TableName:            r.TableName,
		ChunkIndex:           r.ChunkIndex,
		PKStart:              r.PKStart,
		PKEnd:                r.PKEnd,
		PKEndInclusive:       r.PKEndInclusive != 0,
		Status:               models.ChunkStatus(r.Status),
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		WorkerID:             r.WorkerID,
		NextRetryAt:          msToTimePtr(r.NextRetryAt),
		RowsProcessed:        r.RowsProcessed,
		SourceRowCount:       r.SourceRowCount,
		TargetRowCount:       r.TargetRowCount,
		Checksum:             r.Checksum,
		DurationMs:           r.DurationMs,
		Validation:           models.ValidationStatus(r.ValidationStatus),
		StartedAt:            msToTimePtr(r.StartedAt),
		CompletedAt:          msToTimePtr(r.CompletedAt),
		LastHeartbeat:        msToTimePtr(r.LastHeartbeat),
		CreatedAt:            msToTime(r.CreatedAt),
		LastError:            r.LastError,
		BatchSizeUsed:        r.BatchSizeUsed,
		ThroughputRowsPerSec: r.ThroughputRowsPerSec,
		ThroughputMBPerSec:   r.ThroughputMBPerSec,
		MemoryPeakMB:         r.MemoryPeakMB,
		InsertLatencyMs:      r.InsertLatencyMs,
	}
}

// backoffDelay implements the retry schedule: base * 2^retryCount capped at
// the configured ceiling. The first failure (retry_count 1) waits 2x base.
func (s *ChunkStore) backoffDelay(retryCount int) time.Duration {
	base := time.Duration(s.config.RetryBackoffBaseS) * time.Second
	cap := time.Duration(s.config.RetryBackoffCapS) * time.Second

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	return delay
}

// InsertPlan writes the planner's output atomically: all table records, all
// chunk records, and the job totals in one transaction. A crash mid-planning
// leaves no partial plan behind.
func (s *ChunkStore) InsertPlan(ctx context.Context, jobID string, tables []*models.Table, chunks []*models.Chunk) error {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin plan transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMS()

	tableInsert := tx.Rebind(`
		INSERT INTO tables (
			id, job_id, table_name, target_table, primary_key_column,
			total_rows, total_chunks, completed_chunks, status, failure_reason,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, t := range tables {
		var completedAt *int64
		completed := 0
		// Empty tables are planned as already completed with zero chunks.
		if t.Status == models.TableStatusCompleted {
			completedAt = &now
		}
		if _, err := tx.ExecContext(ctx, tableInsert,
			t.ID, jobID, t.TableName, t.TargetTable, t.PrimaryKey,
			t.TotalRows, t.TotalChunks, completed, string(t.Status), t.FailureReason,
			now, completedAt); err != nil {
			return fmt.Errorf("failed to insert table %s: %w", t.TableName, err)
		}
	}

	chunkInsert := tx.Rebind(`
		INSERT INTO chunks (
			id, job_id, table_id, table_name, chunk_index,
			pk_start, pk_end, pk_end_inclusive, status, max_retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`)
	for _, ch := range chunks {
		maxRetries := ch.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.config.MaxRetries
		}
		if _, err := tx.ExecContext(ctx, chunkInsert,
			ch.ID, jobID, ch.TableID, ch.TableName, ch.ChunkIndex,
			ch.PKStart, ch.PKEnd, boolToInt(ch.PKEndInclusive), maxRetries, now); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
	}

	jobUpdate := tx.Rebind(`
		UPDATE jobs SET total_tables = ?, total_chunks = ?, status = ?
		WHERE id = ? AND status = 'planning'
	`)
	status := models.JobStatusPending
	if len(chunks) == 0 {
		// Nothing to copy; the job is done the moment planning finishes.
		status = models.JobStatusCompleted
	}
	if _, err := tx.ExecContext(ctx, jobUpdate,
		len(tables), len(chunks), string(status), jobID); err != nil {
		return fmt.Errorf("failed to record plan totals for job %s: %w", jobID, err)
	}
	if status == models.JobStatusCompleted {
		done := tx.Rebind(`UPDATE jobs SET completed_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, done, now, jobID); err != nil {
			return fmt.Errorf("failed to stamp job %s completion: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan for job %s: %w", jobID, err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("tables", len(tables)).
		Int("chunks", len(chunks)).
		Msg("Migration plan recorded")
	return nil
}

// claimCandidateQuery selects the best eligible chunk. Eligibility: pending,
// retry back-off elapsed, job dispatchable, and the job's concurrency cap
// not yet reached. Ties break by job priority, earliest back-off deadline,
// then plan order.
const claimCandidateQuery = `
	SELECT c.id FROM chunks c
	JOIN jobs j ON j.id = c.job_id
	WHERE c.status = 'pending'
	  AND (c.next_retry_at IS NULL OR c.next_retry_at <= ?)
	  AND j.status IN ('pending', 'running')
	  AND (SELECT COUNT(*) FROM chunks r
	       WHERE r.job_id = c.job_id AND r.status = 'running') < j.max_concurrent_workers
	ORDER BY j.priority ASC, COALESCE(c.next_retry_at, 0) ASC, c.created_at ASC, c.chunk_index ASC
	LIMIT 1
`

// ClaimNextChunk atomically assigns the best eligible chunk to workerID, or
// returns ErrNoChunkAvailable. The claim itself is a conditional update, so
// two workers racing for the same candidate resolve safely: the loser simply
// retries against the next candidate.
func (s *ChunkStore) ClaimNextChunk(ctx context.Context, workerID string) (*models.Chunk, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := nowMS()

		var chunkID string
		err := s.c.db.QueryRowContext(ctx, s.c.db.Rebind(claimCandidateQuery), now).Scan(&chunkID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoChunkAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claim candidate: %w", err)
		}

		claim := s.c.db.Rebind(`
			UPDATE chunks SET status = 'running', worker_id = ?, started_at = ?,
				last_heartbeat = ?, next_retry_at = NULL, last_error = ''
			WHERE id = ? AND status = 'pending'
		`)
		result, err := s.c.db.ExecContext(ctx, claim, workerID, now, now, chunkID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim chunk %s: %w", chunkID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // lost the race, next candidate
		}

		chunk, err := s.GetChunk(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if err := s.markDispatched(ctx, chunk); err != nil {
			return nil, err
		}

		s.logger.Debug().
			Str("chunk_id", chunk.ID).
			Str("worker_id", workerID).
			Str("table", chunk.TableName).
			Int64("pk_start", chunk.PKStart).
			Int64("pk_end", chunk.PKEnd).
			Msg("Chunk claimed")
		return chunk, nil
	}
	return nil, ErrNoChunkAvailable
}

// markDispatched moves the owning job and table to running on the first
// dispatched chunk.
func (s *ChunkStore) markDispatched(ctx context.Context, chunk *models.Chunk) error {
	now := nowMS()
	jobUpdate := s.c.db.Rebind(`
		UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = 'pending'
	`)
	if _, err := s.c.db.ExecContext(ctx, jobUpdate, now, chunk.JobID); err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", chunk.JobID, err)
	}

	tableUpdate := s.c.db.Rebind(`
		UPDATE tables SET status = 'running' WHERE id = ? AND status = 'pending'
	`)
	if _, err := s.c.db.ExecContext(ctx, tableUpdate, chunk.TableID); err != nil {
		return fmt.Errorf("failed to mark table %s running: %w", chunk.TableID, err)
	}
	return nil
}

// GetChunk returns one chunk by id, or ErrNotFound.
func (s *ChunkStore) GetChunk(ctx context.Context, chunkID string) (*models.Chunk, error) {
	var row chunkRow
	query := s.c.db.Rebind(`SELECT * FROM chunks WHERE id = ?`)
	if err := s.c.db.GetContext(ctx, &row, query, chunkID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chunk %s: %w", chunkID, err)
	}
	return row.toModel(), nil
}

// GetChunks returns all chunks of a job in plan order.
func (s *ChunkStore) GetChunks(ctx context.Context, jobID string) ([]*models.Chunk, error) {
	var rows []chunkRow
	query := s.c.db.Rebind(`SELECT * FROM chunks WHERE job_id = ? ORDER BY table_name, chunk_index`)
	if err := s.c.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get chunks for job %s: %w", jobID, err)
	}

	chunks := make([]*models.Chunk, len(rows))
	for i := range rows {
		chunks[i] = rows[i].toModel()
	}
	return chunks, nil
}

// Heartbeat refreshes liveness for a running chunk and records a throughput
// sample from the in-flight attempt. Returns ErrOwnershipLost when the chunk
// has been reassigned or reaped; the worker must abandon the chunk
// immediately and roll back any open target transaction.
func (s *ChunkStore) Heartbeat(ctx context.Context, chunkID, workerID string, memoryMB int64, rowsPerSec float64) error {
	now := nowMS()
	query := s.c.db.Rebind(`
		UPDATE chunks SET last_heartbeat = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'
	`)
	result, err := s.c.db.ExecContext(ctx, query, now, chunkID, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat chunk %s: %w", chunkID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetChunk(ctx, chunkID); err != nil {
			return err
		}
		return fmt.Errorf("chunk %s worker %s: %w", chunkID, workerID, ErrOwnershipLost)
	}

	// A sample per heartbeat gives the status view throughput of attempts
	// still in flight. Losing one is not worth failing the heartbeat.
	sample := s.c.db.Rebind(`
		INSERT INTO performance_metrics (
			job_id, worker_id, rows_per_second, mb_per_second,
			memory_usage_mb, insert_latency_ms, current_batch_size, recorded_at
		)
		SELECT job_id, ?, ?, 0, ?, 0, 0, ? FROM chunks WHERE id = ?
	`)
	if _, err := s.c.db.ExecContext(ctx, sample, workerID, rowsPerSec, memoryMB, now, chunkID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("chunk_id", chunkID).
			Msg("Failed to record heartbeat sample")
	}
	return nil
}

// ChunkResult carries the telemetry a worker reports on completion.
type ChunkResult struct {
	RowsProcessed        int64
	SourceRowCount       *int64
	TargetRowCount       *int64
	Checksum             string
	DurationMs           int64
	Validation           models.ValidationStatus
	BatchSizeUsed        int
	ThroughputRowsPerSec float64
	ThroughputMBPerSec   float64
	MemoryPeakMB         int64
	InsertLatencyMs      int64
}

// CompleteChunk records a successful chunk and refreshes the counters in the
// same transaction. Ownership is verified: a reaped worker gets
// ErrOwnershipLost instead of overwriting the new owner's state.
func (s *ChunkStore) CompleteChunk(ctx context.Context, chunkID, workerID string, result *ChunkResult) error {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer tx.Rollback()

	update := tx.Rebind(`
		UPDATE chunks SET status = 'completed', completed_at = ?,
			rows_processed = ?, source_row_count = ?, target_row_count = ?,
			checksum = ?, duration_ms = ?, validation_status = ?,
			batch_size_used = ?, throughput_rows_per_sec = ?, throughput_mb_per_sec = ?,
			memory_peak_mb = ?, insert_latency_ms = ?, last_error = ''
		WHERE id = ? AND worker_id = ? AND status = 'running'
	`)
	res, err := tx.ExecContext(ctx, update, nowMS(),
		result.RowsProcessed, result.SourceRowCount, result.TargetRowCount,
		result.Checksum, result.DurationMs, string(result.Validation),
		result.BatchSizeUsed, result.ThroughputRowsPerSec, result.ThroughputMBPerSec,
		result.MemoryPeakMB, result.InsertLatencyMs,
		chunkID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete chunk %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s worker %s: %w", chunkID, workerID, ErrOwnershipLost)
	}

	if err := s.recomputeCounters(ctx, tx, chunkID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion of chunk %s: %w", chunkID, err)
	}

	s.logger.Info().
		Str("chunk_id", chunkID).
		Str("worker_id", workerID).
		Int64("rows", result.RowsProcessed).
		Int64("duration_ms", result.DurationMs).
		Msg("Chunk completed")
	return nil
}

// FailChunk records a failed attempt. Below the retry limit the chunk goes
// back to pending with an exponential back-off deadline; at the limit it is
// terminally failed. Returns true when a retry was scheduled.
func (s *ChunkStore) FailChunk(ctx context.Context, chunkID, workerID, errMsg string) (bool, error) {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin failure transaction: %w", err)
	}
	defer tx.Rollback()

	retryScheduled, err := s.failChunkTx(ctx, tx, chunkID, workerID, errMsg, false)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit failure of chunk %s: %w", chunkID, err)
	}
	return retryScheduled, nil
}

// FailChunkFatal terminally fails a chunk regardless of its remaining retry
// budget, for errors that can never succeed on a retry: bad credentials,
// incompatible schema.
func (s *ChunkStore) FailChunkFatal(ctx context.Context, chunkID, workerID, errMsg string) error {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin failure transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.failChunkTx(ctx, tx, chunkID, workerID, errMsg, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure of chunk %s: %w", chunkID, err)
	}
	return nil
}

// failChunkTx applies the failure path inside an open transaction. An empty
// workerID skips the ownership check (reaper path); forceTerminal skips the
// retry schedule entirely.
func (s *ChunkStore) failChunkTx(ctx context.Context, tx *sqlx.Tx, chunkID, workerID, errMsg string, forceTerminal bool) (bool, error) {
	var row struct {
		RetryCount int    `db:"retry_count"`
		MaxRetries int    `db:"max_retries"`
		WorkerID   string `db:"worker_id"`
		Status     string `db:"status"`
	}
	query := tx.Rebind(`SELECT retry_count, max_retries, worker_id, status FROM chunks WHERE id = ?`)
	if err := tx.GetContext(ctx, &row, query, chunkID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
		}
		return false, fmt.Errorf("failed to read chunk %s: %w", chunkID, err)
	}
	if row.Status != string(models.ChunkStatusRunning) {
		return false, fmt.Errorf("chunk %s is %s: %w", chunkID, row.Status, ErrInvalidTransition)
	}
	if workerID != "" && row.WorkerID != workerID {
		return false, fmt.Errorf("chunk %s worker %s: %w", chunkID, workerID, ErrOwnershipLost)
	}

	// The failing attempt counts against the budget: with max_retries N the
	// Nth failure is terminal and retry_count never exceeds N.
	newRetryCount := row.RetryCount + 1
	retryScheduled := !forceTerminal && newRetryCount < row.MaxRetries
	if !retryScheduled && newRetryCount < row.MaxRetries {
		// Forced terminal with budget left; clamp so the terminal-failure
		// counters (retry_count >= max_retries) still see this chunk.
		newRetryCount = row.MaxRetries
	}

	if retryScheduled {
		nextRetry := nowMS() + s.backoffDelay(newRetryCount).Milliseconds()
		update := tx.Rebind(`
			UPDATE chunks SET status = 'pending', retry_count = ?, next_retry_at = ?,
				worker_id = '', last_error = ?, last_heartbeat = NULL
			WHERE id = ?
		`)
		if _, err := tx.ExecContext(ctx, update, newRetryCount, nextRetry, errMsg, chunkID); err != nil {
			return false, fmt.Errorf("failed to schedule retry for chunk %s: %w", chunkID, err)
		}
		s.logger.Warn().
			Str("chunk_id", chunkID).
			Int("retry_count", newRetryCount).
			Int64("backoff_ms", s.backoffDelay(newRetryCount).Milliseconds()).
			Str("error", errMsg).
			Msg("Chunk failed, retry scheduled")
	} else {
		update := tx.Rebind(`
			UPDATE chunks SET status = 'failed', retry_count = ?, next_retry_at = NULL,
				worker_id = '', last_error = ?, completed_at = ?
			WHERE id = ?
		`)
		if _, err := tx.ExecContext(ctx, update, newRetryCount, errMsg, nowMS(), chunkID); err != nil {
			return false, fmt.Errorf("failed to mark chunk %s failed: %w", chunkID, err)
		}
		s.logger.Error().
			Str("chunk_id", chunkID).
			Int("retry_count", newRetryCount).
			Str("error", errMsg).
			Msg("Chunk terminally failed, retries exhausted")
	}

	return retryScheduled, s.recomputeCounters(ctx, tx, chunkID)
}

// ReapedChunk describes one chunk recovered from a dead or stuck worker.
type ReapedChunk struct {
	ChunkID        string
	WorkerID       string
	TableName      string
	Reason         string
	RetryScheduled bool
}

// ReapDeadChunks fails every running chunk whose heartbeat is older than the
// liveness threshold, or whose attempt has exceeded the hard timeout. Each
// chunk follows the normal failure path, so retry budgets and counters stay
// consistent with worker-reported failures.
func (s *ChunkStore) ReapDeadChunks(ctx context.Context, liveness, hardTimeout time.Duration) ([]ReapedChunk, error) {
	now := nowMS()
	heartbeatCutoff := now - liveness.Milliseconds()
	startedCutoff := now - hardTimeout.Milliseconds()

	query := s.c.db.Rebind(`
		SELECT id, job_id, worker_id, table_name, last_heartbeat, started_at
		FROM chunks
		WHERE status = 'running'
		  AND (last_heartbeat IS NULL OR last_heartbeat < ? OR started_at < ?)
	`)
	rows, err := s.c.db.QueryxContext(ctx, query, heartbeatCutoff, startedCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find dead chunks: %w", err)
	}

	type dead struct {
		id, jobID, worker, table string
		reason                   string
		startedAt                *int64
	}
	var deadChunks []dead
	for rows.Next() {
		var id, jobID, worker, table string
		var lastHeartbeat, startedAt *int64
		if err := rows.Scan(&id, &jobID, &worker, &table, &lastHeartbeat, &startedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dead chunk: %w", err)
		}
		reason := "worker heartbeat timeout"
		if startedAt != nil && *startedAt < startedCutoff {
			reason = "chunk exceeded hard execution timeout"
		}
		deadChunks = append(deadChunks, dead{
			id: id, jobID: jobID, worker: worker, table: table,
			reason: reason, startedAt: startedAt,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reaped []ReapedChunk
	for _, d := range deadChunks {
		tx, err := s.c.db.BeginTxx(ctx, nil)
		if err != nil {
			return reaped, fmt.Errorf("failed to begin reap transaction: %w", err)
		}
		retryScheduled, err := s.failChunkTx(ctx, tx, d.id, "", d.reason, false)
		if err != nil {
			tx.Rollback()
			// Already transitioned by its worker between scan and reap.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		// The reaped attempt belongs in the history alongside worker-reported
		// failures, stamped with the dead worker's id.
		now := time.Now()
		if err := appendExecutionLogTx(ctx, tx, &models.ExecutionLogEntry{
			ChunkID:      d.id,
			JobID:        d.jobID,
			WorkerID:     d.worker,
			Status:       models.ChunkStatusFailed,
			ErrorMessage: d.reason,
			StartedAt:    msToTimePtr(d.startedAt),
			CompletedAt:  &now,
		}); err != nil {
			tx.Rollback()
			return reaped, err
		}
		if err := tx.Commit(); err != nil {
			return reaped, fmt.Errorf("failed to commit reap of chunk %s: %w", d.id, err)
		}
		reaped = append(reaped, ReapedChunk{
			ChunkID:        d.id,
			WorkerID:       d.worker,
			TableName:      d.table,
			Reason:         d.reason,
			RetryScheduled: retryScheduled,
		})
	}
	return reaped, nil
}

// RetryChunk is the administrative reset of a terminally failed chunk: the
// retry budget is restored and the chunk re-enters the pending pool. A
// failed job holding the chunk is moved back to running.
func (s *ChunkStore) RetryChunk(ctx context.Context, chunkID string) error {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry transaction: %w", err)
	}
	defer tx.Rollback()

	update := tx.Rebind(`
		UPDATE chunks SET status = 'pending', retry_count = 0, next_retry_at = NULL,
			worker_id = '', last_error = '', validation_status = 'pending',
			started_at = NULL, completed_at = NULL, last_heartbeat = NULL
		WHERE id = ? AND status = 'failed'
	`)
	result, err := tx.ExecContext(ctx, update, chunkID)
	if err != nil {
		return fmt.Errorf("failed to reset chunk %s: %w", chunkID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var status string
		check := tx.Rebind(`SELECT status FROM chunks WHERE id = ?`)
		if err := tx.GetContext(ctx, &status, check, chunkID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
			}
			return fmt.Errorf("failed to read chunk %s: %w", chunkID, err)
		}
		return fmt.Errorf("chunk %s is %s, only failed chunks can be retried: %w",
			chunkID, status, ErrInvalidTransition)
	}

	jobUpdate := tx.Rebind(`
		UPDATE jobs SET status = 'running', completed_at = NULL, auto_failed_at = NULL
		WHERE id = (SELECT job_id FROM chunks WHERE id = ?) AND status = 'failed'
	`)
	if _, err := tx.ExecContext(ctx, jobUpdate, chunkID); err != nil {
		return fmt.Errorf("failed to reopen job for chunk %s: %w", chunkID, err)
	}

	tableUpdate := tx.Rebind(`
		UPDATE tables SET status = 'running', failure_reason = '', completed_at = NULL
		WHERE id = (SELECT table_id FROM chunks WHERE id = ?) AND status = 'failed'
	`)
	if _, err := tx.ExecContext(ctx, tableUpdate, chunkID); err != nil {
		return fmt.Errorf("failed to reopen table for chunk %s: %w", chunkID, err)
	}

	if err := s.recomputeCounters(ctx, tx, chunkID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry of chunk %s: %w", chunkID, err)
	}

	s.logger.Info().Str("chunk_id", chunkID).Msg("Chunk manually re-enqueued")
	return nil
}

// RequeueMismatchedChunks re-enqueues completed chunks whose row-count
// validation failed, burning one retry per requeue. Chunks out of budget are
// left terminally failed. Returns the requeued chunk ids.
func (s *ChunkStore) RequeueMismatchedChunks(ctx context.Context) ([]string, error) {
	query := `
		SELECT id, job_id, retry_count, max_retries FROM chunks
		WHERE status = 'completed' AND validation_status = 'failed'
	`
	rows, err := s.c.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find mismatched chunks: %w", err)
	}

	type mismatch struct {
		id, jobID              string
		retryCount, maxRetries int
	}
	var mismatches []mismatch
	for rows.Next() {
		var m mismatch
		if err := rows.Scan(&m.id, &m.jobID, &m.retryCount, &m.maxRetries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan mismatched chunk: %w", err)
		}
		mismatches = append(mismatches, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var requeued []string
	for _, m := range mismatches {
		tx, err := s.c.db.BeginTxx(ctx, nil)
		if err != nil {
			return requeued, fmt.Errorf("failed to begin requeue transaction: %w", err)
		}

		newRetryCount := m.retryCount + 1
		var update string
		var args []any
		if newRetryCount < m.maxRetries {
			nextRetry := nowMS() + s.backoffDelay(newRetryCount).Milliseconds()
			update = `
				UPDATE chunks SET status = 'pending', retry_count = ?, next_retry_at = ?,
					worker_id = '', validation_status = 'pending',
					last_error = 'row count validation mismatch',
					started_at = NULL, completed_at = NULL, last_heartbeat = NULL
				WHERE id = ? AND status = 'completed' AND validation_status = 'failed'
			`
			args = []any{newRetryCount, nextRetry, m.id}
		} else {
			update = `
				UPDATE chunks SET status = 'failed', retry_count = ?, next_retry_at = NULL,
					worker_id = '', last_error = 'row count validation mismatch, retries exhausted',
					completed_at = ?
				WHERE id = ? AND status = 'completed' AND validation_status = 'failed'
			`
			args = []any{newRetryCount, nowMS(), m.id}
		}

		result, err := tx.ExecContext(ctx, tx.Rebind(update), args...)
		if err != nil {
			tx.Rollback()
			return requeued, fmt.Errorf("failed to requeue chunk %s: %w", m.id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			tx.Rollback()
			continue
		}

		// The mismatch is a failed attempt and belongs in the history.
		now := time.Now()
		if err := appendExecutionLogTx(ctx, tx, &models.ExecutionLogEntry{
			ChunkID:      m.id,
			JobID:        m.jobID,
			Status:       models.ChunkStatusFailed,
			ErrorMessage: "row count validation mismatch",
			CompletedAt:  &now,
		}); err != nil {
			tx.Rollback()
			return requeued, err
		}

		// The chunk left completed status, so the job may need reopening.
		reopen := tx.Rebind(`
			UPDATE jobs SET status = 'running', completed_at = NULL
			WHERE id = (SELECT job_id FROM chunks WHERE id = ?) AND status = 'completed'
		`)
		if _, err := tx.ExecContext(ctx, reopen, m.id); err != nil {
			tx.Rollback()
			return requeued, fmt.Errorf("failed to reopen job for chunk %s: %w", m.id, err)
		}

		if err := s.recomputeCounters(ctx, tx, m.id); err != nil {
			tx.Rollback()
			return requeued, err
		}
		if err := tx.Commit(); err != nil {
			return requeued, fmt.Errorf("failed to commit requeue of chunk %s: %w", m.id, err)
		}

		if newRetryCount < m.maxRetries {
			requeued = append(requeued, m.id)
			s.logger.Warn().
				Str("chunk_id", m.id).
				Int("retry_count", newRetryCount).
				Msg("Validation mismatch, chunk re-enqueued")
		} else {
			s.logger.Error().
				Str("chunk_id", m.id).
				Msg("Validation mismatch with retries exhausted, chunk failed")
		}
	}
	return requeued, nil
}

// recomputeCounters refreshes the owning table's and job's chunk counters
// from the chunk rows, inside the caller's transaction. Failed counts only
// include terminal failures; a chunk waiting on back-off is still in flight.
func (s *ChunkStore) recomputeCounters(ctx context.Context, tx *sqlx.Tx, chunkID string) error {
	var ids struct {
		TableID string `db:"table_id"`
		JobID   string `db:"job_id"`
	}
	query := tx.Rebind(`SELECT table_id, job_id FROM chunks WHERE id = ?`)
	if err := tx.GetContext(ctx, &ids, query, chunkID); err != nil {
		return fmt.Errorf("failed to resolve chunk %s owners: %w", chunkID, err)
	}

	tableUpdate := tx.Rebind(`
		UPDATE tables SET
			completed_chunks = (SELECT COUNT(*) FROM chunks
				WHERE table_id = ? AND status = 'completed'),
			failed_chunks = (SELECT COUNT(*) FROM chunks
				WHERE table_id = ? AND status = 'failed' AND retry_count >= max_retries)
		WHERE id = ?
	`)
	if _, err := tx.ExecContext(ctx, tableUpdate, ids.TableID, ids.TableID, ids.TableID); err != nil {
		return fmt.Errorf("failed to recompute table %s counters: %w", ids.TableID, err)
	}

	// A table completes when every chunk completed; it fails once all chunks
	// are terminal and at least one failed.
	tableFinalize := tx.Rebind(`
		UPDATE tables SET
			status = CASE WHEN failed_chunks > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = ?
		WHERE id = ? AND status = 'running' AND total_chunks > 0
		  AND completed_chunks + failed_chunks >= total_chunks
	`)
	if _, err := tx.ExecContext(ctx, tableFinalize, nowMS(), ids.TableID); err != nil {
		return fmt.Errorf("failed to finalize table %s: %w", ids.TableID, err)
	}

	jobUpdate := tx.Rebind(`
		UPDATE jobs SET
			completed_chunks = (SELECT COUNT(*) FROM chunks
				WHERE job_id = ? AND status = 'completed'),
			failed_chunks = (SELECT COUNT(*) FROM chunks
				WHERE job_id = ? AND status = 'failed' AND retry_count >= max_retries)
		WHERE id = ?
	`)
	if _, err := tx.ExecContext(ctx, jobUpdate, ids.JobID, ids.JobID, ids.JobID); err != nil {
		return fmt.Errorf("failed to recompute job %s counters: %w", ids.JobID, err)
	}
	return nil
}

// CountRunningChunks returns the number of chunks currently executing for a
// job, used by status reporting.
func (s *ChunkStore) CountRunningChunks(ctx context.Context, jobID string) (int, error) {
	var count int
	query := s.c.db.Rebind(`SELECT COUNT(*) FROM chunks WHERE job_id = ? AND status = 'running'`)
	if err := s.c.db.GetContext(ctx, &count, query, jobID); err != nil {
		return 0, fmt.Errorf("failed to count running chunks for job %s: %w", jobID, err)
	}
	return count, nil
}

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// AuditStore owns the append-only history tables: per-attempt execution
// records, batch size adjustments, and constraint backups. Rows here are
// never updated after insert, with the single exception of the constraint
// backup drop/restore stamps.
type AuditStore struct {
	c      *CatalogDB
	logger arbor.ILogger
}

// NewAuditStore creates an audit store backed by the given catalog.
func NewAuditStore(c *CatalogDB, logger arbor.ILogger) *AuditStore {
	return &AuditStore{c: c, logger: logger}
}

// AppendExecutionLog records one chunk attempt. The attempt number is
// assigned here as max(existing)+1 so concurrent writers cannot produce
// duplicate attempt numbers for a chunk.
func (s *AuditStore) AppendExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error {
	tx, err := s.c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendExecutionLogTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution log for chunk %s: %w", entry.ChunkID, err)
	}
	return nil
}

// appendExecutionLogTx writes one attempt record inside an open transaction,
// so chunk transitions and their history rows commit atomically. The reaper
// and the validation requeue use it alongside the failure path.
func appendExecutionLogTx(ctx context.Context, tx *sqlx.Tx, entry *models.ExecutionLogEntry) error {
	if entry.AttemptNumber == 0 {
		next := tx.Rebind(`
			SELECT COALESCE(MAX(attempt_number), 0) + 1
			FROM chunk_execution_log WHERE chunk_id = ?
		`)
		if err := tx.GetContext(ctx, &entry.AttemptNumber, next, entry.ChunkID); err != nil {
			return fmt.Errorf("failed to sequence attempt for chunk %s: %w", entry.ChunkID, err)
		}
	}

	insert := tx.Rebind(`
		INSERT INTO chunk_execution_log (
			chunk_id, job_id, worker_id, attempt_number, status,
			rows_processed, source_row_count, target_row_count, duration_ms,
			error_message, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		entry.ChunkID, entry.JobID, entry.WorkerID, entry.AttemptNumber,
		string(entry.Status), entry.RowsProcessed, entry.SourceRowCount,
		entry.TargetRowCount, entry.DurationMs, entry.ErrorMessage,
		timePtrToMS(entry.StartedAt), timePtrToMS(entry.CompletedAt)); err != nil {
		return fmt.Errorf("failed to append execution log for chunk %s: %w", entry.ChunkID, err)
	}
	return nil
}

func timePtrToMS(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// GetExecutionLog returns all attempts of a chunk in order.
func (s *AuditStore) GetExecutionLog(ctx context.Context, chunkID string) ([]*models.ExecutionLogEntry, error) {
	type logRow struct {
		ID             int64  `db:"id"`
		ChunkID        string `db:"chunk_id"`
		JobID          string `db:"job_id"`
		WorkerID       string `db:"worker_id"`
		AttemptNumber  int    `db:"attempt_number"`
		Status         string `db:"status"`
		RowsProcessed  int64  `db:"rows_processed"`
		SourceRowCount *int64 `db:"source_row_count"`
		TargetRowCount *int64 `db:"target_row_count"`
		DurationMs     int64  `db:"duration_ms"`
		ErrorMessage   string `db:"error_message"`
		StartedAt      *int64 `db:"started_at"`
		CompletedAt    *int64 `db:"completed_at"`
	}

	var rows []logRow
	query := s.c.db.Rebind(`
		SELECT * FROM chunk_execution_log WHERE chunk_id = ? ORDER BY attempt_number
	`)
	if err := s.c.db.SelectContext(ctx, &rows, query, chunkID); err != nil {
		return nil, fmt.Errorf("failed to get execution log for chunk %s: %w", chunkID, err)
	}

	entries := make([]*models.ExecutionLogEntry, len(rows))
	for i, r := range rows {
		entries[i] = &models.ExecutionLogEntry{
			ID:             r.ID,
			ChunkID:        r.ChunkID,
			JobID:          r.JobID,
			WorkerID:       r.WorkerID,
			AttemptNumber:  r.AttemptNumber,
			Status:         models.ChunkStatus(r.Status),
			RowsProcessed:  r.RowsProcessed,
			SourceRowCount: r.SourceRowCount,
			TargetRowCount: r.TargetRowCount,
			DurationMs:     r.DurationMs,
			ErrorMessage:   r.ErrorMessage,
			StartedAt:      msToTimePtr(r.StartedAt),
			CompletedAt:    msToTimePtr(r.CompletedAt),
		}
	}
	return entries, nil
}

// RecordBatchAdjustment appends one adaptive batch controller decision.
func (s *AuditStore) RecordBatchAdjustment(ctx context.Context, adj *models.BatchAdjustment) error {
	query := s.c.db.Rebind(`
		INSERT INTO batch_size_history (
			job_id, worker_id, old_batch_size, new_batch_size,
			avg_latency_ms, target_latency_ms, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.c.db.ExecContext(ctx, query,
		adj.JobID, adj.WorkerID, adj.OldBatchSize, adj.NewBatchSize,
		adj.AvgLatencyMs, adj.TargetLatencyMs, adj.Reason, nowMS()); err != nil {
		return fmt.Errorf("failed to record batch adjustment: %w", err)
	}
	return nil
}

// GetBatchHistory returns a job's batch adjustments in order.
func (s *AuditStore) GetBatchHistory(ctx context.Context, jobID string) ([]*models.BatchAdjustment, error) {
	type adjRow struct {
		ID              int64  `db:"id"`
		JobID           string `db:"job_id"`
		WorkerID        string `db:"worker_id"`
		OldBatchSize    int    `db:"old_batch_size"`
		NewBatchSize    int    `db:"new_batch_size"`
		AvgLatencyMs    int64  `db:"avg_latency_ms"`
		TargetLatencyMs int64  `db:"target_latency_ms"`
		Reason          string `db:"reason"`
		CreatedAt       int64  `db:"created_at"`
	}

	var rows []adjRow
	query := s.c.db.Rebind(`SELECT * FROM batch_size_history WHERE job_id = ? ORDER BY id`)
	if err := s.c.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get batch history for job %s: %w", jobID, err)
	}

	history := make([]*models.BatchAdjustment, len(rows))
	for i, r := range rows {
		history[i] = &models.BatchAdjustment{
			ID:              r.ID,
			JobID:           r.JobID,
			WorkerID:        r.WorkerID,
			OldBatchSize:    r.OldBatchSize,
			NewBatchSize:    r.NewBatchSize,
			AvgLatencyMs:    r.AvgLatencyMs,
			TargetLatencyMs: r.TargetLatencyMs,
			Reason:          r.Reason,
			CreatedAt:       msToTime(r.CreatedAt),
		}
	}
	return history, nil
}

// ClaimConstraintDrop elects the worker allowed to drop a table's target
// constraints. The first caller to stamp updated_by wins; everyone else gets
// false and proceeds without touching DDL.
func (s *AuditStore) ClaimConstraintDrop(ctx context.Context, jobID, tableName, workerID string) (bool, error) {
	// A sentinel row per (job, table) holds the election result.
	query := s.c.db.Rebind(`
		INSERT INTO constraint_backup (job_id, table_name, constraint_name, kind, restore_ddl, updated_by)
		VALUES (?, ?, '_claim', 'index', '', ?)
		ON CONFLICT (job_id, table_name, constraint_name) DO NOTHING
	`)
	result, err := s.c.db.ExecContext(ctx, query, jobID, tableName, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to claim constraint drop for %s: %w", tableName, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// SaveConstraintBackups persists the restoration DDL of dropped constraints.
func (s *AuditStore) SaveConstraintBackups(ctx context.Context, jobID, workerID string, records []models.ConstraintBackup) error {
	query := s.c.db.Rebind(`
		INSERT INTO constraint_backup (
			job_id, table_name, constraint_name, kind, restore_ddl, updated_by, dropped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, table_name, constraint_name) DO UPDATE SET
			restore_ddl = excluded.restore_ddl,
			dropped_at = excluded.dropped_at
	`)
	for _, r := range records {
		if _, err := s.c.db.ExecContext(ctx, query,
			jobID, r.TableName, r.ConstraintName, string(r.Kind), r.RestoreDDL,
			workerID, timePtrToMS(r.DroppedAt)); err != nil {
			return fmt.Errorf("failed to save constraint backup %s: %w", r.ConstraintName, err)
		}
	}
	return nil
}

// PendingConstraintRestores returns constraints dropped but not yet restored
// for a job, excluding election sentinels.
func (s *AuditStore) PendingConstraintRestores(ctx context.Context, jobID string) ([]models.ConstraintBackup, error) {
	type backupRow struct {
		ID             int64  `db:"id"`
		JobID          string `db:"job_id"`
		TableName      string `db:"table_name"`
		ConstraintName string `db:"constraint_name"`
		Kind           string `db:"kind"`
		RestoreDDL     string `db:"restore_ddl"`
		UpdatedBy      string `db:"updated_by"`
		DroppedAt      *int64 `db:"dropped_at"`
		RestoredAt     *int64 `db:"restored_at"`
	}

	var rows []backupRow
	query := s.c.db.Rebind(`
		SELECT * FROM constraint_backup
		WHERE job_id = ? AND constraint_name != '_claim'
		  AND dropped_at IS NOT NULL AND restored_at IS NULL
		ORDER BY table_name, constraint_name
	`)
	if err := s.c.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get pending restores for job %s: %w", jobID, err)
	}

	records := make([]models.ConstraintBackup, len(rows))
	for i, r := range rows {
		records[i] = models.ConstraintBackup{
			ID:             r.ID,
			JobID:          r.JobID,
			TableName:      r.TableName,
			ConstraintName: r.ConstraintName,
			Kind:           models.ConstraintKind(r.Kind),
			RestoreDDL:     r.RestoreDDL,
			UpdatedBy:      r.UpdatedBy,
			DroppedAt:      msToTimePtr(r.DroppedAt),
			RestoredAt:     msToTimePtr(r.RestoredAt),
		}
	}
	return records, nil
}

// MarkConstraintRestored stamps a backup row once its DDL has been replayed.
func (s *AuditStore) MarkConstraintRestored(ctx context.Context, id int64) error {
	query := s.c.db.Rebind(`UPDATE constraint_backup SET restored_at = ? WHERE id = ?`)
	if _, err := s.c.db.ExecContext(ctx, query, nowMS(), id); err != nil {
		return fmt.Errorf("failed to mark constraint %d restored: %w", id, err)
	}
	return nil
}

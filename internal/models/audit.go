package models

import "time"

// ExecutionLogEntry is one append-only audit record per chunk attempt.
// Entries are never mutated after insert; attempt numbers for a chunk form
// the sequence 1, 2, 3, ...
type ExecutionLogEntry struct {
	ID             int64       `db:"id" json:"id"`
	ChunkID        string      `db:"chunk_id" json:"chunk_id"`
	JobID          string      `db:"job_id" json:"job_id"`
	WorkerID       string      `db:"worker_id" json:"worker_id"`
	AttemptNumber  int         `db:"attempt_number" json:"attempt_number"`
	Status         ChunkStatus `db:"status" json:"status"`
	RowsProcessed  int64       `db:"rows_processed" json:"rows_processed"`
	SourceRowCount *int64      `db:"source_row_count" json:"source_row_count,omitempty"`
	TargetRowCount *int64      `db:"target_row_count" json:"target_row_count,omitempty"`
	DurationMs     int64       `db:"duration_ms" json:"duration_ms"`
	ErrorMessage   string      `db:"error_message" json:"error_message,omitempty"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// BatchAdjustment records one adaptive batch controller decision.
type BatchAdjustment struct {
	ID              int64     `db:"id" json:"id"`
	JobID           string    `db:"job_id" json:"job_id"`
	WorkerID        string    `db:"worker_id" json:"worker_id"`
	OldBatchSize    int       `db:"old_batch_size" json:"old_batch_size"`
	NewBatchSize    int       `db:"new_batch_size" json:"new_batch_size"`
	AvgLatencyMs    int64     `db:"avg_latency_ms" json:"avg_latency_ms"`
	TargetLatencyMs int64     `db:"target_latency_ms" json:"target_latency_ms"`
	Reason          string    `db:"reason" json:"reason"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// ConstraintKind distinguishes dropped target-side objects.
type ConstraintKind string

const (
	ConstraintKindIndex      ConstraintKind = "index"
	ConstraintKindForeignKey ConstraintKind = "foreign_key"
)

// ConstraintBackup holds the restoration definition of one index or foreign
// key dropped on a target table for bulk-load. UpdatedBy acts as the guard
// electing a single worker to perform the drop for a table.
type ConstraintBackup struct {
	ID             int64          `db:"id" json:"id"`
	JobID          string         `db:"job_id" json:"job_id"`
	TableName      string         `db:"table_name" json:"table_name"`
	ConstraintName string         `db:"constraint_name" json:"constraint_name"`
	Kind           ConstraintKind `db:"kind" json:"kind"`
	RestoreDDL     string         `db:"restore_ddl" json:"restore_ddl"`
	UpdatedBy      string         `db:"updated_by" json:"updated_by"`
	DroppedAt      *time.Time     `db:"dropped_at" json:"dropped_at,omitempty"`
	RestoredAt     *time.Time     `db:"restored_at" json:"restored_at,omitempty"`
}

// PerformanceMetric is one time-series sample of worker throughput.
type PerformanceMetric struct {
	ID               int64     `db:"id" json:"id"`
	JobID            string    `db:"job_id" json:"job_id"`
	WorkerID         string    `db:"worker_id" json:"worker_id"`
	RowsPerSecond    float64   `db:"rows_per_second" json:"rows_per_second"`
	MBPerSecond      float64   `db:"mb_per_second" json:"mb_per_second"`
	MemoryUsageMB    int64     `db:"memory_usage_mb" json:"memory_usage_mb"`
	InsertLatencyMs  int64     `db:"insert_latency_ms" json:"insert_latency_ms"`
	CurrentBatchSize int       `db:"current_batch_size" json:"current_batch_size"`
	RecordedAt       time.Time `db:"recorded_at" json:"recorded_at"`
}

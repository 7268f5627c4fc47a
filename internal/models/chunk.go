package models

import "time"

// ChunkStatus represents the lifecycle state of a chunk
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusRunning   ChunkStatus = "running"
	ChunkStatusCompleted ChunkStatus = "completed"
	ChunkStatusFailed    ChunkStatus = "failed"
)

// ValidationStatus reflects the post-copy row count comparison
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationFailed    ValidationStatus = "failed"
	ValidationSkipped   ValidationStatus = "skipped"
)

// Chunk is one primary-key range of one table, the unit of scheduling, retry
// and validation. Ranges are half-open [PKStart, PKEnd) except the final chunk
// of a table, which carries PKEndInclusive and covers [PKStart, PKEnd].
type Chunk struct {
	ID             string      `db:"id" json:"id"`
	JobID          string      `db:"job_id" json:"job_id"`
	TableID        string      `db:"table_id" json:"table_id"`
	TableName      string      `db:"table_name" json:"table_name"`
	ChunkIndex     int         `db:"chunk_index" json:"chunk_index"`
	PKStart        int64       `db:"pk_start" json:"pk_start"`
	PKEnd          int64       `db:"pk_end" json:"pk_end"`
	PKEndInclusive bool        `db:"pk_end_inclusive" json:"pk_end_inclusive"`
	Status         ChunkStatus `db:"status" json:"status"`
	RetryCount     int         `db:"retry_count" json:"retry_count"`
	MaxRetries     int         `db:"max_retries" json:"max_retries"`

	WorkerID    string     `db:"worker_id" json:"worker_id,omitempty"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`

	RowsProcessed  int64            `db:"rows_processed" json:"rows_processed"`
	SourceRowCount *int64           `db:"source_row_count" json:"source_row_count,omitempty"`
	TargetRowCount *int64           `db:"target_row_count" json:"target_row_count,omitempty"`
	Checksum       string           `db:"checksum" json:"checksum,omitempty"`
	DurationMs     int64            `db:"duration_ms" json:"duration_ms"`
	Validation     ValidationStatus `db:"validation_status" json:"validation_status"`

	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`

	BatchSizeUsed        int     `db:"batch_size_used" json:"batch_size_used"`
	ThroughputRowsPerSec float64 `db:"throughput_rows_per_sec" json:"throughput_rows_per_sec"`
	ThroughputMBPerSec   float64 `db:"throughput_mb_per_sec" json:"throughput_mb_per_sec"`
	MemoryPeakMB         int64   `db:"memory_peak_mb" json:"memory_peak_mb"`
	InsertLatencyMs      int64   `db:"insert_latency_ms" json:"insert_latency_ms"`
}

// IsTerminalFailed reports whether the chunk has exhausted its retries.
func (c *Chunk) IsTerminalFailed() bool {
	return c.Status == ChunkStatusFailed && c.RetryCount >= c.MaxRetries
}

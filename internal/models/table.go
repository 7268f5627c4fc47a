package models

import "time"

// TableStatus represents the lifecycle state of one source table within a job
type TableStatus string

const (
	TableStatusPending   TableStatus = "pending"
	TableStatusRunning   TableStatus = "running"
	TableStatusCompleted TableStatus = "completed"
	TableStatusFailed    TableStatus = "failed"
)

// Table is one source table within a job. A table is completed iff all of its
// chunks are completed.
type Table struct {
	ID              string      `db:"id" json:"id"`
	JobID           string      `db:"job_id" json:"job_id"`
	TableName       string      `db:"table_name" json:"table_name"`
	TargetTable     string      `db:"target_table" json:"target_table"`
	PrimaryKey      string      `db:"primary_key_column" json:"primary_key_column"`
	TotalRows       int64       `db:"total_rows" json:"total_rows"`
	TotalChunks     int         `db:"total_chunks" json:"total_chunks"`
	CompletedChunks int         `db:"completed_chunks" json:"completed_chunks"`
	FailedChunks    int         `db:"failed_chunks" json:"failed_chunks"`
	Status          TableStatus `db:"status" json:"status"`
	FailureReason   string      `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

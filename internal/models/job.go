package models

import "time"

// JobStatus represents the lifecycle state of a migration job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusPlanning  JobStatus = "planning"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// IsTerminal returns true once a job can no longer transition chunk state
// without an explicit administrative resume.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the root aggregate for one migration.
type Job struct {
	ID                      string     `db:"id" json:"id"`
	SourceConfigJSON        string     `db:"source_config" json:"-"`
	TargetConfigJSON        string     `db:"target_config" json:"-"`
	Status                  JobStatus  `db:"status" json:"status"`
	Priority                int        `db:"priority" json:"priority"`
	TotalTables             int        `db:"total_tables" json:"total_tables"`
	TotalChunks             int        `db:"total_chunks" json:"total_chunks"`
	CompletedChunks         int        `db:"completed_chunks" json:"completed_chunks"`
	FailedChunks            int        `db:"failed_chunks" json:"failed_chunks"`
	FailureThresholdPercent float64    `db:"failure_threshold_percent" json:"failure_threshold_percent"`
	MaxConcurrentWorkers    int        `db:"max_concurrent_workers" json:"max_concurrent_workers"`
	ChunkSize               int64      `db:"chunk_size" json:"chunk_size"`
	ValidationEnabled       bool       `db:"validation_enabled" json:"validation_enabled"`
	DropConstraints         bool       `db:"drop_constraints" json:"drop_constraints"`
	OptimizationMethod      string     `db:"optimization_method" json:"optimization_method"`
	MappingJSON             string     `db:"mapping_json" json:"-"`
	TablesJSON              string     `db:"tables_json" json:"-"`
	CreatedAt               time.Time  `db:"created_at" json:"created_at"`
	StartedAt               *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt             *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	AutoFailedAt            *time.Time `db:"auto_failed_at" json:"auto_failed_at,omitempty"`
	LastError               string     `db:"last_error" json:"last_error,omitempty"`
	PeakMemoryMB            int64      `db:"peak_memory_mb" json:"peak_memory_mb"`
	TotalBytes              int64      `db:"total_bytes" json:"total_bytes"`
	AvgThroughputRows       float64    `db:"avg_throughput_rows" json:"avg_throughput_rows"`
}

// FailureRate returns failed_chunks / max(total_chunks, 1) as a percentage.
func (j *Job) FailureRate() float64 {
	total := j.TotalChunks
	if total < 1 {
		total = 1
	}
	return float64(j.FailedChunks) / float64(total) * 100
}

// ProgressPercentage returns the share of terminal chunks, 0-100.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalChunks == 0 {
		return 0
	}
	return float64(j.CompletedChunks+j.FailedChunks) / float64(j.TotalChunks) * 100
}

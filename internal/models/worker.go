package models

import "time"

// WorkerStatus represents a worker registration state
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusDraining WorkerStatus = "draining"
)

// WorkerRegistration is a best-effort presence record, created on first
// heartbeat and considered dead once LastSeen is older than the liveness
// threshold.
type WorkerRegistration struct {
	WorkerID       string       `db:"worker_id" json:"worker_id"`
	LastSeen       time.Time    `db:"last_seen" json:"last_seen"`
	CurrentChunkID string       `db:"current_chunk_id" json:"current_chunk_id,omitempty"`
	Status         WorkerStatus `db:"status" json:"status"`
}

package common

import (
	"os"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewTableID generates a unique table ID with the "tbl_" prefix
func NewTableID() string {
	return "tbl_" + uuid.New().String()
}

// NewChunkID generates a unique chunk ID with the "chk_" prefix
func NewChunkID() string {
	return "chk_" + uuid.New().String()
}

// NewWorkerID generates a stable-format worker identifier of the form
// <hostname>-<uuid>. The hostname makes reaped-chunk log lines attributable.
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return hostname + "-" + uuid.New().String()
}

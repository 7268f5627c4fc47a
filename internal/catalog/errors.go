package catalog

import "errors"

var (
	// ErrNotFound is returned when a job, table or chunk id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoChunkAvailable is returned by ClaimNextChunk when no chunk is
	// currently eligible.
	ErrNoChunkAvailable = errors.New("no chunk available")

	// ErrOwnershipLost is returned when a worker heartbeats or completes a
	// chunk it no longer owns, typically after a reaper reassignment.
	ErrOwnershipLost = errors.New("chunk ownership lost")

	// ErrInvalidTransition is returned for administrative operations that do
	// not apply to the current state, e.g. pausing a completed job.
	ErrInvalidTransition = errors.New("invalid state transition")
)

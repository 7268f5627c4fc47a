package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// WorkerStore tracks worker presence. Registrations are best-effort; chunk
// ownership, not this table, is authoritative for recovery decisions.
type WorkerStore struct {
	c      *CatalogDB
	logger arbor.ILogger
}

// NewWorkerStore creates a worker store backed by the given catalog.
func NewWorkerStore(c *CatalogDB, logger arbor.ILogger) *WorkerStore {
	return &WorkerStore{c: c, logger: logger}
}

// Upsert records a worker heartbeat, creating the registration on first
// contact.
func (s *WorkerStore) Upsert(ctx context.Context, workerID string, status models.WorkerStatus, currentChunkID string) error {
	query := s.c.db.Rebind(`
		INSERT INTO worker_heartbeats (worker_id, last_seen, current_chunk_id, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			current_chunk_id = excluded.current_chunk_id,
			status = excluded.status
	`)
	if _, err := s.c.db.ExecContext(ctx, query, workerID, nowMS(), currentChunkID, string(status)); err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", workerID, err)
	}
	return nil
}

// Deregister removes a worker after a clean drain.
func (s *WorkerStore) Deregister(ctx context.Context, workerID string) error {
	query := s.c.db.Rebind(`DELETE FROM worker_heartbeats WHERE worker_id = ?`)
	if _, err := s.c.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	s.logger.Debug().Str("worker_id", workerID).Msg("Worker deregistered")
	return nil
}

// List returns all known workers with their liveness state.
func (s *WorkerStore) List(ctx context.Context) ([]*models.WorkerRegistration, error) {
	type workerRow struct {
		WorkerID       string `db:"worker_id"`
		LastSeen       int64  `db:"last_seen"`
		CurrentChunkID string `db:"current_chunk_id"`
		Status         string `db:"status"`
	}

	var rows []workerRow
	if err := s.c.db.SelectContext(ctx, &rows,
		`SELECT * FROM worker_heartbeats ORDER BY worker_id`); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]*models.WorkerRegistration, len(rows))
	for i, r := range rows {
		workers[i] = &models.WorkerRegistration{
			WorkerID:       r.WorkerID,
			LastSeen:       msToTime(r.LastSeen),
			CurrentChunkID: r.CurrentChunkID,
			Status:         models.WorkerStatus(r.Status),
		}
	}
	return workers, nil
}

// PruneStale deletes registrations whose last heartbeat is older than the
// liveness threshold. Their chunks are recovered separately by the reaper.
func (s *WorkerStore) PruneStale(ctx context.Context, liveness time.Duration) (int64, error) {
	cutoff := nowMS() - liveness.Milliseconds()
	query := s.c.db.Rebind(`DELETE FROM worker_heartbeats WHERE last_seen < ?`)
	result, err := s.c.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale workers: %w", err)
	}
	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		s.logger.Info().Int64("count", pruned).Msg("Pruned stale worker registrations")
	}
	return pruned, nil
}

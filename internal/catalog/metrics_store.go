package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// MetricsStore persists worker throughput samples for post-hoc analysis and
// the status command's live view.
type MetricsStore struct {
	c      *CatalogDB
	logger arbor.ILogger
}

// NewMetricsStore creates a metrics store backed by the given catalog.
func NewMetricsStore(c *CatalogDB, logger arbor.ILogger) *MetricsStore {
	return &MetricsStore{c: c, logger: logger}
}

// Record appends one performance sample.
func (s *MetricsStore) Record(ctx context.Context, m *models.PerformanceMetric) error {
	query := s.c.db.Rebind(`
		INSERT INTO performance_metrics (
			job_id, worker_id, rows_per_second, mb_per_second,
			memory_usage_mb, insert_latency_ms, current_batch_size, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	recordedAt := m.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	if _, err := s.c.db.ExecContext(ctx, query,
		m.JobID, m.WorkerID, m.RowsPerSecond, m.MBPerSecond,
		m.MemoryUsageMB, m.InsertLatencyMs, m.CurrentBatchSize,
		recordedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record performance metric: %w", err)
	}
	return nil
}

type metricRow struct {
	ID               int64   `db:"id"`
	JobID            string  `db:"job_id"`
	WorkerID         string  `db:"worker_id"`
	RowsPerSecond    float64 `db:"rows_per_second"`
	MBPerSecond      float64 `db:"mb_per_second"`
	MemoryUsageMB    int64   `db:"memory_usage_mb"`
	InsertLatencyMs  int64   `db:"insert_latency_ms"`
	CurrentBatchSize int     `db:"current_batch_size"`
	RecordedAt       int64   `db:"recorded_at"`
}

func (r *metricRow) toModel() *models.PerformanceMetric {
	return &models.PerformanceMetric{
		ID:               r.ID,
		JobID:            r.JobID,
		WorkerID:         r.WorkerID,
		RowsPerSecond:    r.RowsPerSecond,
		MBPerSecond:      r.MBPerSecond,
		MemoryUsageMB:    r.MemoryUsageMB,
		InsertLatencyMs:  r.InsertLatencyMs,
		CurrentBatchSize: r.CurrentBatchSize,
		RecordedAt:       msToTime(r.RecordedAt),
	}
}

// Recent returns a job's newest samples, most recent first.
func (s *MetricsStore) Recent(ctx context.Context, jobID string, limit int) ([]*models.PerformanceMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []metricRow
	query := s.c.db.Rebind(`
		SELECT * FROM performance_metrics WHERE job_id = ?
		ORDER BY recorded_at DESC LIMIT ?
	`)
	if err := s.c.db.SelectContext(ctx, &rows, query, jobID, limit); err != nil {
		return nil, fmt.Errorf("failed to get metrics for job %s: %w", jobID, err)
	}

	metrics := make([]*models.PerformanceMetric, len(rows))
	for i := range rows {
		metrics[i] = rows[i].toModel()
	}
	return metrics, nil
}

// JobSummary aggregates a job's samples for the status command.
type JobSummary struct {
	AvgRowsPerSecond float64
	PeakRowsPerSec   float64
	AvgMBPerSecond   float64
	PeakMemoryMB     int64
	AvgLatencyMs     float64
	Samples          int64
}

// Summarize aggregates all samples of a job.
func (s *MetricsStore) Summarize(ctx context.Context, jobID string) (*JobSummary, error) {
	var summary JobSummary
	query := s.c.db.Rebind(`
		SELECT COALESCE(AVG(rows_per_second), 0),
		       COALESCE(MAX(rows_per_second), 0),
		       COALESCE(AVG(mb_per_second), 0),
		       COALESCE(MAX(memory_usage_mb), 0),
		       COALESCE(AVG(insert_latency_ms), 0),
		       COUNT(*)
		FROM performance_metrics WHERE job_id = ?
	`)
	if err := s.c.db.QueryRowContext(ctx, query, jobID).Scan(
		&summary.AvgRowsPerSecond, &summary.PeakRowsPerSec, &summary.AvgMBPerSecond,
		&summary.PeakMemoryMB, &summary.AvgLatencyMs, &summary.Samples); err != nil {
		return nil, fmt.Errorf("failed to summarize metrics for job %s: %w", jobID, err)
	}
	return &summary, nil
}

// Prune drops samples older than the retention window.
func (s *MetricsStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := nowMS() - retention.Milliseconds()
	query := s.c.db.Rebind(`DELETE FROM performance_metrics WHERE recorded_at < ?`)
	result, err := s.c.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune performance metrics: %w", err)
	}
	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		s.logger.Debug().Int64("count", pruned).Msg("Pruned old performance metrics")
	}
	return pruned, nil
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// JobStore persists jobs and their per-table plan records.
type JobStore struct {
	c      *CatalogDB
	logger arbor.ILogger
}

// NewJobStore creates a job store backed by the given catalog.
func NewJobStore(c *CatalogDB, logger arbor.ILogger) *JobStore {
	return &JobStore{c: c, logger: logger}
}

// jobRow is the storage shape of a job: millisecond timestamps and integer
// booleans so the row scans identically on SQLite and Postgres.
type jobRow struct {
	ID                      string  `db:"id"`
	SourceConfig            string  `db:"source_config"`
	TargetConfig            string  `db:"target_config"`
	Status                  string  `db:"status"`
	Priority                int     `db:"priority"`
	TotalTables             int     `db:"total_tables"`
	TotalChunks             int     `db:"total_chunks"`
	CompletedChunks         int     `db:"completed_chunks"`
	FailedChunks            int     `db:"failed_chunks"`
	FailureThresholdPercent float64 `db:"failure_threshold_percent"`
	MaxConcurrentWorkers    int     `db:"max_concurrent_workers"`
	ChunkSize               int64   `db:"chunk_size"`
	ValidationEnabled       int     `db:"validation_enabled"`
	DropConstraints         int     `db:"drop_constraints"`
	OptimizationMethod      string  `db:"optimization_method"`
	MappingJSON             string  `db:"mapping_json"`
	TablesJSON              string  `db:"tables_json"`
	CreatedAt               int64   `db:"created_at"`
	StartedAt               *int64  `db:"started_at"`
	CompletedAt             *int64  `db:"completed_at"`
	AutoFailedAt            *int64  `db:"auto_failed_at"`
	LastError               string  `db:"last_error"`
	PeakMemoryMB            int64   `db:"peak_memory_mb"`
	TotalBytes              int64   `db:"total_bytes"`
	AvgThroughputRows       float64 `db:"avg_throughput_rows"`
}

func (r *jobRow) toModel() *models.Job {
	return &models.Job{
		ID:                      r.ID,
		SourceConfigJSON:        r.SourceConfig,
		TargetConfigJSON:        r.TargetConfig,
		Status:                  models.JobStatus(r.Status),
		Priority:                r.Priority,
		TotalTables:             r.TotalTables,
		TotalChunks:             r.TotalChunks,
		CompletedChunks:         r.CompletedChunks,
		FailedChunks:            r.FailedChunks,
		FailureThresholdPercent: r.FailureThresholdPercent,
		MaxConcurrentWorkers:    r.MaxConcurrentWorkers,
		ChunkSize:               r.ChunkSize,
		ValidationEnabled:       r.ValidationEnabled != 0,
		DropConstraints:         r.DropConstraints != 0,
		OptimizationMethod:      r.OptimizationMethod,
		MappingJSON:             r.MappingJSON,
		TablesJSON:              r.TablesJSON,
		CreatedAt:               msToTime(r.CreatedAt),
		StartedAt:               msToTimePtr(r.StartedAt),
		CompletedAt:             msToTimePtr(r.CompletedAt),
		AutoFailedAt:            msToTimePtr(r.AutoFailedAt),
		LastError:               r.LastError,
		PeakMemoryMB:            r.PeakMemoryMB,
		TotalBytes:              r.TotalBytes,
		AvgThroughputRows:       r.AvgThroughputRows,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateJob inserts a new job in pending status.
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	query := s.c.db.Rebind(`
		INSERT INTO jobs (
			id, source_config, target_config, status, priority,
			failure_threshold_percent, max_concurrent_workers, chunk_size,
			validation_enabled, drop_constraints, optimization_method,
			mapping_json, tables_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	tablesJSON := job.TablesJSON
	if tablesJSON == "" {
		tablesJSON = "[]"
	}
	mappingJSON := job.MappingJSON
	if mappingJSON == "" {
		mappingJSON = "{}"
	}
	_, err := s.c.db.ExecContext(ctx, query,
		job.ID, job.SourceConfigJSON, job.TargetConfigJSON, string(job.Status),
		job.Priority, job.FailureThresholdPercent, job.MaxConcurrentWorkers,
		job.ChunkSize, boolToInt(job.ValidationEnabled), boolToInt(job.DropConstraints),
		job.OptimizationMethod, mappingJSON, tablesJSON, nowMS())
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("priority", job.Priority).
		Msg("Job created")
	return nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	query := s.c.db.Rebind(`SELECT * FROM jobs WHERE id = ?`)
	if err := s.c.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return row.toModel(), nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *JobStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []jobRow
	var err error
	if status == "" {
		query := s.c.db.Rebind(`SELECT * FROM jobs ORDER BY created_at DESC LIMIT ?`)
		err = s.c.db.SelectContext(ctx, &rows, query, limit)
	} else {
		query := s.c.db.Rebind(`SELECT * FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`)
		err = s.c.db.SelectContext(ctx, &rows, query, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toModel()
	}
	return jobs, nil
}

// UpdateJobStatus moves a job to the given status unconditionally. Lifecycle
// guards belong to the callers that own the transition (planner, supervisor,
// pause/resume).
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, lastError string) error {
	query := s.c.db.Rebind(`UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`)
	result, err := s.c.db.ExecContext(ctx, query, string(status), lastError, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job %s status: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// PauseJob moves a pending, planning or running job to paused. Running
// workers finish their current chunk; no new chunks are dispatched.
func (s *JobStore) PauseJob(ctx context.Context, jobID string) error {
	query := s.c.db.Rebind(`
		UPDATE jobs SET status = 'paused'
		WHERE id = ? AND status IN ('pending', 'planning', 'running')
	`)
	result, err := s.c.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to pause job %s: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s is not pausable: %w", jobID, ErrInvalidTransition)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job paused")
	return nil
}

// ResumeJob moves a paused job back to running (or pending if planning never
// produced chunks).
func (s *JobStore) ResumeJob(ctx context.Context, jobID string) error {
	query := s.c.db.Rebind(`
		UPDATE jobs
		SET status = CASE WHEN total_chunks > 0 THEN 'running' ELSE 'pending' END
		WHERE id = ? AND status = 'paused'
	`)
	result, err := s.c.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to resume job %s: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s is not paused: %w", jobID, ErrInvalidTransition)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	return nil
}

// MarkJobFailed moves a job to failed. When auto is set the supervisor
// triggered the failure and auto_failed_at is stamped.
func (s *JobStore) MarkJobFailed(ctx context.Context, jobID, reason string, auto bool) error {
	now := nowMS()
	var query string
	var args []any
	if auto {
		query = `UPDATE jobs SET status = 'failed', last_error = ?, completed_at = ?, auto_failed_at = ? WHERE id = ? AND status NOT IN ('completed', 'failed')`
		args = []any{reason, now, now, jobID}
	} else {
		query = `UPDATE jobs SET status = 'failed', last_error = ?, completed_at = ? WHERE id = ? AND status NOT IN ('completed', 'failed')`
		args = []any{reason, now, jobID}
	}

	result, err := s.c.db.ExecContext(ctx, s.c.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil // already terminal
	}

	s.logger.Warn().
		Str("job_id", jobID).
		Str("reason", reason).
		Bool("auto", auto).
		Msg("Job failed")
	return nil
}

// tableRow is the storage shape of a per-table plan record.
type tableRow struct {
	ID               string `db:"id"`
	JobID            string `db:"job_id"`
	TableName        string `db:"table_name"`
	TargetTable      string `db:"target_table"`
	PrimaryKeyColumn string `db:"primary_key_column"`
	TotalRows        int64  `db:"total_rows"`
	TotalChunks      int    `db:"total_chunks"`
	CompletedChunks  int    `db:"completed_chunks"`
	FailedChunks     int    `db:"failed_chunks"`
	Status           string `db:"status"`
	FailureReason    string `db:"failure_reason"`
	CreatedAt        int64  `db:"created_at"`
	CompletedAt      *int64 `db:"completed_at"`
}

func (r *tableRow) toModel() *models.Table {
	return &models.Table{
		ID:              r.ID,
		JobID:           r.JobID,
		TableName:       r.TableName,
		TargetTable:     r.TargetTable,
		PrimaryKey:      r.PrimaryKeyColumn,
		TotalRows:       r.TotalRows,
		TotalChunks:     r.TotalChunks,
		CompletedChunks: r.CompletedChunks,
		FailedChunks:    r.FailedChunks,
		Status:          models.TableStatus(r.Status),
		FailureReason:   r.FailureReason,
		CreatedAt:       msToTime(r.CreatedAt),
		CompletedAt:     msToTimePtr(r.CompletedAt),
	}
}

// GetTable returns one per-table record by id, or ErrNotFound.
func (s *JobStore) GetTable(ctx context.Context, tableID string) (*models.Table, error) {
	var row tableRow
	query := s.c.db.Rebind(`SELECT * FROM tables WHERE id = ?`)
	if err := s.c.db.GetContext(ctx, &row, query, tableID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("table %s: %w", tableID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get table %s: %w", tableID, err)
	}
	return row.toModel(), nil
}

// GetTables returns all per-table records of a job in name order.
func (s *JobStore) GetTables(ctx context.Context, jobID string) ([]*models.Table, error) {
	var rows []tableRow
	query := s.c.db.Rebind(`SELECT * FROM tables WHERE job_id = ? ORDER BY table_name`)
	if err := s.c.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get tables for job %s: %w", jobID, err)
	}

	tables := make([]*models.Table, len(rows))
	for i := range rows {
		tables[i] = rows[i].toModel()
	}
	return tables, nil
}

// JobHealth is the supervisor's view of one job's failure budget.
type JobHealth struct {
	JobID                   string
	Status                  models.JobStatus
	TotalChunks             int
	CompletedChunks         int
	TerminalFailedChunks    int
	FailureThresholdPercent float64
}

// FailureRate returns terminally failed chunks as a percentage of the total.
func (h *JobHealth) FailureRate() float64 {
	if h.TotalChunks == 0 {
		return 0
	}
	return float64(h.TerminalFailedChunks) / float64(h.TotalChunks) * 100
}

// QueryJobHealth computes failure rates for all non-terminal jobs. Only
// chunks with exhausted retries count as failed; chunks still awaiting a
// retry do not burn failure budget.
func (s *JobStore) QueryJobHealth(ctx context.Context) ([]JobHealth, error) {
	query := `
		SELECT j.id AS job_id, j.status, j.total_chunks, j.completed_chunks,
		       j.failure_threshold_percent,
		       (SELECT COUNT(*) FROM chunks c
		        WHERE c.job_id = j.id AND c.status = 'failed' AND c.retry_count >= c.max_retries
		       ) AS terminal_failed
		FROM jobs j
		WHERE j.status IN ('running', 'paused')
	`
	rows, err := s.c.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query job health: %w", err)
	}
	defer rows.Close()

	var health []JobHealth
	for rows.Next() {
		var h JobHealth
		var status string
		if err := rows.Scan(&h.JobID, &status, &h.TotalChunks, &h.CompletedChunks,
			&h.FailureThresholdPercent, &h.TerminalFailedChunks); err != nil {
			return nil, fmt.Errorf("failed to scan job health: %w", err)
		}
		h.Status = models.JobStatus(status)
		health = append(health, h)
	}
	return health, rows.Err()
}

// FinalizeCompletedJobs moves running jobs whose chunks are all terminal to
// their final status: completed when every chunk succeeded, failed otherwise.
// Returns the ids of jobs finalized on this pass.
func (s *JobStore) FinalizeCompletedJobs(ctx context.Context) ([]string, error) {
	query := `
		SELECT id, total_chunks, completed_chunks,
		       (SELECT COUNT(*) FROM chunks c
		        WHERE c.job_id = jobs.id AND c.status = 'failed' AND c.retry_count >= c.max_retries
		       ) AS terminal_failed
		FROM jobs
		WHERE status = 'running' AND total_chunks > 0
	`
	rows, err := s.c.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}

	type candidate struct {
		id             string
		total          int
		completed      int
		terminalFailed int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.total, &c.completed, &c.terminalFailed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job completion: %w", err)
		}
		if c.completed+c.terminalFailed >= c.total {
			candidates = append(candidates, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var finalized []string
	for _, c := range candidates {
		status := models.JobStatusCompleted
		if c.terminalFailed > 0 {
			status = models.JobStatusFailed
		}
		// Guard on the counters so a chunk re-enqueued between the read and
		// this write (validation retry) keeps the job running.
		update := s.c.db.Rebind(`
			UPDATE jobs SET status = ?, completed_at = ?
			WHERE id = ? AND status = 'running'
			  AND completed_chunks + (SELECT COUNT(*) FROM chunks c
			       WHERE c.job_id = jobs.id AND c.status = 'failed' AND c.retry_count >= c.max_retries
			      ) >= total_chunks
		`)
		result, err := s.c.db.ExecContext(ctx, update, string(status), nowMS(), c.id)
		if err != nil {
			return finalized, fmt.Errorf("failed to finalize job %s: %w", c.id, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			finalized = append(finalized, c.id)
			s.logger.Info().
				Str("job_id", c.id).
				Str("status", string(status)).
				Int("completed_chunks", c.completed).
				Int("failed_chunks", c.terminalFailed).
				Msg("Job finalized")
		}
	}
	return finalized, nil
}

// UpdateJobAggregates refreshes the roll-up throughput and memory fields
// from completed chunk telemetry.
func (s *JobStore) UpdateJobAggregates(ctx context.Context, jobID string) error {
	query := s.c.db.Rebind(`
		UPDATE jobs SET
			avg_throughput_rows = COALESCE((SELECT AVG(throughput_rows_per_sec) FROM chunks
				WHERE job_id = ? AND status = 'completed' AND throughput_rows_per_sec > 0), 0),
			peak_memory_mb = COALESCE((SELECT MAX(memory_peak_mb) FROM chunks WHERE job_id = ?), 0)
		WHERE id = ?
	`)
	if _, err := s.c.db.ExecContext(ctx, query, jobID, jobID, jobID); err != nil {
		return fmt.Errorf("failed to update job %s aggregates: %w", jobID, err)
	}
	return nil
}

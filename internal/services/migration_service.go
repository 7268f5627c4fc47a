// Package services exposes the application-level operations behind the CLI:
// job submission, planning, status reporting, and the administrative verbs.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
	"github.com/ternarybob/shuttle/internal/planner"
)

// MigrationService coordinates the catalog and planner for the CLI and any
// embedding program.
type MigrationService struct {
	catalog  *catalog.Catalog
	config   *common.Config
	logger   arbor.ILogger
	planner  *planner.Planner
	validate *validator.Validate
}

// NewMigrationService wires the service over an open catalog.
func NewMigrationService(c *catalog.Catalog, config *common.Config, logger arbor.ILogger) *MigrationService {
	return &MigrationService{
		catalog:  c,
		config:   config,
		logger:   logger,
		planner:  planner.New(c, config, logger),
		validate: validator.New(),
	}
}

// LoadJobSpec reads and validates a YAML job spec file.
func (s *MigrationService) LoadJobSpec(path string) (*models.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec %s: %w", path, err)
	}

	var spec models.JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec %s: %w", path, err)
	}
	if err := s.validate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("invalid job spec %s: %w", path, err)
	}
	return &spec, nil
}

// CreateJob registers a new job from a validated spec, applying configured
// defaults for any field the spec leaves unset.
func (s *MigrationService) CreateJob(ctx context.Context, spec *models.JobSpec) (*models.Job, error) {
	if err := s.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	sourceJSON, err := spec.Source.ToJSON()
	if err != nil {
		return nil, err
	}
	targetJSON, err := spec.Target.ToJSON()
	if err != nil {
		return nil, err
	}
	mappingJSON, err := spec.Mappings.ToJSON()
	if err != nil {
		return nil, err
	}
	tablesJSON, err := json.Marshal(spec.Tables)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tables filter: %w", err)
	}

	defaults := s.config.Migration
	job := &models.Job{
		ID:                      common.NewJobID(),
		SourceConfigJSON:        sourceJSON,
		TargetConfigJSON:        targetJSON,
		Status:                  models.JobStatusPending,
		Priority:                spec.Priority,
		FailureThresholdPercent: defaults.FailureThresholdPercent,
		MaxConcurrentWorkers:    defaults.MaxConcurrentWorkers,
		ChunkSize:               defaults.ChunkSize,
		ValidationEnabled:       true,
		DropConstraints:         spec.DropConstraints,
		MappingJSON:             mappingJSON,
		TablesJSON:              string(tablesJSON),
	}
	if spec.ChunkSize > 0 {
		job.ChunkSize = spec.ChunkSize
	}
	if spec.FailureThresholdPercent > 0 {
		job.FailureThresholdPercent = spec.FailureThresholdPercent
	}
	if spec.MaxConcurrentWorkers > 0 {
		job.MaxConcurrentWorkers = spec.MaxConcurrentWorkers
	}
	if spec.ValidationEnabled != nil {
		job.ValidationEnabled = *spec.ValidationEnabled
	}
	if job.Priority == 0 {
		job.Priority = 100
	}

	if err := s.catalog.Jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// PlanJob runs the planner for a pending job.
func (s *MigrationService) PlanJob(ctx context.Context, jobID string) error {
	return s.planner.Plan(ctx, jobID)
}

// GetJob returns one job.
func (s *MigrationService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.catalog.Jobs.GetJob(ctx, jobID)
}

// ListJobs returns jobs, optionally filtered by status.
func (s *MigrationService) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	return s.catalog.Jobs.ListJobs(ctx, status, limit)
}

// PauseJob stops new chunk dispatch for a job.
func (s *MigrationService) PauseJob(ctx context.Context, jobID string) error {
	return s.catalog.Jobs.PauseJob(ctx, jobID)
}

// ResumeJob reopens a paused job for dispatch.
func (s *MigrationService) ResumeJob(ctx context.Context, jobID string) error {
	return s.catalog.Jobs.ResumeJob(ctx, jobID)
}

// RetryChunk resets a terminally failed chunk.
func (s *MigrationService) RetryChunk(ctx context.Context, chunkID string) error {
	return s.catalog.Chunks.RetryChunk(ctx, chunkID)
}

// JobStatusReport is the status command's aggregate view of one job.
type JobStatusReport struct {
	Job           *models.Job
	Tables        []*models.Table
	RunningChunks int
	Progress      float64
	FailureRate   float64
	Metrics       *catalog.JobSummary
	Workers       []*models.WorkerRegistration
}

// JobStatus assembles the full status of one job.
func (s *MigrationService) JobStatus(ctx context.Context, jobID string) (*JobStatusReport, error) {
	job, err := s.catalog.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tables, err := s.catalog.Jobs.GetTables(ctx, jobID)
	if err != nil {
		return nil, err
	}
	running, err := s.catalog.Chunks.CountRunningChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summary, err := s.catalog.Metrics.Summarize(ctx, jobID)
	if err != nil {
		return nil, err
	}
	workers, err := s.catalog.Workers.List(ctx)
	if err != nil {
		return nil, err
	}

	return &JobStatusReport{
		Job:           job,
		Tables:        tables,
		RunningChunks: running,
		Progress:      job.ProgressPercentage(),
		FailureRate:   job.FailureRate(),
		Metrics:       summary,
		Workers:       workers,
	}, nil
}

// GetTables returns a job's per-table plan and progress records.
func (s *MigrationService) GetTables(ctx context.Context, jobID string) ([]*models.Table, error) {
	return s.catalog.Jobs.GetTables(ctx, jobID)
}

// GetJobMetrics returns a job's most recent performance samples, newest first.
func (s *MigrationService) GetJobMetrics(ctx context.Context, jobID string, limit int) ([]*models.PerformanceMetric, error) {
	return s.catalog.Metrics.Recent(ctx, jobID, limit)
}

// StreamJobMetrics polls the job's metric summary at the given interval and
// delivers each reading on the returned channel. The channel is closed when
// the context is cancelled. Slow consumers drop readings rather than block
// the poller.
func (s *MigrationService) StreamJobMetrics(ctx context.Context, jobID string, interval time.Duration) <-chan *catalog.JobSummary {
	out := make(chan *catalog.JobSummary, 1)

	common.SafeGo(s.logger, "metrics-stream-"+jobID, func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary, err := s.catalog.Metrics.Summarize(ctx, jobID)
				if err != nil {
					s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read metric summary")
					continue
				}
				select {
				case out <- summary:
				default:
				}
			}
		}
	})
	return out
}

// GetChunks returns a job's chunks for detailed status output.
func (s *MigrationService) GetChunks(ctx context.Context, jobID string) ([]*models.Chunk, error) {
	return s.catalog.Chunks.GetChunks(ctx, jobID)
}

// GetExecutionLog returns a chunk's attempt history.
func (s *MigrationService) GetExecutionLog(ctx context.Context, chunkID string) ([]*models.ExecutionLogEntry, error) {
	return s.catalog.Audit.GetExecutionLog(ctx, chunkID)
}

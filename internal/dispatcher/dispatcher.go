// Package dispatcher runs the catalog maintenance loops: reaping chunks from
// dead workers, supervising job failure budgets, re-enqueueing validation
// mismatches, and finalizing finished jobs. Multiple dispatchers may run;
// a catalog lease elects the one that acts on each tick.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/metrics"
	"github.com/ternarybob/shuttle/internal/models"
)

const leaseName = "dispatcher"

// Dispatcher owns the periodic maintenance of the chunk pool.
type Dispatcher struct {
	catalog  *catalog.Catalog
	config   *common.Config
	logger   arbor.ILogger
	holderID string
	cron     *cron.Cron
}

// New creates a dispatcher with a unique lease holder identity.
func New(c *catalog.Catalog, config *common.Config, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		catalog:  c,
		config:   config,
		logger:   logger,
		holderID: common.NewWorkerID(),
	}
}

// Start schedules the maintenance loops and blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.cron = cron.New()

	reapSpec := fmt.Sprintf("@every %ds", d.config.Dispatcher.ReapIntervalS)
	if _, err := d.cron.AddFunc(reapSpec, func() { d.reapTick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	superviseSpec := fmt.Sprintf("@every %ds", d.config.Dispatcher.SupervisorIntervalS)
	if _, err := d.cron.AddFunc(superviseSpec, func() { d.superviseTick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule supervisor: %w", err)
	}

	d.cron.Start()
	d.logger.Info().
		Str("holder_id", d.holderID).
		Int("reap_interval_s", d.config.Dispatcher.ReapIntervalS).
		Int("supervisor_interval_s", d.config.Dispatcher.SupervisorIntervalS).
		Msg("Dispatcher started")

	<-ctx.Done()
	stopCtx := d.cron.Stop()
	<-stopCtx.Done()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.catalog.Leases.Release(releaseCtx, leaseName, d.holderID)
	d.logger.Info().Msg("Dispatcher stopped")
	return nil
}

// isLeader takes or renews the dispatcher lease. Only the holder performs
// maintenance, so recovery actions happen exactly once per tick.
func (d *Dispatcher) isLeader(ctx context.Context) bool {
	ttl := time.Duration(d.config.Dispatcher.LeaseTTLS) * time.Second
	held, err := d.catalog.Leases.Acquire(ctx, leaseName, d.holderID, ttl)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Lease acquisition failed")
		return false
	}
	return held
}

// reapTick recovers chunks from workers that stopped heartbeating and prunes
// their registrations.
func (d *Dispatcher) reapTick(ctx context.Context) {
	if ctx.Err() != nil || !d.isLeader(ctx) {
		return
	}

	liveness := d.config.LivenessThreshold()
	hardTimeout := time.Duration(d.config.Dispatcher.HardTimeoutS) * time.Second

	reaped, err := d.catalog.Chunks.ReapDeadChunks(ctx, liveness, hardTimeout)
	if err != nil {
		d.logger.Error().Err(err).Msg("Chunk reaping failed")
		return
	}
	for _, r := range reaped {
		metrics.ChunksReaped.Inc()
		d.logger.Warn().
			Str("chunk_id", r.ChunkID).
			Str("worker_id", r.WorkerID).
			Str("table", r.TableName).
			Str("reason", r.Reason).
			Bool("retry_scheduled", r.RetryScheduled).
			Msg("Reaped chunk from dead worker")
	}

	if _, err := d.catalog.Workers.PruneStale(ctx, liveness); err != nil {
		d.logger.Warn().Err(err).Msg("Worker pruning failed")
	}
}

// superviseTick enforces failure budgets, requeues validation mismatches and
// finalizes jobs whose chunks are all terminal.
func (d *Dispatcher) superviseTick(ctx context.Context) {
	if ctx.Err() != nil || !d.isLeader(ctx) {
		return
	}

	d.enforceFailureBudgets(ctx)

	requeued, err := d.catalog.Chunks.RequeueMismatchedChunks(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Validation requeue failed")
	} else if len(requeued) > 0 {
		d.logger.Warn().
			Int("count", len(requeued)).
			Msg("Re-enqueued chunks after validation mismatch")
	}

	finalized, err := d.catalog.Jobs.FinalizeCompletedJobs(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Job finalization failed")
		return
	}
	for _, jobID := range finalized {
		d.restoreConstraints(ctx, jobID)
	}
}

// enforceFailureBudgets auto-fails running jobs whose terminal failure rate
// crossed the configured threshold. Small jobs are exempt: below the minimum
// chunk count a single failure would dominate the percentage.
func (d *Dispatcher) enforceFailureBudgets(ctx context.Context) {
	health, err := d.catalog.Jobs.QueryJobHealth(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Job health query failed")
		return
	}

	for _, h := range health {
		if h.Status != models.JobStatusRunning {
			continue
		}
		if h.TotalChunks < d.config.Dispatcher.SupervisorMinChunks {
			continue
		}
		rate := h.FailureRate()
		if rate < h.FailureThresholdPercent {
			continue
		}

		reason := fmt.Sprintf("failure rate %.1f%% exceeded threshold %.1f%% (%d of %d chunks failed)",
			rate, h.FailureThresholdPercent, h.TerminalFailedChunks, h.TotalChunks)
		if err := d.catalog.Jobs.MarkJobFailed(ctx, h.JobID, reason, true); err != nil {
			d.logger.Error().Err(err).Str("job_id", h.JobID).Msg("Auto-fail failed")
			continue
		}
		d.logger.Error().
			Str("job_id", h.JobID).
			Float64("failure_rate", rate).
			Float64("threshold", h.FailureThresholdPercent).
			Msg("Job auto-failed by supervisor")
	}
}

// restoreConstraints replays the DDL of constraints dropped for bulk load
// once a job reaches a terminal state.
func (d *Dispatcher) restoreConstraints(ctx context.Context, jobID string) {
	pending, err := d.catalog.Audit.PendingConstraintRestores(ctx, jobID)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read pending constraint restores")
		return
	}
	if len(pending) == 0 {
		return
	}

	job, err := d.catalog.Jobs.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for restore")
		return
	}
	target, err := models.ConnectionFromJSON(job.TargetConfigJSON)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Invalid target config")
		return
	}
	dst, err := adapter.Open(target, d.logger)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to connect to target for restore")
		return
	}
	defer dst.Close()

	if err := dst.RestoreConstraints(ctx, pending); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Constraint restore failed")
		return
	}
	for _, record := range pending {
		if err := d.catalog.Audit.MarkConstraintRestored(ctx, record.ID); err != nil {
			d.logger.Warn().Err(err).Int64("backup_id", record.ID).Msg("Failed to stamp restored constraint")
		}
	}
	d.logger.Info().
		Str("job_id", jobID).
		Int("constraints", len(pending)).
		Msg("Target constraints restored")
}

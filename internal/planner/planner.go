// Package planner analyzes the source schema and decomposes each table into
// primary-key range chunks. Planning output is written to the catalog in one
// transaction; a crash mid-planning leaves the job restartable with no
// partial plan behind.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// analyzeParallelism caps concurrent source-side table analysis.
const analyzeParallelism = 4

// Planner turns a created job into an executable chunk plan.
type Planner struct {
	catalog *catalog.Catalog
	config  *common.Config
	logger  arbor.ILogger
}

// New creates a planner over the given catalog.
func New(c *catalog.Catalog, config *common.Config, logger arbor.ILogger) *Planner {
	return &Planner{catalog: c, config: config, logger: logger}
}

// tablePlan is one table's analysis result.
type tablePlan struct {
	table  *models.Table
	chunks []*models.Chunk
}

// Plan analyzes the job's source tables and writes the chunk plan. Only
// pending jobs can be planned.
func (p *Planner) Plan(ctx context.Context, jobID string) error {
	job, err := p.catalog.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job %s is %s, only pending jobs can be planned: %w",
			jobID, job.Status, catalog.ErrInvalidTransition)
	}
	if job.TotalTables > 0 {
		return fmt.Errorf("job %s already has a plan: %w", jobID, catalog.ErrInvalidTransition)
	}
	if err := p.catalog.Jobs.UpdateJobStatus(ctx, jobID, models.JobStatusPlanning, ""); err != nil {
		return err
	}

	source, err := models.ConnectionFromJSON(job.SourceConfigJSON)
	if err != nil {
		return p.failPlanning(ctx, jobID, fmt.Errorf("invalid source config: %w", err))
	}
	src, err := adapter.Open(source, p.logger)
	if err != nil {
		return p.failPlanning(ctx, jobID, fmt.Errorf("failed to connect to source: %w", err))
	}
	defer src.Close()

	tableNames, err := p.resolveTables(ctx, src, job)
	if err != nil {
		return p.failPlanning(ctx, jobID, err)
	}
	if len(tableNames) == 0 {
		return p.failPlanning(ctx, jobID, fmt.Errorf("no tables to migrate"))
	}

	mappings, err := models.MappingSetFromJSON(job.MappingJSON)
	if err != nil {
		return p.failPlanning(ctx, jobID, fmt.Errorf("invalid table mapping: %w", err))
	}

	var mu sync.Mutex
	plans := make([]tablePlan, 0, len(tableNames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(analyzeParallelism)
	for _, name := range tableNames {
		name := name
		g.Go(func() error {
			plan, err := p.analyzeTable(gctx, src, job, mappings, name)
			if err != nil {
				return err
			}
			mu.Lock()
			plans = append(plans, *plan)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.failPlanning(ctx, jobID, err)
	}

	// Deterministic catalog order regardless of analysis completion order.
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].table.TableName < plans[j].table.TableName
	})

	tables := make([]*models.Table, 0, len(plans))
	chunks := make([]*models.Chunk, 0)
	failedTables := 0
	for _, plan := range plans {
		tables = append(tables, plan.table)
		chunks = append(chunks, plan.chunks...)
		if plan.table.Status == models.TableStatusFailed {
			failedTables++
		}
	}

	if failedTables == len(tables) {
		return p.failPlanning(ctx, jobID,
			fmt.Errorf("all %d tables are unplannable", len(tables)))
	}

	if err := p.catalog.Chunks.InsertPlan(ctx, jobID, tables, chunks); err != nil {
		return p.failPlanning(ctx, jobID, err)
	}

	p.logger.Info().
		Str("job_id", jobID).
		Int("tables", len(tables)).
		Int("failed_tables", failedTables).
		Int("chunks", len(chunks)).
		Msg("Planning complete")
	return nil
}

func (p *Planner) failPlanning(ctx context.Context, jobID string, cause error) error {
	if err := p.catalog.Jobs.MarkJobFailed(ctx, jobID, cause.Error(), false); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record planning failure")
	}
	return fmt.Errorf("planning job %s: %w", jobID, cause)
}

// resolveTables returns the explicit table list from the job spec, or every
// source table when none was given.
func (p *Planner) resolveTables(ctx context.Context, src adapter.Adapter, job *models.Job) ([]string, error) {
	var requested []string
	if job.TablesJSON != "" {
		if err := json.Unmarshal([]byte(job.TablesJSON), &requested); err != nil {
			return nil, fmt.Errorf("invalid tables filter: %w", err)
		}
	}
	if len(requested) > 0 {
		return requested, nil
	}
	tables, err := src.DiscoverTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover source tables: %w", err)
	}
	return tables, nil
}

// analyzeTable inspects one source table and produces its chunk ranges.
// Tables without a usable primary key fail individually without sinking the
// job; empty tables are planned as completed with zero chunks.
func (p *Planner) analyzeTable(ctx context.Context, src adapter.Adapter, job *models.Job, mappings models.MappingSet, name string) (*tablePlan, error) {
	table := &models.Table{
		ID:          common.NewTableID(),
		JobID:       job.ID,
		TableName:   name,
		TargetTable: mappings.Resolve(name).TargetTable,
		Status:      models.TableStatusPending,
	}

	info, err := src.DescribeTable(ctx, name)
	if err != nil {
		if adapter.KindOf(err) == adapter.KindNotFound {
			table.Status = models.TableStatusFailed
			table.FailureReason = fmt.Sprintf("table %s not found on source", name)
			p.logger.Warn().Str("table", name).Msg("Planned table missing on source")
			return &tablePlan{table: table}, nil
		}
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}

	if info.PKColumn == "" {
		table.Status = models.TableStatusFailed
		table.FailureReason = "no single-column integer primary key"
		p.logger.Warn().
			Str("table", name).
			Msg("Table has no chunkable primary key, excluded from plan")
		return &tablePlan{table: table}, nil
	}
	table.PrimaryKey = info.PKColumn
	table.TotalRows = info.RowCountEstimate

	if info.RowCountEstimate == 0 {
		table.Status = models.TableStatusCompleted
		p.logger.Debug().Str("table", name).Msg("Empty table, nothing to copy")
		return &tablePlan{table: table}, nil
	}

	minPK, maxPK, err := src.PKBounds(ctx, name, info.PKColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to read pk bounds of %s: %w", name, err)
	}

	ranges := ChunkRanges(minPK, maxPK, info.RowCountEstimate, p.chunkSize(job))
	chunks := make([]*models.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = &models.Chunk{
			ID:             common.NewChunkID(),
			JobID:          job.ID,
			TableID:        table.ID,
			TableName:      name,
			ChunkIndex:     i,
			PKStart:        r.Start,
			PKEnd:          r.End,
			PKEndInclusive: r.EndInclusive,
			MaxRetries:     p.config.Migration.MaxRetries,
		}
	}
	table.TotalChunks = len(chunks)

	p.logger.Debug().
		Str("table", name).
		Str("primary_key", info.PKColumn).
		Int64("rows", info.RowCountEstimate).
		Int("chunks", len(chunks)).
		Msg("Table analyzed")
	return &tablePlan{table: table, chunks: chunks}, nil
}

func (p *Planner) chunkSize(job *models.Job) int64 {
	if job.ChunkSize > 0 {
		return job.ChunkSize
	}
	return p.config.Migration.ChunkSize
}

// Range is one chunk's primary-key interval. Intervals are half-open
// [Start, End) except the last range of a table, which is [Start, End].
type Range struct {
	Start        int64
	End          int64
	EndInclusive bool
}

// ChunkRanges splits [minPK, maxPK] into equal-width ranges sized from the
// row count. The split is purely arithmetic over the pk span, so sparse key
// spaces produce uneven row distribution but planning stays O(1) per table.
func ChunkRanges(minPK, maxPK, rowCount, chunkSize int64) []Range {
	if rowCount <= 0 || maxPK < minPK {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	numChunks := (rowCount + chunkSize - 1) / chunkSize
	if numChunks < 1 {
		numChunks = 1
	}

	span := maxPK - minPK
	width := span / numChunks
	if span%numChunks != 0 {
		width++
	}
	if width < 1 {
		width = 1
	}

	ranges := make([]Range, 0, numChunks)
	for i := int64(0); i < numChunks; i++ {
		start := minPK + i*width
		if start > maxPK {
			break
		}
		if i == numChunks-1 {
			ranges = append(ranges, Range{Start: start, End: maxPK, EndInclusive: true})
			break
		}
		end := start + width
		if end > maxPK {
			// Width rounding consumed the span early; close out inclusively.
			ranges = append(ranges, Range{Start: start, End: maxPK, EndInclusive: true})
			break
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

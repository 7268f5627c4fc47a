package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/metrics"
	"github.com/ternarybob/shuttle/internal/models"
)

// executor copies one chunk from source to target: delete the target range,
// stream the source range in batches, then validate row counts. All work
// happens under the chunk context, which the heartbeat loop cancels the
// moment ownership is lost.
type executor struct {
	catalog  *catalog.Catalog
	config   *common.Config
	logger   arbor.ILogger
	workerID string
	limiter  *rate.Limiter // nil when unthrottled

	// progressRows counts rows landed in the current chunk; the heartbeat
	// loop reads it concurrently to report in-flight throughput.
	progressRows atomic.Int64
}

// progress returns the rows copied so far in the current chunk.
func (e *executor) progress() int64 {
	return e.progressRows.Load()
}

// pkStats accumulate the checksum inputs while the chunk streams through.
type pkStats struct {
	count int64
	min   int64
	max   int64
	sum   int64
}

func (s *pkStats) observe(pk int64) {
	if s.count == 0 || pk < s.min {
		s.min = pk
	}
	if s.count == 0 || pk > s.max {
		s.max = pk
	}
	s.count++
	s.sum += pk
}

// checksum digests the pk distribution of the copied range. Cheap to compute
// on both sides, order-independent, and sensitive to dropped or duplicated
// rows.
func (s *pkStats) checksum() string {
	digest := xxhash.New()
	fmt.Fprintf(digest, "%d:%d:%d:%d", s.count, s.min, s.max, s.sum)
	return fmt.Sprintf("%016x", digest.Sum64())
}

func (e *executor) executeChunk(ctx context.Context, job *models.Job, chunk *models.Chunk, src, dst adapter.Adapter) (*catalog.ChunkResult, error) {
	start := time.Now()
	e.progressRows.Store(0)

	table, err := e.catalog.Jobs.GetTable(ctx, chunk.TableID)
	if err != nil {
		return nil, err
	}

	mappings, err := models.MappingSetFromJSON(job.MappingJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid table mapping: %w", err)
	}
	mapping := mappings.Resolve(chunk.TableName)
	targetTable := mapping.TargetTable
	sourcePK := table.PrimaryKey
	targetPK := mapping.TargetColumn(sourcePK)

	// Re-copying the range must be idempotent: clear any partial output left
	// by a previous attempt before streaming.
	deleted, err := dst.DeleteRange(ctx, targetTable, targetPK, chunk.PKStart, chunk.PKEnd, chunk.PKEndInclusive)
	if err != nil {
		return nil, fmt.Errorf("failed to clear target range: %w", err)
	}
	if deleted > 0 {
		e.logger.Debug().
			Str("chunk_id", chunk.ID).
			Int64("rows", deleted).
			Msg("Cleared partial rows from previous attempt")
	}

	stream, err := src.ScanRange(ctx, chunk.TableName, sourcePK, chunk.PKStart, chunk.PKEnd, chunk.PKEndInclusive)
	if err != nil {
		return nil, fmt.Errorf("failed to open source range: %w", err)
	}
	defer stream.Close()

	sourceColumns := stream.Columns()
	targetColumns := make([]string, len(sourceColumns))
	transforms := make([]string, len(sourceColumns))
	pkIndex := -1
	for i, col := range sourceColumns {
		targetColumns[i] = mapping.TargetColumn(col)
		if mapping.Transforms != nil {
			transforms[i] = mapping.Transforms[col]
		}
		if col == sourcePK {
			pkIndex = i
		}
	}
	if pkIndex < 0 {
		return nil, fmt.Errorf("primary key column %s missing from source rows", sourcePK)
	}

	controller := newBatchController(&e.config.Migration, e.config.Worker.AdjustEveryBatches)

	var (
		stats           pkStats
		rowsProcessed   int64
		totalBytes      int64
		insertLatencyMs int64
		peakMemoryMB    int64
		batches         int64
	)
	buffer := make([][]any, 0, controller.Size())

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if e.limiter != nil {
			if err := e.limiter.WaitN(ctx, len(buffer)); err != nil {
				return err
			}
		}
		result, err := dst.BulkInsert(ctx, targetTable, targetColumns, buffer)
		if err != nil {
			return err
		}
		rowsProcessed += result.RowsInserted
		e.progressRows.Add(result.RowsInserted)
		insertLatencyMs += result.LatencyMs
		batches++
		if result.PeakMemoryMB > peakMemoryMB {
			peakMemoryMB = result.PeakMemoryMB
		}
		metrics.RowsCopied.Add(float64(result.RowsInserted))
		metrics.BatchesInserted.Inc()
		metrics.InsertLatency.Observe(float64(result.LatencyMs) / 1000)

		if adj := controller.Record(result.LatencyMs); adj != nil {
			adj.JobID = job.ID
			adj.WorkerID = e.workerID
			if err := e.catalog.Audit.RecordBatchAdjustment(ctx, adj); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to record batch adjustment")
			}
			metrics.BatchSize.Set(float64(adj.NewBatchSize))
			e.logger.Info().
				Str("chunk_id", chunk.ID).
				Int("old_batch_size", adj.OldBatchSize).
				Int("new_batch_size", adj.NewBatchSize).
				Int64("avg_latency_ms", adj.AvgLatencyMs).
				Msg("Batch size adjusted")
		}
		buffer = buffer[:0]
		return nil
	}

	for {
		row, err := stream.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read source row: %w", err)
		}
		if row == nil {
			break
		}

		pk, err := pkValue(row[pkIndex])
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunk.ID, err)
		}
		stats.observe(pk)
		totalBytes += estimateRowBytes(row)

		for i := range row {
			if transforms[i] == "" {
				continue
			}
			transformed, err := applyTransform(transforms[i], row[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", sourceColumns[i], err)
			}
			row[i] = transformed
		}

		buffer = append(buffer, row)
		if len(buffer) >= controller.Size() {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	result := &catalog.ChunkResult{
		RowsProcessed:   rowsProcessed,
		Checksum:        stats.checksum(),
		BatchSizeUsed:   controller.Size(),
		MemoryPeakMB:    peakMemoryMB,
		InsertLatencyMs: insertLatencyMs,
	}

	if job.ValidationEnabled {
		sourceCount, err := src.CountRange(ctx, chunk.TableName, sourcePK, chunk.PKStart, chunk.PKEnd, chunk.PKEndInclusive)
		if err != nil {
			return nil, fmt.Errorf("failed to count source range: %w", err)
		}
		targetCount, err := dst.CountRange(ctx, targetTable, targetPK, chunk.PKStart, chunk.PKEnd, chunk.PKEndInclusive)
		if err != nil {
			return nil, fmt.Errorf("failed to count target range: %w", err)
		}
		result.SourceRowCount = &sourceCount
		result.TargetRowCount = &targetCount
		if sourceCount == targetCount {
			result.Validation = models.ValidationValidated
		} else {
			result.Validation = models.ValidationFailed
			metrics.ValidationFailures.Inc()
			e.logger.Warn().
				Str("chunk_id", chunk.ID).
				Int64("source_rows", sourceCount).
				Int64("target_rows", targetCount).
				Msg("Row count validation mismatch")
		}
	} else {
		result.Validation = models.ValidationSkipped
	}

	elapsed := time.Since(start)
	result.DurationMs = elapsed.Milliseconds()
	if seconds := elapsed.Seconds(); seconds > 0 {
		result.ThroughputRowsPerSec = float64(rowsProcessed) / seconds
		result.ThroughputMBPerSec = float64(totalBytes) / (1024 * 1024) / seconds
	}

	if batches > 0 {
		sample := &models.PerformanceMetric{
			JobID:            job.ID,
			WorkerID:         e.workerID,
			RowsPerSecond:    result.ThroughputRowsPerSec,
			MBPerSecond:      result.ThroughputMBPerSec,
			MemoryUsageMB:    peakMemoryMB,
			InsertLatencyMs:  insertLatencyMs / batches,
			CurrentBatchSize: controller.Size(),
		}
		if err := e.catalog.Metrics.Record(ctx, sample); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to record performance sample")
		}
	}
	return result, nil
}

// pkValue coerces the driver's representation of the primary key to int64.
func pkValue(v any) (int64, error) {
	switch pk := v.(type) {
	case int64:
		return pk, nil
	case int32:
		return int64(pk), nil
	case int:
		return int64(pk), nil
	case uint64:
		return int64(pk), nil
	case float64:
		return int64(pk), nil
	case []byte:
		var n int64
		if _, err := fmt.Sscanf(string(pk), "%d", &n); err != nil {
			return 0, fmt.Errorf("non-integer primary key value %q", pk)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("non-integer primary key value of type %T", v)
	}
}

// estimateRowBytes approximates the wire size of one row for throughput
// reporting. Exact byte counts are not worth a serialization pass.
func estimateRowBytes(row []any) int64 {
	var size int64
	for _, v := range row {
		switch val := v.(type) {
		case string:
			size += int64(len(val))
		case []byte:
			size += int64(len(val))
		case nil:
			size++
		default:
			size += 8
		}
	}
	return size
}

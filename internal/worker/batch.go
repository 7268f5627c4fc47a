package worker

import (
	"fmt"

	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// batchController adapts the insert batch size to observed target latency.
// Latency well under the target grows the batch by 50%; latency well over
// halves it. Adjustments are evaluated over a window of batches so one slow
// insert does not whipsaw the size.
type batchController struct {
	size          int
	minSize       int
	maxSize       int
	targetLatency int64 // ms
	window        int

	latencies []int64
}

func newBatchController(config *common.MigrationConfig, window int) *batchController {
	if window < 1 {
		window = 1
	}
	return &batchController{
		size:          config.BatchSize,
		minSize:       config.MinBatchSize,
		maxSize:       config.MaxBatchSize,
		targetLatency: config.TargetLatencyMS,
		window:        window,
	}
}

// Size returns the current batch size.
func (b *batchController) Size() int {
	return b.size
}

// Record feeds one batch's insert latency. When a full window has been
// observed it evaluates the average and returns the adjustment made, or nil
// when the size is left alone.
func (b *batchController) Record(latencyMs int64) *models.BatchAdjustment {
	b.latencies = append(b.latencies, latencyMs)
	if len(b.latencies) < b.window {
		return nil
	}

	var sum int64
	for _, l := range b.latencies {
		sum += l
	}
	avg := sum / int64(len(b.latencies))
	b.latencies = b.latencies[:0]

	oldSize := b.size
	var reason string
	switch {
	case avg < b.targetLatency/2:
		b.size = oldSize * 3 / 2
		if b.size > b.maxSize {
			b.size = b.maxSize
		}
		reason = fmt.Sprintf("avg insert latency %dms below target %dms", avg, b.targetLatency)
	case avg > b.targetLatency*3/2:
		b.size = oldSize / 2
		if b.size < b.minSize {
			b.size = b.minSize
		}
		reason = fmt.Sprintf("avg insert latency %dms above target %dms", avg, b.targetLatency)
	default:
		return nil
	}

	if b.size == oldSize {
		return nil
	}
	return &models.BatchAdjustment{
		OldBatchSize:    oldSize,
		NewBatchSize:    b.size,
		AvgLatencyMs:    avg,
		TargetLatencyMs: b.targetLatency,
		Reason:          reason,
	}
}

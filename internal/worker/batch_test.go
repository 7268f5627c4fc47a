package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/common"
)

func testMigrationConfig() *common.MigrationConfig {
	return &common.MigrationConfig{
		BatchSize:       5000,
		MinBatchSize:    500,
		MaxBatchSize:    50000,
		TargetLatencyMS: 200,
	}
}

func TestBatchControllerGrowsOnLowLatency(t *testing.T) {
	b := newBatchController(testMigrationConfig(), 3)

	require.Nil(t, b.Record(55))
	require.Nil(t, b.Record(60))
	adj := b.Record(65)

	// Average 60ms is under half the 200ms target: grow by 50%.
	require.NotNil(t, adj)
	require.Equal(t, 5000, adj.OldBatchSize)
	require.Equal(t, 7500, adj.NewBatchSize)
	require.Equal(t, int64(60), adj.AvgLatencyMs)
	require.Contains(t, adj.Reason, "below target")
	require.Equal(t, 7500, b.Size())
}

func TestBatchControllerShrinksOnHighLatency(t *testing.T) {
	b := newBatchController(testMigrationConfig(), 2)

	require.Nil(t, b.Record(400))
	adj := b.Record(500)

	require.NotNil(t, adj)
	require.Equal(t, 5000, adj.OldBatchSize)
	require.Equal(t, 2500, adj.NewBatchSize)
	require.Contains(t, adj.Reason, "above target")
	require.Equal(t, 2500, b.Size())
}

func TestBatchControllerHoldsInBand(t *testing.T) {
	b := newBatchController(testMigrationConfig(), 2)

	// 180ms average sits inside [100, 300): no adjustment.
	require.Nil(t, b.Record(160))
	require.Nil(t, b.Record(200))
	require.Equal(t, 5000, b.Size())
}

func TestBatchControllerRespectsCap(t *testing.T) {
	config := testMigrationConfig()
	config.BatchSize = 40000
	b := newBatchController(config, 1)

	adj := b.Record(10)
	require.NotNil(t, adj)
	require.Equal(t, 50000, adj.NewBatchSize)

	// At the cap a further grow is a no-op, not an adjustment record.
	require.Nil(t, b.Record(10))
	require.Equal(t, 50000, b.Size())
}

func TestBatchControllerRespectsFloor(t *testing.T) {
	config := testMigrationConfig()
	config.BatchSize = 800
	b := newBatchController(config, 1)

	adj := b.Record(5000)
	require.NotNil(t, adj)
	require.Equal(t, 500, adj.NewBatchSize)

	require.Nil(t, b.Record(5000))
	require.Equal(t, 500, b.Size())
}

func TestBatchControllerWindowResets(t *testing.T) {
	b := newBatchController(testMigrationConfig(), 2)

	// One slow batch alone never triggers; the window must fill each time.
	require.Nil(t, b.Record(1000))
	adj := b.Record(1000)
	require.NotNil(t, adj)

	require.Nil(t, b.Record(1000))
	adj = b.Record(1000)
	require.NotNil(t, adj)
	require.Equal(t, 1250, adj.NewBatchSize)
}

package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

func TestChunkRangesThreeWaySplit(t *testing.T) {
	ranges := ChunkRanges(1, 250000, 250000, 100000)
	require.Len(t, ranges, 3)

	require.Equal(t, Range{Start: 1, End: 83334}, ranges[0])
	require.Equal(t, Range{Start: 83334, End: 166667}, ranges[1])
	require.Equal(t, Range{Start: 166667, End: 250000, EndInclusive: true}, ranges[2])
}

func TestChunkRangesSingleChunk(t *testing.T) {
	ranges := ChunkRanges(10, 500, 300, 1000)
	require.Len(t, ranges, 1)
	require.Equal(t, Range{Start: 10, End: 500, EndInclusive: true}, ranges[0])
}

func TestChunkRangesSingleRow(t *testing.T) {
	ranges := ChunkRanges(42, 42, 1, 1000)
	require.Len(t, ranges, 1)
	require.Equal(t, Range{Start: 42, End: 42, EndInclusive: true}, ranges[0])
}

func TestChunkRangesEmptyInputs(t *testing.T) {
	require.Nil(t, ChunkRanges(1, 100, 0, 1000))
	require.Nil(t, ChunkRanges(100, 1, 50, 1000))
}

func TestChunkRangesAreContiguousAndCoverSpan(t *testing.T) {
	cases := []struct {
		minPK, maxPK, rowCount, chunkSize int64
	}{
		{1, 1000000, 1000000, 50000},
		{500, 501000, 100000, 7500},
		{0, 2, 3, 1},
		{1, 10, 100, 10}, // dense duplicates per key do not matter to the split
		{1, 1000000, 100, 10},
	}
	for _, tc := range cases {
		ranges := ChunkRanges(tc.minPK, tc.maxPK, tc.rowCount, tc.chunkSize)
		require.NotEmpty(t, ranges)

		require.Equal(t, tc.minPK, ranges[0].Start)
		last := ranges[len(ranges)-1]
		require.Equal(t, tc.maxPK, last.End)
		require.True(t, last.EndInclusive)

		for i := 1; i < len(ranges); i++ {
			require.Equal(t, ranges[i-1].End, ranges[i].Start,
				"ranges must tile the span with no gap or overlap")
			require.False(t, ranges[i-1].EndInclusive)
		}
	}
}

func TestChunkRangesDeterministic(t *testing.T) {
	first := ChunkRanges(1, 999983, 750000, 40000)
	second := ChunkRanges(1, 999983, 750000, 40000)
	require.Equal(t, first, second)
}

// newPlannerEnv builds a catalog and a sqlite source database for end-to-end
// planning tests.
func newPlannerEnv(t *testing.T) (*Planner, *catalog.Catalog, string) {
	t.Helper()

	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.Catalog.URL = filepath.Join(dir, "catalog.db")

	logger := common.GetLogger()
	cat, err := catalog.Open(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	sourcePath := filepath.Join(dir, "source.db")
	db, err := sqlx.Connect("sqlite", sourcePath)
	require.NoError(t, err)
	defer db.Close()

	ddl := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT, amount REAL)`,
		`CREATE TABLE empty_logs (id INTEGER PRIMARY KEY, message TEXT)`,
		`CREATE TABLE line_items (order_id INTEGER, line_no INTEGER, sku TEXT,
			PRIMARY KEY (order_id, line_no))`,
	}
	for _, stmt := range ddl {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
	for i := 1; i <= 500; i++ {
		_, err = db.Exec(`INSERT INTO orders (id, customer, amount) VALUES (?, ?, ?)`,
			i, "cust", float64(i))
		require.NoError(t, err)
	}

	return New(cat, config, logger), cat, sourcePath
}

func seedPlannerJob(t *testing.T, cat *catalog.Catalog, sourcePath string, chunkSize int64) *models.Job {
	t.Helper()

	desc := models.ConnectionDescriptor{Host: "localhost", Database: sourcePath, Driver: "sqlite"}
	sourceJSON, err := desc.ToJSON()
	require.NoError(t, err)

	job := &models.Job{
		ID:                   common.NewJobID(),
		SourceConfigJSON:     sourceJSON,
		TargetConfigJSON:     sourceJSON,
		Priority:             100,
		MaxConcurrentWorkers: 4,
		ChunkSize:            chunkSize,
	}
	require.NoError(t, cat.Jobs.CreateJob(context.Background(), job))
	return job
}

func TestPlanWritesChunkPlan(t *testing.T) {
	p, cat, sourcePath := newPlannerEnv(t)
	ctx := context.Background()

	job := seedPlannerJob(t, cat, sourcePath, 100)
	require.NoError(t, p.Plan(ctx, job.ID))

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, got.Status)
	require.Equal(t, 3, got.TotalTables)

	tables, err := cat.Jobs.GetTables(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tables, 3)

	byName := make(map[string]*models.Table)
	for _, table := range tables {
		byName[table.TableName] = table
	}

	// 500 rows at chunk size 100: five chunks over pk span [1, 500].
	orders := byName["orders"]
	require.Equal(t, models.TableStatusPending, orders.Status)
	require.Equal(t, "id", orders.PrimaryKey)
	require.Equal(t, int64(500), orders.TotalRows)
	require.Equal(t, 5, orders.TotalChunks)

	// Empty table completes at plan time with no chunks.
	empty := byName["empty_logs"]
	require.Equal(t, models.TableStatusCompleted, empty.Status)
	require.Zero(t, empty.TotalChunks)

	// Composite primary key cannot be range-chunked.
	items := byName["line_items"]
	require.Equal(t, models.TableStatusFailed, items.Status)
	require.Contains(t, items.FailureReason, "primary key")

	chunks, err := cat.Chunks.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	require.Equal(t, int64(1), chunks[0].PKStart)
	last := chunks[len(chunks)-1]
	require.Equal(t, int64(500), last.PKEnd)
	require.True(t, last.PKEndInclusive)
	for i := 1; i < len(chunks); i++ {
		require.Equal(t, chunks[i-1].PKEnd, chunks[i].PKStart)
	}
}

func TestPlanHonorsTableFilter(t *testing.T) {
	p, cat, sourcePath := newPlannerEnv(t)
	ctx := context.Background()

	job := seedPlannerJob(t, cat, sourcePath, 100)
	_, err := cat.DB.DB().Exec(
		cat.DB.DB().Rebind(`UPDATE jobs SET tables_json = ? WHERE id = ?`),
		`["orders"]`, job.ID)
	require.NoError(t, err)

	require.NoError(t, p.Plan(ctx, job.ID))

	tables, err := cat.Jobs.GetTables(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "orders", tables[0].TableName)
}

func TestPlanMissingTableFailsTableNotJob(t *testing.T) {
	p, cat, sourcePath := newPlannerEnv(t)
	ctx := context.Background()

	job := seedPlannerJob(t, cat, sourcePath, 100)
	_, err := cat.DB.DB().Exec(
		cat.DB.DB().Rebind(`UPDATE jobs SET tables_json = ? WHERE id = ?`),
		`["orders", "ghost_table"]`, job.ID)
	require.NoError(t, err)

	require.NoError(t, p.Plan(ctx, job.ID))

	tables, err := cat.Jobs.GetTables(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	byName := make(map[string]*models.Table)
	for _, table := range tables {
		byName[table.TableName] = table
	}
	require.Equal(t, models.TableStatusFailed, byName["ghost_table"].Status)
	require.Contains(t, byName["ghost_table"].FailureReason, "not found")
	require.Equal(t, models.TableStatusPending, byName["orders"].Status)
}

func TestPlanFailsWhenEveryTableUnplannable(t *testing.T) {
	p, cat, sourcePath := newPlannerEnv(t)
	ctx := context.Background()

	job := seedPlannerJob(t, cat, sourcePath, 100)
	_, err := cat.DB.DB().Exec(
		cat.DB.DB().Rebind(`UPDATE jobs SET tables_json = ? WHERE id = ?`),
		`["line_items"]`, job.ID)
	require.NoError(t, err)

	err = p.Plan(ctx, job.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unplannable")

	got, err := cat.Jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
}

func TestPlanRejectsNonPendingJob(t *testing.T) {
	p, cat, sourcePath := newPlannerEnv(t)
	ctx := context.Background()

	job := seedPlannerJob(t, cat, sourcePath, 100)
	require.NoError(t, p.Plan(ctx, job.ID))

	err := p.Plan(ctx, job.ID)
	require.ErrorIs(t, err, catalog.ErrInvalidTransition)
}

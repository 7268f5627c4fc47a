package adapter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/models"
)

// newSQLiteAdapter creates a sqlite database with a populated orders table
// and opens it through the adapter.
func newSQLiteAdapter(t *testing.T) (Adapter, *sqlx.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Connect("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER NOT NULL, note TEXT DEFAULT 'n/a')`,
		`CREATE TABLE audit_trail (event_id INTEGER, actor TEXT, PRIMARY KEY (event_id, actor))`,
		`CREATE INDEX idx_orders_customer ON orders (customer_id)`,
	}
	for _, stmt := range stmts {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
	for i := 1; i <= 100; i++ {
		_, err = db.Exec(`INSERT INTO orders (id, customer_id) VALUES (?, ?)`, i*10, i)
		require.NoError(t, err)
	}

	a, err := Open(&models.ConnectionDescriptor{
		Host: "localhost", Database: path, Driver: "sqlite"}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, db
}

func TestSQLiteDiscoverTables(t *testing.T) {
	a, _ := newSQLiteAdapter(t)

	tables, err := a.DiscoverTables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"audit_trail", "orders"}, tables)
}

func TestSQLiteDescribeTable(t *testing.T) {
	a, _ := newSQLiteAdapter(t)
	ctx := context.Background()

	info, err := a.DescribeTable(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "id", info.PKColumn)
	require.Equal(t, int64(100), info.RowCountEstimate)
	require.Len(t, info.Columns, 3)
	require.Equal(t, "id", info.Columns[0].Name)
	require.False(t, info.Columns[1].Nullable)
	require.True(t, info.Columns[2].HasDefault)

	// Composite keys cannot drive range chunking.
	info, err = a.DescribeTable(ctx, "audit_trail")
	require.NoError(t, err)
	require.Empty(t, info.PKColumn)

	_, err = a.DescribeTable(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestSQLitePKBounds(t *testing.T) {
	a, db := newSQLiteAdapter(t)
	ctx := context.Background()

	minPK, maxPK, err := a.PKBounds(ctx, "orders", "id")
	require.NoError(t, err)
	require.Equal(t, int64(10), minPK)
	require.Equal(t, int64(1000), maxPK)

	// Empty table reports zero bounds rather than an error.
	_, err = db.Exec(`DELETE FROM orders`)
	require.NoError(t, err)
	minPK, maxPK, err = a.PKBounds(ctx, "orders", "id")
	require.NoError(t, err)
	require.Zero(t, minPK)
	require.Zero(t, maxPK)
}

func TestSQLiteScanRangeOrderAndBounds(t *testing.T) {
	a, _ := newSQLiteAdapter(t)
	ctx := context.Background()

	// [100, 200) picks ids 100..190.
	stream, err := a.ScanRange(ctx, "orders", "id", 100, 200, false)
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, []string{"id", "customer_id", "note"}, stream.Columns())

	var ids []int64
	for {
		row, err := stream.Next(ctx)
		require.NoError(t, err)
		if row == nil {
			break
		}
		ids = append(ids, row[0].(int64))
	}
	require.Len(t, ids, 10)
	require.Equal(t, int64(100), ids[0])
	require.Equal(t, int64(190), ids[len(ids)-1])
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1], "rows must stream in pk order")
	}

	// Inclusive hi picks up the boundary row.
	count, err := a.CountRange(ctx, "orders", "id", 100, 200, true)
	require.NoError(t, err)
	require.Equal(t, int64(11), count)
}

func TestSQLiteDeleteRange(t *testing.T) {
	a, db := newSQLiteAdapter(t)
	ctx := context.Background()

	deleted, err := a.DeleteRange(ctx, "orders", "id", 10, 100, false)
	require.NoError(t, err)
	require.Equal(t, int64(9), deleted)

	var remaining int
	require.NoError(t, db.Get(&remaining, `SELECT COUNT(*) FROM orders`))
	require.Equal(t, 91, remaining)

	// Deleting an already-empty range is a harmless no-op.
	deleted, err = a.DeleteRange(ctx, "orders", "id", 10, 100, false)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestSQLiteBulkInsert(t *testing.T) {
	a, db := newSQLiteAdapter(t)
	ctx := context.Background()

	rows := [][]any{
		{int64(5000), int64(1), "a"},
		{int64(5001), int64(2), nil},
		{int64(5002), int64(3), "c"},
	}
	result, err := a.BulkInsert(ctx, "orders", []string{"id", "customer_id", "note"}, rows)
	require.NoError(t, err)
	require.Equal(t, int64(3), result.RowsInserted)

	var note *string
	require.NoError(t, db.Get(&note, `SELECT note FROM orders WHERE id = 5001`))
	require.Nil(t, note)

	// A duplicate key rolls the whole batch back.
	_, err = a.BulkInsert(ctx, "orders", []string{"id", "customer_id"}, [][]any{
		{int64(6000), int64(1)},
		{int64(5000), int64(1)},
	})
	require.Error(t, err)
	require.Equal(t, KindConstraintViolation, KindOf(err))

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM orders WHERE id = 6000`))
	require.Zero(t, count)

	// Empty input is accepted without touching the database.
	result, err = a.BulkInsert(ctx, "orders", []string{"id"}, nil)
	require.NoError(t, err)
	require.Zero(t, result.RowsInserted)
}

func TestSQLiteConstraintDropAndRestore(t *testing.T) {
	a, db := newSQLiteAdapter(t)
	ctx := context.Background()

	records, err := a.DropAndBackupConstraints(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "idx_orders_customer", records[0].ConstraintName)
	require.Equal(t, models.ConstraintKindIndex, records[0].Kind)
	require.NotEmpty(t, records[0].RestoreDDL)
	require.NotNil(t, records[0].DroppedAt)

	var count int
	indexQuery := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_orders_customer'`
	require.NoError(t, db.Get(&count, indexQuery))
	require.Zero(t, count)

	// Dropping with nothing left is idempotent.
	records2, err := a.DropAndBackupConstraints(ctx, "orders")
	require.NoError(t, err)
	require.Empty(t, records2)

	require.NoError(t, a.RestoreConstraints(ctx, records))
	require.NoError(t, db.Get(&count, indexQuery))
	require.Equal(t, 1, count)

	// Restoring twice is allowed.
	require.NoError(t, a.RestoreConstraints(ctx, records))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(&models.ConnectionDescriptor{
		Host: "localhost", Database: "x", Driver: "oracle"}, common.GetLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported database driver")
}

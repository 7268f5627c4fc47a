// Package adapter provides a uniform view over the relational back-ends a
// migration can read from or write to. One database/sql implementation is
// parameterized by a dialect (postgres, mysql, sqlite) that owns identifier
// quoting, placeholder syntax, and catalog introspection.
package adapter

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// Column describes one column of a source or target table.
type Column struct {
	Name       string
	Type       string
	Nullable   bool
	HasDefault bool
}

// TableInfo is the adapter's description of one table.
type TableInfo struct {
	Name             string
	PKColumn         string
	Columns          []Column
	RowCountEstimate int64
}

// InsertResult reports one bulk-insert batch.
type InsertResult struct {
	RowsInserted int64
	LatencyMs    int64
	PeakMemoryMB int64
}

// RowStream delivers rows of a pk range in pk order. Implementations stream
// from the driver so memory stays independent of chunk size.
type RowStream interface {
	// Next returns the next row, or (nil, nil) when the range is exhausted.
	Next(ctx context.Context) ([]any, error)
	// Columns returns the column names of the stream.
	Columns() []string
	Close() error
}

// Adapter is the uniform capability set across relational back-ends.
type Adapter interface {
	DiscoverTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, name string) (*TableInfo, error)
	// PKBounds returns the min and max primary key values of the table.
	PKBounds(ctx context.Context, table, pk string) (int64, int64, error)
	// ScanRange streams rows with pk in [lo, hi) or [lo, hi] when hiInclusive.
	ScanRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (RowStream, error)
	// CountRange counts rows in the range, used for post-copy validation.
	CountRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (int64, error)
	// DeleteRange removes the target range before a copy so retries are
	// idempotent on the target.
	DeleteRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (int64, error)
	// BulkInsert issues one set-based insert for the buffered rows inside a
	// single target transaction.
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (*InsertResult, error)
	// DropAndBackupConstraints removes secondary indexes and foreign keys
	// from the target table, returning restoration records. Idempotent.
	DropAndBackupConstraints(ctx context.Context, table string) ([]models.ConstraintBackup, error)
	// RestoreConstraints re-creates previously dropped objects. Idempotent.
	RestoreConstraints(ctx context.Context, records []models.ConstraintBackup) error
	Close() error
}

// Open connects to the database identified by the descriptor and returns the
// adapter for its driver.
func Open(desc *models.ConnectionDescriptor, logger arbor.ILogger) (Adapter, error) {
	dialect, err := dialectFor(desc.DriverName())
	if err != nil {
		return nil, err
	}
	return openSQL(desc, dialect, logger)
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	case "sqlite":
		return &sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

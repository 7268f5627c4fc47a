package adapter

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/models"
)

// dialect owns the driver-specific pieces of the shared SQL adapter:
// identifier quoting, catalog introspection, and constraint DDL.
type dialect interface {
	name() string
	driverName() string
	quote(ident string) string
	discoverTables(ctx context.Context, db *sqlx.DB) ([]string, error)
	describeTable(ctx context.Context, db *sqlx.DB, name string) (*TableInfo, error)
	rowEstimate(ctx context.Context, db *sqlx.DB, name string) (int64, error)
	listConstraints(ctx context.Context, db *sqlx.DB, table string) ([]models.ConstraintBackup, error)
	dropConstraintSQL(table string, record models.ConstraintBackup) string
}

// sqlAdapter implements Adapter over database/sql for every dialect.
type sqlAdapter struct {
	db      *sqlx.DB
	dialect dialect
	logger  arbor.ILogger
}

func openSQL(desc *models.ConnectionDescriptor, d dialect, logger arbor.ILogger) (Adapter, error) {
	db, err := sqlx.Open(d.driverName(), desc.DSN())
	if err != nil {
		return nil, wrapErr("open", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr("ping", err)
	}

	logger.Debug().
		Str("driver", d.name()).
		Str("database", desc.Database).
		Msg("Adapter connected")

	return &sqlAdapter{db: db, dialect: d, logger: logger}, nil
}

func (a *sqlAdapter) DiscoverTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := a.withRetry(ctx, "discover_tables", func() error {
		var err error
		tables, err = a.dialect.discoverTables(ctx, a.db)
		return err
	})
	return tables, err
}

func (a *sqlAdapter) DescribeTable(ctx context.Context, name string) (*TableInfo, error) {
	var info *TableInfo
	err := a.withRetry(ctx, "describe_table", func() error {
		var err error
		info, err = a.dialect.describeTable(ctx, a.db, name)
		if err != nil {
			return err
		}
		// Row count comes from catalog statistics where the dialect has
		// them; COUNT(*) only as a last resort.
		estimate, err := a.dialect.rowEstimate(ctx, a.db, name)
		if err != nil {
			return err
		}
		info.RowCountEstimate = estimate
		return nil
	})
	return info, err
}

func (a *sqlAdapter) PKBounds(ctx context.Context, table, pk string) (int64, int64, error) {
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s",
		a.dialect.quote(pk), a.dialect.quote(pk), a.dialect.quote(table))

	var minPK, maxPK int64
	err := a.withRetry(ctx, "pk_bounds", func() error {
		var minVal, maxVal *int64
		if err := a.db.QueryRowContext(ctx, query).Scan(&minVal, &maxVal); err != nil {
			return err
		}
		if minVal == nil || maxVal == nil {
			minPK, maxPK = 0, 0
			return nil
		}
		minPK, maxPK = *minVal, *maxVal
		return nil
	})
	return minPK, maxPK, err
}

func (a *sqlAdapter) rangePredicate(pk string, hiInclusive bool) string {
	op := "<"
	if hiInclusive {
		op = "<="
	}
	quoted := a.dialect.quote(pk)
	return fmt.Sprintf("%s >= ? AND %s %s ?", quoted, quoted, op)
}

func (a *sqlAdapter) ScanRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (RowStream, error) {
	query := a.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s",
		a.dialect.quote(table), a.rangePredicate(pk, hiInclusive), a.dialect.quote(pk)))

	rows, err := a.db.QueryxContext(ctx, query, lo, hi)
	if err != nil {
		return nil, wrapErr("scan_range", err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, wrapErr("scan_range", err)
	}
	return &sqlRowStream{rows: rows, columns: columns}, nil
}

func (a *sqlAdapter) CountRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (int64, error) {
	query := a.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		a.dialect.quote(table), a.rangePredicate(pk, hiInclusive)))

	var count int64
	err := a.withRetry(ctx, "count_range", func() error {
		return a.db.QueryRowContext(ctx, query, lo, hi).Scan(&count)
	})
	return count, err
}

func (a *sqlAdapter) DeleteRange(ctx context.Context, table, pk string, lo, hi int64, hiInclusive bool) (int64, error) {
	query := a.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s",
		a.dialect.quote(table), a.rangePredicate(pk, hiInclusive)))

	var deleted int64
	err := a.withRetry(ctx, "delete_range", func() error {
		result, err := a.db.ExecContext(ctx, query, lo, hi)
		if err != nil {
			return err
		}
		deleted, _ = result.RowsAffected()
		return nil
	})
	return deleted, err
}

func (a *sqlAdapter) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (*InsertResult, error) {
	if len(rows) == 0 {
		return &InsertResult{}, nil
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = a.dialect.quote(col)
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	valuesClause := strings.TrimSuffix(strings.Repeat(placeholders+",", len(rows)), ",")

	query := a.db.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		a.dialect.quote(table), strings.Join(quoted, ", "), valuesClause))

	args := make([]any, 0, len(rows)*len(columns))
	for _, row := range rows {
		args = append(args, row...)
	}

	start := time.Now()
	// One target transaction per batch: a mid-chunk failure leaves the
	// target with a prefix of the chunk applied.
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr("bulk_insert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return nil, wrapErr("bulk_insert", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("bulk_insert", err)
	}
	latency := time.Since(start)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &InsertResult{
		RowsInserted: int64(len(rows)),
		LatencyMs:    latency.Milliseconds(),
		PeakMemoryMB: int64(memStats.HeapAlloc / (1024 * 1024)),
	}, nil
}

func (a *sqlAdapter) DropAndBackupConstraints(ctx context.Context, table string) ([]models.ConstraintBackup, error) {
	records, err := a.dialect.listConstraints(ctx, a.db, table)
	if err != nil {
		return nil, wrapErr("list_constraints", err)
	}

	now := time.Now().UTC()
	for i := range records {
		dropSQL := a.dialect.dropConstraintSQL(table, records[i])
		if dropSQL == "" {
			continue
		}
		if _, err := a.db.ExecContext(ctx, dropSQL); err != nil {
			return records[:i], wrapErr("drop_constraint", err)
		}
		records[i].DroppedAt = &now
		a.logger.Info().
			Str("table", table).
			Str("constraint", records[i].ConstraintName).
			Str("kind", string(records[i].Kind)).
			Msg("Dropped constraint for bulk load")
	}
	return records, nil
}

func (a *sqlAdapter) RestoreConstraints(ctx context.Context, records []models.ConstraintBackup) error {
	// Foreign keys last so the indexes they depend on exist again first.
	ordered := make([]models.ConstraintBackup, 0, len(records))
	for _, r := range records {
		if r.Kind == models.ConstraintKindIndex {
			ordered = append(ordered, r)
		}
	}
	for _, r := range records {
		if r.Kind == models.ConstraintKindForeignKey {
			ordered = append(ordered, r)
		}
	}

	for _, record := range ordered {
		if record.RestoreDDL == "" || record.RestoredAt != nil {
			continue
		}
		if _, err := a.db.ExecContext(ctx, record.RestoreDDL); err != nil {
			// Restoring twice is allowed; an already-existing object is fine.
			if KindOf(err) == KindConstraintViolation || strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			return wrapErr("restore_constraint", err)
		}
		a.logger.Info().
			Str("table", record.TableName).
			Str("constraint", record.ConstraintName).
			Msg("Restored constraint")
	}
	return nil
}

func (a *sqlAdapter) Close() error {
	return a.db.Close()
}

// withRetry applies the bounded retry policy: only ConnectionLost and
// Timeout are retried, with exponential back-off, at most three attempts.
func (a *sqlAdapter) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxAttempts = 3
	backoff := 500 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		if kind != KindConnectionLost && kind != KindTimeout {
			return wrapErr(op, err)
		}
		if attempt == maxAttempts {
			break
		}
		a.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("Retryable adapter error, backing off")
		select {
		case <-ctx.Done():
			return wrapErr(op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return wrapErr(op, err)
}

// sqlRowStream streams a pk range from an open cursor.
type sqlRowStream struct {
	rows    *sqlx.Rows
	columns []string
}

func (s *sqlRowStream) Next(ctx context.Context) ([]any, error) {
	if ctx.Err() != nil {
		return nil, wrapErr("scan_range", ctx.Err())
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, wrapErr("scan_range", err)
		}
		return nil, nil
	}
	values, err := s.rows.SliceScan()
	if err != nil {
		return nil, wrapErr("scan_range", err)
	}
	return values, nil
}

func (s *sqlRowStream) Columns() []string {
	return s.columns
}

func (s *sqlRowStream) Close() error {
	return s.rows.Close()
}

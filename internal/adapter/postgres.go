package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/shuttle/internal/models"
)

type postgresDialect struct{}

func (d *postgresDialect) name() string       { return "postgres" }
func (d *postgresDialect) driverName() string { return "pgx" }

func (d *postgresDialect) quote(ident string) string {
	return `"` + ident + `"`
}

func (d *postgresDialect) discoverTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	query := `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		ORDER BY tablename
	`
	var tables []string
	if err := db.SelectContext(ctx, &tables, query); err != nil {
		return nil, err
	}
	return tables, nil
}

func (d *postgresDialect) describeTable(ctx context.Context, db *sqlx.DB, name string) (*TableInfo, error) {
	columnsQuery := `
		SELECT column_name, data_type, is_nullable = 'YES', column_default IS NOT NULL
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`
	rows, err := db.QueryContext(ctx, columnsQuery, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	info := &TableInfo{Name: name}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.HasDefault); err != nil {
			return nil, err
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.Columns) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "describe_table", Err: fmt.Errorf("table %s not found", name)}
	}

	// Single-column primary key only; multi-column keys are not chunkable.
	pkQuery := `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
	`
	var pkColumns []string
	if err := db.SelectContext(ctx, &pkColumns, pkQuery, d.quote(name)); err != nil {
		return nil, err
	}
	if len(pkColumns) == 1 {
		info.PKColumn = pkColumns[0]
	}
	return info, nil
}

func (d *postgresDialect) rowEstimate(ctx context.Context, db *sqlx.DB, name string) (int64, error) {
	// reltuples is maintained by ANALYZE; avoids a full scan.
	var estimate float64
	err := db.QueryRowContext(ctx,
		`SELECT reltuples FROM pg_class WHERE relname = $1`, name).Scan(&estimate)
	if err != nil {
		return 0, err
	}
	if estimate < 0 {
		// Never analyzed; fall back to an exact count.
		var count int64
		if err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", d.quote(name))).Scan(&count); err != nil {
			return 0, err
		}
		return count, nil
	}
	return int64(estimate), nil
}

func (d *postgresDialect) listConstraints(ctx context.Context, db *sqlx.DB, table string) ([]models.ConstraintBackup, error) {
	var records []models.ConstraintBackup

	fkQuery := `
		SELECT conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE conrelid = $1::regclass AND contype = 'f'
	`
	rows, err := db.QueryContext(ctx, fkQuery, d.quote(table))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, models.ConstraintBackup{
			TableName:      table,
			ConstraintName: name,
			Kind:           models.ConstraintKindForeignKey,
			RestoreDDL:     fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", d.quote(table), d.quote(name), def),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexQuery := `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = 'public' AND tablename = $1 AND indexname NOT LIKE '%_pkey'
	`
	rows, err = db.QueryContext(ctx, indexQuery, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var def sql.NullString
		if err := rows.Scan(&name, &def); err != nil {
			return nil, err
		}
		records = append(records, models.ConstraintBackup{
			TableName:      table,
			ConstraintName: name,
			Kind:           models.ConstraintKindIndex,
			RestoreDDL:     def.String,
		})
	}
	return records, rows.Err()
}

func (d *postgresDialect) dropConstraintSQL(table string, record models.ConstraintBackup) string {
	switch record.Kind {
	case models.ConstraintKindForeignKey:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", d.quote(table), d.quote(record.ConstraintName))
	case models.ConstraintKindIndex:
		return fmt.Sprintf("DROP INDEX IF EXISTS %s", d.quote(record.ConstraintName))
	}
	return ""
}

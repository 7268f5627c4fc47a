package adapter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ternarybob/shuttle/internal/models"
)

// sqliteDialect backs local migrations and the test suite.
type sqliteDialect struct{}

func (d *sqliteDialect) name() string       { return "sqlite" }
func (d *sqliteDialect) driverName() string { return "sqlite" }

func (d *sqliteDialect) quote(ident string) string {
	return `"` + ident + `"`
}

func (d *sqliteDialect) discoverTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	query := `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`
	var tables []string
	if err := db.SelectContext(ctx, &tables, query); err != nil {
		return nil, err
	}
	return tables, nil
}

func (d *sqliteDialect) describeTable(ctx context.Context, db *sqlx.DB, name string) (*TableInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.quote(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	info := &TableInfo{Name: name}
	var pkColumns []string
	for rows.Next() {
		var cid, notNull, pk int
		var colName, colType string
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		info.Columns = append(info.Columns, Column{
			Name:       colName,
			Type:       colType,
			Nullable:   notNull == 0,
			HasDefault: dfltValue.Valid || pk > 0,
		})
		if pk > 0 {
			pkColumns = append(pkColumns, colName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.Columns) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "describe_table", Err: fmt.Errorf("table %s not found", name)}
	}
	if len(pkColumns) == 1 {
		info.PKColumn = pkColumns[0]
	}
	return info, nil
}

func (d *sqliteDialect) rowEstimate(ctx context.Context, db *sqlx.DB, name string) (int64, error) {
	// SQLite keeps no usable statistics without ANALYZE; tables here are
	// local so an exact count is acceptable.
	var count int64
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", d.quote(name))).Scan(&count)
	return count, err
}

func (d *sqliteDialect) listConstraints(ctx context.Context, db *sqlx.DB, table string) ([]models.ConstraintBackup, error) {
	// Foreign keys cannot be dropped in SQLite without a table rebuild, so
	// only secondary indexes participate in the bulk-load optimization.
	query := `
		SELECT name, sql FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL
	`
	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ConstraintBackup
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			return nil, err
		}
		records = append(records, models.ConstraintBackup{
			TableName:      table,
			ConstraintName: name,
			Kind:           models.ConstraintKindIndex,
			RestoreDDL:     ddl,
		})
	}
	return records, rows.Err()
}

func (d *sqliteDialect) dropConstraintSQL(table string, record models.ConstraintBackup) string {
	if record.Kind != models.ConstraintKindIndex {
		return ""
	}
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", d.quote(record.ConstraintName))
}

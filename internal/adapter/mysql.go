package adapter

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/shuttle/internal/models"
)

type mysqlDialect struct{}

func (d *mysqlDialect) name() string       { return "mysql" }
func (d *mysqlDialect) driverName() string { return "mysql" }

func (d *mysqlDialect) quote(ident string) string {
	return "`" + ident + "`"
}

func (d *mysqlDialect) discoverTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	query := `
		SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	var tables []string
	if err := db.SelectContext(ctx, &tables, query); err != nil {
		return nil, err
	}
	return tables, nil
}

func (d *mysqlDialect) describeTable(ctx context.Context, db *sqlx.DB, name string) (*TableInfo, error) {
	columnsQuery := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE = 'YES',
		       COLUMN_DEFAULT IS NOT NULL OR EXTRA LIKE '%auto_increment%'
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
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

	pkQuery := `
		SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`
	var pkColumns []string
	if err := db.SelectContext(ctx, &pkColumns, pkQuery, name); err != nil {
		return nil, err
	}
	if len(pkColumns) == 1 {
		info.PKColumn = pkColumns[0]
	}
	return info, nil
}

func (d *mysqlDialect) rowEstimate(ctx context.Context, db *sqlx.DB, name string) (int64, error) {
	// TABLE_ROWS is an estimate from InnoDB statistics; no full scan.
	var estimate int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(TABLE_ROWS, 0) FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
	`, name).Scan(&estimate)
	return estimate, err
}

func (d *mysqlDialect) listConstraints(ctx context.Context, db *sqlx.DB, table string) ([]models.ConstraintBackup, error) {
	var records []models.ConstraintBackup

	fkQuery := `
		SELECT rc.CONSTRAINT_NAME, kcu.COLUMN_NAME, kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME
		FROM information_schema.REFERENTIAL_CONSTRAINTS rc
		JOIN information_schema.KEY_COLUMN_USAGE kcu
		  ON kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME AND kcu.TABLE_SCHEMA = rc.CONSTRAINT_SCHEMA
		WHERE rc.CONSTRAINT_SCHEMA = DATABASE() AND rc.TABLE_NAME = ?
	`
	rows, err := db.QueryContext(ctx, fkQuery, table)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name, column, refTable, refColumn string
		if err := rows.Scan(&name, &column, &refTable, &refColumn); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, models.ConstraintBackup{
			TableName:      table,
			ConstraintName: name,
			Kind:           models.ConstraintKindForeignKey,
			RestoreDDL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
				d.quote(table), d.quote(name), d.quote(column), d.quote(refTable), d.quote(refColumn)),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexQuery := `
		SELECT INDEX_NAME, NON_UNIQUE,
		       GROUP_CONCAT(COLUMN_NAME ORDER BY SEQ_IN_INDEX) AS COLS
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND INDEX_NAME != 'PRIMARY'
		GROUP BY INDEX_NAME, NON_UNIQUE
	`
	rows, err = db.QueryContext(ctx, indexQuery, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, cols string
		var nonUnique int
		if err := rows.Scan(&name, &nonUnique, &cols); err != nil {
			return nil, err
		}
		quoted := make([]string, 0, 4)
		for _, col := range strings.Split(cols, ",") {
			quoted = append(quoted, d.quote(col))
		}
		unique := ""
		if nonUnique == 0 {
			unique = "UNIQUE "
		}
		records = append(records, models.ConstraintBackup{
			TableName:      table,
			ConstraintName: name,
			Kind:           models.ConstraintKindIndex,
			RestoreDDL: fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
				unique, d.quote(name), d.quote(table), strings.Join(quoted, ", ")),
		})
	}
	return records, rows.Err()
}

func (d *mysqlDialect) dropConstraintSQL(table string, record models.ConstraintBackup) string {
	switch record.Kind {
	case models.ConstraintKindForeignKey:
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.quote(table), d.quote(record.ConstraintName))
	case models.ConstraintKindIndex:
		return fmt.Sprintf("DROP INDEX %s ON %s", d.quote(record.ConstraintName), d.quote(table))
	}
	return ""
}

// Package catalog is the durable, transactional store of jobs, tables,
// chunks, worker heartbeats and audit history. It is the single source of
// truth for migration progress; workers and dispatchers hold only in-memory
// working copies reconciled here on every state transition.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"

	"github.com/ternarybob/shuttle/internal/common"
)

// CatalogDB manages the catalog database connection. SQLite is the default
// backend; a postgres:// METADATA_DB_URL selects Postgres.
type CatalogDB struct {
	db     *sqlx.DB
	driver string
	logger arbor.ILogger
}

// NewCatalogDB opens the catalog identified by config.Catalog.URL and
// initializes the schema.
func NewCatalogDB(logger arbor.ILogger, config *common.CatalogConfig) (*CatalogDB, error) {
	driver, dsn := resolveURL(config)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY storms under claim contention.
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	c := &CatalogDB{db: db, driver: driver, logger: logger}
	if err := c.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	logger.Info().
		Str("driver", driver).
		Msg("Catalog database ready")
	return c, nil
}

func resolveURL(config *common.CatalogConfig) (driver, dsn string) {
	url := config.URL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url
	case strings.HasPrefix(url, "sqlite://"):
		url = strings.TrimPrefix(url, "sqlite://")
		fallthrough
	default:
		if dir := filepath.Dir(url); dir != "." && dir != "" {
			os.MkdirAll(dir, 0755)
		}
		params := fmt.Sprintf("?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", config.BusyTimeoutMS)
		if config.WALMode {
			params += "&_pragma=journal_mode(WAL)"
		}
		return "sqlite", url + params
	}
}

// Driver returns the active catalog driver name ("sqlite" or "pgx").
func (c *CatalogDB) Driver() string {
	return c.driver
}

// DB exposes the underlying handle for the store types in this package.
func (c *CatalogDB) DB() *sqlx.DB {
	return c.db
}

// Close closes the catalog connection.
func (c *CatalogDB) Close() error {
	return c.db.Close()
}

// nowMS returns the current time as Unix milliseconds, the catalog's
// timestamp representation.
func nowMS() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func msToTimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

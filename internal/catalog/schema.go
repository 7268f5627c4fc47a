package catalog

import (
	"fmt"
	"strings"
)

// The catalog schema. Timestamps are Unix milliseconds, booleans are 0/1
// integers, so the same DDL serves both SQLite and Postgres. The only
// dialect divergence is the auto-increment primary key used by the
// append-only tables.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_config TEXT NOT NULL,
	target_config TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'planning', 'running', 'completed', 'failed', 'paused')),
	priority INTEGER NOT NULL DEFAULT 100,
	total_tables INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	completed_chunks INTEGER NOT NULL DEFAULT 0,
	failed_chunks INTEGER NOT NULL DEFAULT 0,
	failure_threshold_percent REAL NOT NULL DEFAULT 5,
	max_concurrent_workers INTEGER NOT NULL DEFAULT 8,
	chunk_size INTEGER NOT NULL DEFAULT 100000,
	validation_enabled INTEGER NOT NULL DEFAULT 1,
	drop_constraints INTEGER NOT NULL DEFAULT 0,
	optimization_method TEXT NOT NULL DEFAULT '',
	mapping_json TEXT NOT NULL DEFAULT '{}',
	tables_json TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	auto_failed_at INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	peak_memory_mb INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	avg_throughput_rows REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS tables (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	table_name TEXT NOT NULL,
	target_table TEXT NOT NULL,
	primary_key_column TEXT NOT NULL DEFAULT '',
	total_rows INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	completed_chunks INTEGER NOT NULL DEFAULT 0,
	failed_chunks INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	UNIQUE (job_id, table_name)
);

CREATE INDEX IF NOT EXISTS idx_tables_job ON tables(job_id);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	table_id TEXT NOT NULL REFERENCES tables(id),
	table_name TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	pk_start INTEGER NOT NULL,
	pk_end INTEGER NOT NULL,
	pk_end_inclusive INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	worker_id TEXT NOT NULL DEFAULT '',
	next_retry_at INTEGER,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	source_row_count INTEGER,
	target_row_count INTEGER,
	checksum TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	validation_status TEXT NOT NULL DEFAULT 'pending'
		CHECK (validation_status IN ('pending', 'validated', 'failed', 'skipped')),
	started_at INTEGER,
	completed_at INTEGER,
	last_heartbeat INTEGER,
	created_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	batch_size_used INTEGER NOT NULL DEFAULT 0,
	throughput_rows_per_sec REAL NOT NULL DEFAULT 0,
	throughput_mb_per_sec REAL NOT NULL DEFAULT 0,
	memory_peak_mb INTEGER NOT NULL DEFAULT 0,
	insert_latency_ms INTEGER NOT NULL DEFAULT 0,
	UNIQUE (table_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);
CREATE INDEX IF NOT EXISTS idx_chunks_claim ON chunks(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_chunks_heartbeat ON chunks(status, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_chunks_job ON chunks(job_id);
CREATE INDEX IF NOT EXISTS idx_chunks_table ON chunks(table_id);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	current_chunk_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle'
		CHECK (status IN ('idle', 'busy', 'draining'))
);

CREATE TABLE IF NOT EXISTS chunk_execution_log (
	id %[1]s,
	chunk_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	source_row_count INTEGER,
	target_row_count INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_execution_log_chunk ON chunk_execution_log(chunk_id);
CREATE INDEX IF NOT EXISTS idx_execution_log_job ON chunk_execution_log(job_id);

CREATE TABLE IF NOT EXISTS batch_size_history (
	id %[1]s,
	job_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	old_batch_size INTEGER NOT NULL,
	new_batch_size INTEGER NOT NULL,
	avg_latency_ms INTEGER NOT NULL DEFAULT 0,
	target_latency_ms INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_history_job ON batch_size_history(job_id);

CREATE TABLE IF NOT EXISTS performance_metrics (
	id %[1]s,
	job_id TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	rows_per_second REAL NOT NULL DEFAULT 0,
	mb_per_second REAL NOT NULL DEFAULT 0,
	memory_usage_mb INTEGER NOT NULL DEFAULT 0,
	insert_latency_ms INTEGER NOT NULL DEFAULT 0,
	current_batch_size INTEGER NOT NULL DEFAULT 0,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_perf_metrics_job ON performance_metrics(job_id, recorded_at);

CREATE TABLE IF NOT EXISTS constraint_backup (
	id %[1]s,
	job_id TEXT NOT NULL,
	table_name TEXT NOT NULL,
	constraint_name TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('index', 'foreign_key')),
	restore_ddl TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	dropped_at INTEGER,
	restored_at INTEGER,
	UNIQUE (job_id, table_name, constraint_name)
);

CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// InitSchema creates the catalog tables if they do not exist.
func (c *CatalogDB) InitSchema() error {
	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if c.driver == "pgx" {
		autoPK = "BIGSERIAL PRIMARY KEY"
	}

	ddl := fmt.Sprintf(schemaSQL, autoPK)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	c.logger.Debug().Msg("Catalog schema initialized")
	return nil
}

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Catalog     CatalogConfig    `toml:"catalog"`
	Migration   MigrationConfig  `toml:"migration"`
	Dispatcher  DispatcherConfig `toml:"dispatcher"`
	Worker      WorkerConfig     `toml:"worker"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Logging     LoggingConfig    `toml:"logging"`
}

// CatalogConfig selects and tunes the metadata catalog store.
type CatalogConfig struct {
	URL           string `toml:"url"`             // METADATA_DB_URL; sqlite path or postgres:// URL
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // SQLite busy timeout
	WALMode       bool   `toml:"wal_mode"`        // SQLite WAL journal mode
	MaxOpenConns  int    `toml:"max_open_conns"`
}

// MigrationConfig carries the per-job defaults from the recognized
// environment variable surface.
type MigrationConfig struct {
	ChunkSize               int64   `toml:"chunk_size"`                // rows per chunk
	BatchSize               int     `toml:"batch_size"`                // initial insert batch
	MinBatchSize            int     `toml:"min_batch_size"`
	MaxBatchSize            int     `toml:"max_batch_size"`
	TargetLatencyMS         int64   `toml:"target_latency_ms"`         // adaptive controller target
	MaxRetries              int     `toml:"max_retries"`
	FailureThresholdPercent float64 `toml:"failure_threshold_percent"`
	RetryBackoffBaseS       int     `toml:"retry_backoff_base_s"`
	RetryBackoffCapS        int     `toml:"retry_backoff_cap_s"`
	MaxConcurrentWorkers    int     `toml:"max_concurrent_workers"` // per job
	RowsPerSecondLimit      int     `toml:"rows_per_second_limit"`  // 0 = unlimited
}

// DispatcherConfig tunes the leader-elected maintenance loops.
type DispatcherConfig struct {
	ReapIntervalS        int `toml:"reap_interval_s"`
	SupervisorIntervalS  int `toml:"supervisor_interval_s"`
	LivenessThresholdS   int `toml:"liveness_threshold_s"`
	HardTimeoutS         int `toml:"hard_timeout_s"`          // running chunks older than this are reaped
	SupervisorMinChunks  int `toml:"supervisor_min_chunks"`   // minimum total_chunks before auto-fail
	LeaseTTLS            int `toml:"lease_ttl_s"`
}

// WorkerConfig tunes the worker runtime.
type WorkerConfig struct {
	HeartbeatIntervalS int `toml:"heartbeat_interval_s"`
	ClaimJitterMinMS   int `toml:"claim_jitter_min_ms"`
	ClaimJitterMaxMS   int `toml:"claim_jitter_max_ms"`
	AdjustEveryBatches int `toml:"adjust_every_batches"` // adaptive controller sample cadence
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns the configuration defaults documented in the
// environment variable table.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Catalog: CatalogConfig{
			URL:           "shuttle.db",
			BusyTimeoutMS: 5000,
			WALMode:       true,
			MaxOpenConns:  8,
		},
		Migration: MigrationConfig{
			ChunkSize:               100000,
			BatchSize:               5000,
			MinBatchSize:            500,
			MaxBatchSize:            50000,
			TargetLatencyMS:         200,
			MaxRetries:              3,
			FailureThresholdPercent: 5,
			RetryBackoffBaseS:       10,
			RetryBackoffCapS:        600,
			MaxConcurrentWorkers:    8,
			RowsPerSecondLimit:      0,
		},
		Dispatcher: DispatcherConfig{
			ReapIntervalS:       30,
			SupervisorIntervalS: 10,
			LivenessThresholdS:  120,
			HardTimeoutS:        3600,
			SupervisorMinChunks: 20,
			LeaseTTLS:           60,
		},
		Worker: WorkerConfig{
			HeartbeatIntervalS: 10,
			ClaimJitterMinMS:   100,
			ClaimJitterMaxMS:   500,
			AdjustEveryBatches: 5,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9190",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with precedence:
// defaults -> file1 -> file2 -> ... -> environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies the recognized environment variable surface.
// Additional knobs belong here, not in ad hoc lookups.
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("METADATA_DB_URL"); url != "" {
		config.Catalog.URL = url
	}
	if v := os.Getenv("MIGRATION_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Migration.ChunkSize = n
		}
	}
	if v := os.Getenv("MIGRATION_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Migration.BatchSize = n
		}
	}
	if v := os.Getenv("MIGRATION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Migration.MaxRetries = n
		}
	}
	if v := os.Getenv("MIGRATION_HEARTBEAT_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Worker.HeartbeatIntervalS = n
		}
	}
	if v := os.Getenv("MIGRATION_LIVENESS_THRESHOLD_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Dispatcher.LivenessThresholdS = n
		}
	}
	if v := os.Getenv("MIGRATION_FAILURE_THRESHOLD_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			config.Migration.FailureThresholdPercent = f
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// HeartbeatInterval returns the worker heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatIntervalS) * time.Second
}

// LivenessThreshold returns the dead-worker detection threshold.
func (c *Config) LivenessThreshold() time.Duration {
	return time.Duration(c.Dispatcher.LivenessThresholdS) * time.Second
}

// IsProduction returns true when running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

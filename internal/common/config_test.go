package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	require.Equal(t, "development", config.Environment)
	require.Equal(t, "shuttle.db", config.Catalog.URL)
	require.Equal(t, int64(100000), config.Migration.ChunkSize)
	require.Equal(t, 5000, config.Migration.BatchSize)
	require.Equal(t, 3, config.Migration.MaxRetries)
	require.InDelta(t, 5.0, config.Migration.FailureThresholdPercent, 0.001)
	require.Equal(t, 10*time.Second, config.HeartbeatInterval())
	require.Equal(t, 2*time.Minute, config.LivenessThreshold())
	require.False(t, config.IsProduction())
}

func TestLoadFromFilesLayersInOrder(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(base, []byte(`
environment = "production"

[migration]
chunk_size = 25000
batch_size = 2000

[catalog]
url = "/var/lib/shuttle/catalog.db"
`), 0o644))

	override := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(override, []byte(`
[migration]
batch_size = 4000
`), 0o644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	require.True(t, config.IsProduction())
	require.Equal(t, "/var/lib/shuttle/catalog.db", config.Catalog.URL)
	// Later files win field by field; untouched fields keep earlier values.
	require.Equal(t, int64(25000), config.Migration.ChunkSize)
	require.Equal(t, 4000, config.Migration.BatchSize)
	// Defaults survive where no file sets a value.
	require.Equal(t, 3, config.Migration.MaxRetries)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("METADATA_DB_URL", "postgres://catalog.internal/shuttle")
	t.Setenv("MIGRATION_CHUNK_SIZE", "75000")
	t.Setenv("MIGRATION_BATCH_SIZE", "1000")
	t.Setenv("MIGRATION_MAX_RETRIES", "5")
	t.Setenv("MIGRATION_HEARTBEAT_INTERVAL_S", "20")
	t.Setenv("MIGRATION_LIVENESS_THRESHOLD_S", "300")
	t.Setenv("MIGRATION_FAILURE_THRESHOLD_PCT", "2.5")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	require.Equal(t, "postgres://catalog.internal/shuttle", config.Catalog.URL)
	require.Equal(t, int64(75000), config.Migration.ChunkSize)
	require.Equal(t, 1000, config.Migration.BatchSize)
	require.Equal(t, 5, config.Migration.MaxRetries)
	require.Equal(t, 20*time.Second, config.HeartbeatInterval())
	require.Equal(t, 5*time.Minute, config.LivenessThreshold())
	require.InDelta(t, 2.5, config.Migration.FailureThresholdPercent, 0.001)
	require.Equal(t, "debug", config.Logging.Level)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("MIGRATION_CHUNK_SIZE", "not-a-number")
	t.Setenv("MIGRATION_BATCH_SIZE", "-10")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	require.Equal(t, int64(100000), config.Migration.ChunkSize)
	require.Equal(t, 5000, config.Migration.BatchSize)
}

func TestIDPrefixes(t *testing.T) {
	require.Contains(t, NewJobID(), "job_")
	require.Contains(t, NewTableID(), "tbl_")
	require.Contains(t, NewChunkID(), "chk_")
	require.NotEqual(t, NewJobID(), NewJobID())
	require.NotEmpty(t, NewWorkerID())
}

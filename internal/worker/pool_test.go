package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/shuttle/internal/common"
)

func TestPoolWorkerIDs(t *testing.T) {
	env := newExecutorEnv(t, 0)
	logger := common.GetLogger()

	// An operator-chosen id passes through unchanged for a single worker.
	pool := NewPool(env.cat, env.config, logger, 1, "etl-host-a")
	require.Len(t, pool.runtimes, 1)
	require.Equal(t, "etl-host-a", pool.runtimes[0].WorkerID)

	// A pool numbers its workers off the base id.
	pool = NewPool(env.cat, env.config, logger, 3, "etl-host-a")
	require.Len(t, pool.runtimes, 3)
	require.Equal(t, "etl-host-a-1", pool.runtimes[0].WorkerID)
	require.Equal(t, "etl-host-a-2", pool.runtimes[1].WorkerID)
	require.Equal(t, "etl-host-a-3", pool.runtimes[2].WorkerID)

	// No base id: every worker gets a distinct generated id.
	pool = NewPool(env.cat, env.config, logger, 2, "")
	require.NotEmpty(t, pool.runtimes[0].WorkerID)
	require.NotEmpty(t, pool.runtimes[1].WorkerID)
	require.NotEqual(t, pool.runtimes[0].WorkerID, pool.runtimes[1].WorkerID)

	pool = NewPool(env.cat, env.config, logger, 0, "solo")
	require.Len(t, pool.runtimes, 1)
	require.Equal(t, "solo", pool.runtimes[0].WorkerID)
}

// Package metrics exposes the process-level Prometheus instrumentation and
// the optional scrape listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/common"
)

var (
	RowsCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "rows_copied_total",
		Help:      "Rows inserted into target databases.",
	})

	BatchesInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "batches_inserted_total",
		Help:      "Bulk insert batches executed.",
	})

	InsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shuttle",
		Name:      "insert_latency_seconds",
		Help:      "Bulk insert latency per batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shuttle",
		Name:      "batch_size_rows",
		Help:      "Current adaptive insert batch size.",
	})

	ChunksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "chunks_completed_total",
		Help:      "Chunks copied and committed.",
	})

	ChunksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "chunks_failed_total",
		Help:      "Chunk attempts that ended in failure.",
	})

	ChunksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "chunks_reaped_total",
		Help:      "Chunks recovered from dead or stuck workers.",
	})

	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shuttle",
		Name:      "validation_failures_total",
		Help:      "Chunks whose post-copy row counts did not match.",
	})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shuttle",
		Name:      "chunk_duration_seconds",
		Help:      "End-to-end chunk copy duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// Serve starts the Prometheus scrape endpoint when enabled. The listener is
// best-effort; a bind failure is logged, not fatal.
func Serve(config *common.MetricsConfig, logger arbor.ILogger) {
	if !config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	common.SafeGo(logger, "metrics-listener", func() {
		logger.Info().Str("addr", config.ListenAddr).Msg("Metrics listener started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("Metrics listener stopped")
		}
	})
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/dispatcher"
	"github.com/ternarybob/shuttle/internal/metrics"
	"github.com/ternarybob/shuttle/internal/worker"
)

// runWorker starts a migration worker. Every worker also runs the dispatcher
// maintenance loops; the catalog lease elects the single acting dispatcher,
// so running many workers needs no separate coordinator process.
func runWorker(args []string) int {
	flags := flag.NewFlagSet("worker", flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	numWorkers := flags.Int("workers", 1, "Number of worker loops in this process")
	workerID := flags.String("id", "", "Worker id override (default: generated)")
	flags.Parse(args)

	config, logger, err := loadEnvironment(configFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}
	common.PrintBanner(common.GetVersion())

	cat, err := catalog.Open(logger, config)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open catalog")
		return exitFatal
	}
	defer cat.Close()

	metrics.Serve(&config.Metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatcher.New(cat, config, logger)
	common.SafeGo(logger, "dispatcher", func() {
		if err := disp.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Dispatcher failed")
		}
	})

	pool := worker.NewPool(cat, config, logger, *numWorkers, *workerID)

	// SIGINT/SIGTERM drains: chunks in flight finish, then the workers
	// deregister and exit.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	common.SafeGo(logger, "signal-handler", func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, draining")
		cancel()
	})

	logger.Info().
		Int("workers", *numWorkers).
		Msg("Workers ready - Press Ctrl+C to drain and stop")

	pool.Start(ctx)
	pool.Wait()
	return exitOK
}

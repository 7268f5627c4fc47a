package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/services"
)

// adminEnv opens the catalog and service for the single-shot admin verbs.
func adminEnv(name string, args []string) (*services.MigrationService, *catalog.Catalog, arbor.ILogger, string, int) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	flags.Parse(args)

	if flags.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "%s: an id argument is required\n", name)
		return nil, nil, nil, "", exitFatal
	}
	id := flags.Arg(0)

	config, logger, err := loadEnvironment(configFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return nil, nil, nil, "", exitFatal
	}

	cat, err := catalog.Open(logger, config)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open catalog")
		return nil, nil, nil, "", exitFatal
	}

	return services.NewMigrationService(cat, config, logger), cat, logger, id, exitOK
}

// runRetryChunk re-enqueues a terminally failed chunk.
func runRetryChunk(args []string) int {
	service, cat, _, chunkID, code := adminEnv("retry-chunk", args)
	if code != exitOK {
		return code
	}
	defer cat.Close()

	if err := service.RetryChunk(context.Background(), chunkID); err != nil {
		fmt.Fprintf(os.Stderr, "retry-chunk: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("Chunk %s re-enqueued\n", chunkID)
	return exitOK
}

// runPause stops new chunk dispatch for a job.
func runPause(args []string) int {
	service, cat, _, jobID, code := adminEnv("pause", args)
	if code != exitOK {
		return code
	}
	defer cat.Close()

	if err := service.PauseJob(context.Background(), jobID); err != nil {
		fmt.Fprintf(os.Stderr, "pause: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("Job %s paused\n", jobID)
	return exitOK
}

// runResume reopens a paused job for dispatch.
func runResume(args []string) int {
	service, cat, _, jobID, code := adminEnv("resume", args)
	if code != exitOK {
		return code
	}
	defer cat.Close()

	if err := service.ResumeJob(context.Background(), jobID); err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("Job %s resumed\n", jobID)
	return exitOK
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
	"github.com/ternarybob/shuttle/internal/services"
)

// runPlan creates a job from a YAML spec and computes its chunk plan.
func runPlan(args []string) int {
	flags := flag.NewFlagSet("plan", flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	specPath := flags.String("spec", "", "Path to the YAML job spec (required)")
	flags.Parse(args)

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "plan: -spec is required")
		flags.Usage()
		return exitInvalidSpec
	}

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

	service := services.NewMigrationService(cat, config, logger)
	ctx := context.Background()

	spec, err := service.LoadJobSpec(*specPath)
	if err != nil {
		logger.Error().Err(err).Str("spec", *specPath).Msg("Job spec rejected")
		return exitInvalidSpec
	}

	job, err := service.CreateJob(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create job")
		return exitCodeFor(err)
	}

	if err := service.PlanJob(ctx, job.ID); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Planning failed")
		return exitCodeFor(err)
	}

	planned, err := service.GetJob(ctx, job.ID)
	if err != nil {
		return exitCodeFor(err)
	}

	fmt.Printf("Job %s planned: %d tables, %d chunks\n",
		planned.ID, planned.TotalTables, planned.TotalChunks)
	return exitOK
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/models"
	"github.com/ternarybob/shuttle/internal/services"
)

// runStatus prints one job's progress, or lists jobs when no id is given.
func runStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	jobID := flags.String("job", "", "Job id (omit to list jobs)")
	showChunks := flags.Bool("chunks", false, "Include per-chunk detail")
	flags.Parse(args)

	if *jobID == "" && flags.NArg() > 0 {
		*jobID = flags.Arg(0)
	}

	config, logger, err := loadEnvironment(configFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}

	cat, err := catalog.Open(logger, config)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open catalog")
		return exitFatal
	}
	defer cat.Close()

	service := services.NewMigrationService(cat, config, logger)
	ctx := context.Background()

	if *jobID == "" {
		return listJobs(ctx, service)
	}

	report, err := service.JobStatus(ctx, *jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitCodeFor(err)
	}
	printJobReport(report)

	if *showChunks {
		chunks, err := service.GetChunks(ctx, *jobID)
		if err != nil {
			return exitCodeFor(err)
		}
		printChunks(chunks)
	}
	return exitOK
}

func listJobs(ctx context.Context, service *services.MigrationService) int {
	jobs, err := service.ListJobs(ctx, "", 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitCodeFor(err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return exitOK
	}

	fmt.Printf("%-42s %-10s %-9s %8s %8s %8s\n",
		"JOB", "STATUS", "PROGRESS", "TABLES", "CHUNKS", "FAILED")
	for _, job := range jobs {
		fmt.Printf("%-42s %-10s %7.1f%% %8d %8d %8d\n",
			job.ID, job.Status, job.ProgressPercentage(),
			job.TotalTables, job.TotalChunks, job.FailedChunks)
	}
	return exitOK
}

func printJobReport(report *services.JobStatusReport) {
	job := report.Job
	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Progress:   %.1f%% (%d/%d chunks, %d running, %d failed)\n",
		report.Progress, job.CompletedChunks, job.TotalChunks,
		report.RunningChunks, job.FailedChunks)
	fmt.Printf("Failure:    %.1f%% of %.1f%% budget\n",
		report.FailureRate, job.FailureThresholdPercent)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:    %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished:   %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.AutoFailedAt != nil {
		fmt.Printf("Auto-fail:  %s\n", job.AutoFailedAt.Format(time.RFC3339))
	}
	if job.LastError != "" {
		fmt.Printf("Last error: %s\n", job.LastError)
	}
	if report.Metrics != nil && report.Metrics.Samples > 0 {
		fmt.Printf("Throughput: %.0f rows/s avg, %.0f rows/s peak, %.1fms avg insert latency\n",
			report.Metrics.AvgRowsPerSecond, report.Metrics.PeakRowsPerSec,
			report.Metrics.AvgLatencyMs)
	}

	if len(report.Tables) > 0 {
		fmt.Printf("\n%-30s %-10s %12s %8s %8s %8s\n",
			"TABLE", "STATUS", "ROWS", "CHUNKS", "DONE", "FAILED")
		for _, t := range report.Tables {
			fmt.Printf("%-30s %-10s %12d %8d %8d %8d\n",
				t.TableName, t.Status, t.TotalRows,
				t.TotalChunks, t.CompletedChunks, t.FailedChunks)
			if t.FailureReason != "" {
				fmt.Printf("  reason: %s\n", t.FailureReason)
			}
		}
	}

	if len(report.Workers) > 0 {
		fmt.Printf("\n%-40s %-9s %s\n", "WORKER", "STATUS", "LAST SEEN")
		for _, w := range report.Workers {
			fmt.Printf("%-40s %-9s %s\n",
				w.WorkerID, w.Status, w.LastSeen.Format(time.RFC3339))
		}
	}
}

func printChunks(chunks []*models.Chunk) {
	fmt.Printf("\n%-42s %-24s %-10s %12s %12s %7s %-10s\n",
		"CHUNK", "TABLE", "STATUS", "PK START", "PK END", "RETRIES", "VALIDATION")
	for _, c := range chunks {
		fmt.Printf("%-42s %-24s %-10s %12d %12d %7d %-10s\n",
			c.ID, c.TableName, c.Status, c.PKStart, c.PKEnd, c.RetryCount, c.Validation)
		if c.LastError != "" {
			fmt.Printf("  error: %s\n", c.LastError)
		}
	}
}

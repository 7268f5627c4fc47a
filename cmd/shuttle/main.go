// -----------------------------------------------------------------------
// Shuttle - bulk relational data migration engine
// -----------------------------------------------------------------------

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/adapter"
	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
)

// Exit codes reported to calling automation.
const (
	exitOK          = 0
	exitFatal       = 1
	exitInvalidSpec = 2
	exitUnreachable = 3
	exitNotFound    = 4
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Shuttle - bulk relational data migration engine

Usage:
  shuttle <command> [flags]

Commands:
  plan         Create a job from a YAML spec and compute its chunk plan
  worker       Run a migration worker (includes dispatcher maintenance)
  status       Show job progress, or list jobs
  retry-chunk  Re-enqueue a terminally failed chunk
  pause        Pause a job
  resume       Resume a paused job
  version      Print version information

Run "shuttle <command> -h" for command flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFatal)
	}

	var code int
	switch os.Args[1] {
	case "plan":
		code = runPlan(os.Args[2:])
	case "worker":
		code = runWorker(os.Args[2:])
	case "status":
		code = runStatus(os.Args[2:])
	case "retry-chunk":
		code = runRetryChunk(os.Args[2:])
	case "pause":
		code = runPause(os.Args[2:])
	case "resume":
		code = runResume(os.Args[2:])
	case "version", "-version", "--version", "-v":
		fmt.Printf("Shuttle version %s\n", common.GetFullVersion())
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		code = exitFatal
	}
	os.Exit(code)
}

// loadEnvironment applies the startup sequence shared by every command:
// config (defaults -> files -> env), then logger.
func loadEnvironment(configFiles configPaths) (*common.Config, arbor.ILogger, error) {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("shuttle.toml"); err == nil {
			configFiles = append(configFiles, "shuttle.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return nil, nil, err
	}

	logger := common.InitLogger(config)
	return config, logger, nil
}

// exitCodeFor maps an operation error to the documented exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return exitNotFound
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return exitInvalidSpec
	}

	switch adapter.KindOf(err) {
	case adapter.KindConnectionLost, adapter.KindAuthFailed:
		return exitUnreachable
	}
	return exitFatal
}

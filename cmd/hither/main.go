package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/parallelhandler"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Re-exec entrypoint: pkg/parallelhandler spawns this same binary with
	// argv[1] == WorkerEntrypoint instead of going through cobra.
	if len(os.Args) > 1 && os.Args[1] == parallelhandler.WorkerEntrypoint {
		runWorker()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hither",
	Short: "hither - distributed function-execution pipeline",
	Long: `hither runs functions as jobs across pluggable Job Handlers
(in-process, a worker-subprocess pool, bounded allocations, or a remote
Compute Resource), memoizing results by content-addressed fingerprint.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hither version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override the config's data directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(handlerStatusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

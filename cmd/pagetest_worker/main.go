// Package main provides the entry point for the page test worker.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pagetest_worker [FETCH_QUEUE_NAME] [DATA_DIR]",
	Short: "Page test job worker",
	Long: `pagetest_worker consumes page test jobs from a queue, runs the measurement for each
job, builds and uploads the result report and sends the job status to a result queue.

Without a subcommand it runs the worker service.`,
	Args:          cobra.MaximumNArgs(2),
	RunE:          runWorker,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (env variables and flags override it)")
	addWorkerFlags(rootCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

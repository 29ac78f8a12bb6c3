package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/pagetest-worker/internal/measure"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download the measurement image and exit",
	Long:  `Pulls DOCKER_SITESPEEDIO (default sitespeedio/sitespeed.io) the same way the worker does at startup.`,
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := loadConfig(cmd, nil, append(queueFields, "DataDir", "StorageDir", "GCSBucket")...)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return measure.Prepare(ctx, newPuller(cfg), cfg.Image, measure.NewImageState())
}

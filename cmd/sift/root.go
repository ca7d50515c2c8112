package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sift/version"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "Document sentence extraction with LLM-powered chunked processing",
	Long: `Sift turns documents into deduplicated sentence lists using LLM-powered
extraction over overlapping page-range chunks.

The pipeline includes:
  - Tiered chunk planning with page overlap for cross-chunk context
  - Parallel chunk workers with retries and stuck-chunk recovery
  - Order-preserving merge that deduplicates overlap regions
  - Credit reservation and settlement against a monthly ledger`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sift/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn, error",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(creditsCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// cmd/discoveryd/main.go
// Package main implements the entry point for the service discovery daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/communitylink/service-discovery/internal/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "discoveryd",
	Short: "Community service discovery engine",
	Long: `discoveryd serves search over a catalogue of community services and keeps
the catalogue in step with external provider feeds.

Example usage:
  discoveryd serve                    # Run the HTTP API and scheduled sync
  discoveryd sync                     # Sync every configured feed once
  discoveryd sync --source health_direct`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.AddCommand(newServeCmd(), newSyncCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "discoveryd: %v\n", err)
		os.Exit(1)
	}
}

// newLogger configures structured logging for the process.
func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

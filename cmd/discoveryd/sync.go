package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/communitylink/service-discovery/internal/config"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/model"
)

func newSyncCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync provider feeds into the catalogue once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := model.Source(source)
			if src != "" && !src.Valid() {
				return fmt.Errorf("unknown source %q", source)
			}
			return runSync(cmd.Context(), src)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "sync only this source (default all configured feeds)")
	return cmd
}

func runSync(parent context.Context, source model.Source) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	logger := newLogger(&cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var report *feeds.Report
	if source == "" {
		report, err = a.sync.SyncAll(ctx)
	} else {
		report, err = a.sync.SyncSource(ctx, source)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

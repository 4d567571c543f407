package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/communitylink/service-discovery/internal/config"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/server"
	"github.com/communitylink/service-discovery/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
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

	if _, err := telemetry.InitTracer("service-discovery", version); err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(shutdownCtx)
	}()

	a, err := newApp(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	mux := server.NewMux(server.Options{
		Engine:             a.engine,
		Sync:               a.sync,
		Schema:             a.schema,
		Metrics:            a.metrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute, // POST /services/sync runs every feed before answering
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.SyncSchedule != "" {
		sched, err := feeds.NewScheduler(cfg.SyncSchedule, a.sync, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("sync schedule enabled", "schedule", cfg.SyncSchedule)
			return sched.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("server exited")
	return err
}

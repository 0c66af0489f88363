package app

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thrifts-za/protenders-platform-sub003/internal/api"
	v0 "github.com/thrifts-za/protenders-platform-sub003/internal/api/v0"
	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	Long: `Start the HTTP server that exposes the sync and backfill triggers,
the job ledger, health checks and Prometheus metrics.

A background reaper force-fails RUNNING jobs whose worker died without
reporting completion. When feed.schedule is configured, incremental syncs
are triggered automatically on that interval.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 120 * time.Second // triggers run synchronously and can be slow
	serverIdleTimeout      = 60 * time.Second

	reaperInterval = 5 * time.Minute
	reaperJitter   = 30 * time.Second

	defaultBackfillLimit = 500
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	address := viper.GetString("address")
	configPath := viper.GetString("config")

	d, err := buildDeps(context.Background(), configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Infof("Loaded configuration from %s (service: %s)", configPath, d.cfg.GetServiceName())

	router := api.NewServer(d.service,
		v0.Defaults{
			PageSize:   d.cfg.Feed.PageSize,
			MaxPages:   d.cfg.Feed.MaxPagesPerBatch,
			Limit:      defaultBackfillLimit,
			Delay:      d.cfg.GetRecordDelay(),
			StaleAfter: d.cfg.GetStaleAfter(),
		},
		api.WithMetrics(d.metrics),
		api.WithMiddlewares(middleware.CleanPath),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go runReaper(bgCtx, d)
	if interval := d.cfg.GetSyncSchedule(); interval > 0 {
		go runScheduledSync(bgCtx, d, interval)
	}

	go func() {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// runReaper periodically force-fails stale RUNNING jobs. The interval is
// jittered so horizontally scaled replicas don't reap in lockstep.
func runReaper(ctx context.Context, d *deps) {
	staleAfter := d.cfg.GetStaleAfter()
	logger.Infof("Starting stale-job reaper: interval=%s staleAfter=%s", reaperInterval, staleAfter)

	for {
		wait := reaperInterval + time.Duration(rand.Int63n(int64(reaperJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		for _, jobType := range []jobs.Type{jobs.TypeSync, jobs.TypeEnrichBackfill} {
			reaped, err := d.service.CleanupStaleJobs(ctx, jobType, staleAfter)
			if err != nil {
				logger.Errorf("Reaper failed for %s: %v", jobType, err)
				continue
			}
			d.metrics.RecordReaped(reaped)
		}
	}
}

// runScheduledSync triggers a bounded incremental sync on a fixed interval.
// Overlap conflicts are expected when a manual run is in flight and are
// logged, not treated as failures.
func runScheduledSync(ctx context.Context, d *deps, interval time.Duration) {
	logger.Infof("Starting scheduled sync: interval=%s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := d.service.TriggerSync(ctx, service.SyncRequest{
			PageSize: d.cfg.Feed.PageSize,
			MaxPages: d.cfg.Feed.MaxPagesPerBatch,
		})
		switch {
		case errors.Is(err, service.ErrJobConflict):
			logger.Infof("Scheduled sync skipped: %v", err)
		case err != nil:
			logger.Errorf("Scheduled sync failed: %v", err)
		default:
			logger.Infof("Scheduled sync %s: processed=%d added=%d updated=%d partial=%t",
				resp.JobID, resp.Result.Processed, resp.Result.Added, resp.Result.Updated, resp.Result.Partial)
		}
	}
}

package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thrifts-za/protenders-platform-sub003/internal/backfill"
	"github.com/thrifts-za/protenders-platform-sub003/internal/config"
	"github.com/thrifts-za/protenders-platform-sub003/internal/db"
	"github.com/thrifts-za/protenders-platform-sub003/internal/enrich"
	"github.com/thrifts-za/protenders-platform-sub003/internal/feed"
	"github.com/thrifts-za/protenders-platform-sub003/internal/httpclient"
	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/ratelimit"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
	syncer "github.com/thrifts-za/protenders-platform-sub003/internal/sync"
	"github.com/thrifts-za/protenders-platform-sub003/internal/telemetry"
)

// deps holds the wired service graph shared by serve and the one-shot
// commands.
type deps struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	store   *store.Postgres
	ledger  jobs.Ledger
	engine  *backfill.Engine
	service service.TriggerService
	metrics *telemetry.Metrics
}

func (d *deps) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// buildDeps loads configuration, connects to Postgres and wires the full
// orchestration stack.
func buildDeps(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	metrics := telemetry.NewMetrics()
	pgStore := store.NewPostgres(pool)
	ledger := jobs.NewPostgresLedger(pool)
	limiter := ratelimit.New(cfg.GetMinInterval())

	feedClient := feed.NewClient(cfg.Feed.BaseURL, httpclient.NewDefaultClient(cfg.GetFeedTimeout()))
	fetcher := enrich.NewHTTPFetcher(cfg.Enrichment.BaseURL, httpclient.NewDefaultClient(cfg.GetEnrichmentTimeout()))

	orchestrator := syncer.NewOrchestrator(feedClient, pgStore, pgStore,
		syncer.WithInlineEnrichment(fetcher, limiter),
		syncer.WithMetrics(metrics),
		syncer.WithRetryAttempts(uint(cfg.Enrichment.RetryAttempts)),
	)
	engine := backfill.NewEngine(pgStore, pgStore, fetcher, limiter,
		backfill.WithMetrics(metrics),
		backfill.WithRetryAttempts(uint(cfg.Enrichment.RetryAttempts)),
	)

	svc := service.New(ledger, orchestrator, engine, pgStore,
		cfg.GetOverlapWindow(), cfg.GetRecheckAfter())

	return &deps{
		cfg:     cfg,
		pool:    pool,
		store:   pgStore,
		ledger:  ledger,
		engine:  engine,
		service: svc,
		metrics: metrics,
	}, nil
}

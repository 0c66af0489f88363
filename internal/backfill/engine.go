// Package backfill enriches already-ingested tenders that still lack detail
// fields. One pass is a bounded, sequential sweep over a date window; a
// campaign repeats passes across a multi-year range until nothing is left to
// enrich.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thrifts-za/protenders-platform-sub003/internal/enrich"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/ratelimit"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
	"github.com/thrifts-za/protenders-platform-sub003/internal/telemetry"
)

// CancelFlagName is the well-known flag polled by a running pass for
// cooperative cancellation.
const CancelFlagName = "backfill-cancel"

const defaultRetryAttempts = 3

// PassParams bounds one backfill pass.
type PassParams struct {
	From time.Time
	To   time.Time

	// Limit caps how many targets this pass selects; it is a selection cap,
	// not a guarantee that many are available.
	Limit int

	// Delay is slept between records regardless of outcome, as a coarser
	// rate control on top of the limiter.
	Delay time.Duration

	// TimeBudget is a soft deadline checked between records; 0 disables it.
	TimeBudget time.Duration

	// CancelFlag names the persisted flag polled between records; empty
	// disables cancellation polling.
	CancelFlag string

	// RecheckAfter controls when tenders previously marked "no data" become
	// selectable again; 0 uses store.DefaultRecheckAfter.
	RecheckAfter time.Duration
}

// PassResult reports one pass. Processed always equals
// Updated + Skipped + Failures.
type PassResult struct {
	Processed int  `json:"processed"`
	Updated   int  `json:"updated"`
	Skipped   int  `json:"skipped"`
	Failures  int  `json:"failures"`
	Cancelled bool `json:"cancelled"`

	// StoppedEarly is set when the time budget expired before the selected
	// targets were exhausted.
	StoppedEarly bool `json:"stoppedEarly"`
}

// Engine runs enrichment passes. Targets are processed strictly in sequence
// so the shared limiter spacing holds.
type Engine struct {
	tenders store.TenderStore
	flags   store.FlagStore
	fetcher enrich.Fetcher
	limiter *ratelimit.Limiter

	metrics       *telemetry.Metrics
	retryAttempts uint
	retryBase     time.Duration

	// sleep is swapped out by tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus instruments to the engine.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithRetryAttempts overrides the per-fetch retry attempt count.
func WithRetryAttempts(attempts uint) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.retryAttempts = attempts
		}
	}
}

// NewEngine creates a backfill engine over the given store, flag store,
// detail fetcher and limiter.
func NewEngine(tenders store.TenderStore, flags store.FlagStore, fetcher enrich.Fetcher, limiter *ratelimit.Limiter, opts ...Option) *Engine {
	e := &Engine{
		tenders:       tenders,
		flags:         flags,
		fetcher:       fetcher,
		limiter:       limiter,
		retryAttempts: defaultRetryAttempts,
		retryBase:     ratelimit.DefaultRetryBase,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunPass makes one bounded pass over the enrichment targets in
// [params.From, params.To]. Record-level failures never abort the pass; a
// target that fails stays selectable for the next pass. Selection failure is
// the only fatal error.
func (e *Engine) RunPass(ctx context.Context, params PassParams) (*PassResult, error) {
	start := time.Now()

	recheckAfter := params.RecheckAfter
	if recheckAfter <= 0 {
		recheckAfter = store.DefaultRecheckAfter
	}
	targets, err := e.tenders.FindEnrichmentTargets(ctx, params.From, params.To, params.Limit, recheckAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to select enrichment targets: %w", err)
	}
	logger.Infof("Backfill pass: window=[%s, %s] selected=%d limit=%d",
		params.From.Format("2006-01-02"), params.To.Format("2006-01-02"), len(targets), params.Limit)

	result := &PassResult{}
	for i := range targets {
		target := &targets[i]

		cancelled, err := e.cancelRequested(ctx, params.CancelFlag)
		if err != nil {
			return nil, err
		}
		if cancelled {
			logger.Infof("Backfill pass cancelled after %d records", result.Processed)
			result.Cancelled = true
			break
		}

		if params.TimeBudget > 0 && time.Since(start) > params.TimeBudget {
			logger.Infof("Backfill pass stopped early at %d records: time budget %s exhausted",
				result.Processed, params.TimeBudget)
			result.StoppedEarly = true
			break
		}

		e.enrichOne(ctx, target, result)

		if params.Delay > 0 {
			if err := e.sleep(ctx, params.Delay); err != nil {
				return nil, err
			}
		}
	}

	e.metrics.ObserveRunDuration("ENRICH_BACKFILL", time.Since(start))
	logger.Infof("Backfill pass done: processed=%d updated=%d skipped=%d failures=%d cancelled=%t stoppedEarly=%t",
		result.Processed, result.Updated, result.Skipped, result.Failures, result.Cancelled, result.StoppedEarly)
	return result, nil
}

// enrichOne attempts one target and folds the outcome into the counters. A
// definitive "no data" response stamps the recheck marker so the target is
// not re-fetched on every pass.
func (e *Engine) enrichOne(ctx context.Context, target *store.Tender, result *PassResult) {
	result.Processed++

	fields, err := e.fetchWithRetry(ctx, target.OCID)
	switch {
	case err == nil:
		if err := e.tenders.ApplyEnrichment(ctx, target.OCID, fields); err != nil {
			logger.Errorf("Failed to store enrichment for %s: %v", target.OCID, err)
			result.Failures++
			e.metrics.RecordEnrichment(telemetry.OutcomeFailed)
			return
		}
		result.Updated++
		e.metrics.RecordEnrichment(telemetry.OutcomeUpdated)

	case errors.Is(err, enrich.ErrNotAvailable):
		if err := e.tenders.MarkEnrichmentChecked(ctx, target.OCID); err != nil {
			logger.Warnf("Failed to mark %s as checked: %v", target.OCID, err)
		}
		result.Skipped++
		e.metrics.RecordEnrichment(telemetry.OutcomeSkipped)

	default:
		logger.Warnf("Enrichment failed for %s: %v", target.OCID, err)
		result.Failures++
		e.metrics.RecordEnrichment(telemetry.OutcomeFailed)
	}
}

func (e *Engine) fetchWithRetry(ctx context.Context, ocid string) (*store.EnrichmentFields, error) {
	if e.limiter != nil {
		if err := e.limiter.Throttle(ctx); err != nil {
			return nil, err
		}
	}
	return ratelimit.WithRetry(ctx, e.retryAttempts, e.retryBase, func() (*store.EnrichmentFields, error) {
		fields, err := e.fetcher.Fetch(ctx, ocid)
		if err != nil && errors.Is(err, enrich.ErrNotAvailable) {
			return nil, backoff.Permanent(err)
		}
		return fields, err
	})
}

func (e *Engine) cancelRequested(ctx context.Context, flagName string) (bool, error) {
	if flagName == "" || e.flags == nil {
		return false, nil
	}
	set, err := e.flags.GetFlag(ctx, flagName)
	if err != nil {
		return false, fmt.Errorf("failed to poll cancel flag %s: %w", flagName, err)
	}
	return set, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

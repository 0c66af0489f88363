// Package sync walks the upstream release feed page-by-page and upserts
// tenders into the store. The walk is resumable: the continuation cursor is
// persisted after every completed page, so a crashed or bounded run picks up
// where the previous one stopped.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thrifts-za/protenders-platform-sub003/internal/enrich"
	"github.com/thrifts-za/protenders-platform-sub003/internal/feed"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/ratelimit"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
	"github.com/thrifts-za/protenders-platform-sub003/internal/telemetry"
)

const defaultRetryAttempts = 3

// Params controls one sync run. When From and To are zero the window is
// derived from the persisted cursor's last synced date (incremental mode).
// MaxPages caps how many pages this run walks; 0 means unbounded.
type Params struct {
	From, To time.Time
	PageSize int
	MaxPages int

	// RequireEnrichment switches inline enrichment to strict mode: a record
	// whose enrichment fails is not persisted at all. In the default lenient
	// mode it is persisted unenriched and left for backfill.
	RequireEnrichment bool
}

// Result reports what one sync run did. Partial is set when the run stopped
// at MaxPages with more feed pages remaining; the persisted cursor lets the
// next run continue.
type Result struct {
	Processed int  `json:"processed"`
	Added     int  `json:"added"`
	Updated   int  `json:"updated"`
	Pages     int  `json:"pages"`
	Partial   bool `json:"partial"`

	EnrichmentCount   int `json:"enrichmentCount,omitempty"`
	EnrichmentSuccess int `json:"enrichmentSuccess,omitempty"`
}

// Orchestrator drives the feed walk. Pages are fetched strictly in sequence
// because each continuation cursor is only known after the previous page
// returns.
type Orchestrator struct {
	feed    feed.Feed
	tenders store.TenderStore
	cursors store.CursorStore

	fetcher enrich.Fetcher
	limiter *ratelimit.Limiter

	metrics       *telemetry.Metrics
	retryAttempts uint
	retryBase     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInlineEnrichment enables per-record enrichment during sync, throttled
// by the given limiter.
func WithInlineEnrichment(fetcher enrich.Fetcher, limiter *ratelimit.Limiter) Option {
	return func(o *Orchestrator) {
		o.fetcher = fetcher
		o.limiter = limiter
	}
}

// WithMetrics attaches Prometheus instruments to the orchestrator.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithRetryAttempts overrides the per-fetch retry attempt count.
func WithRetryAttempts(attempts uint) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
	}
}

// NewOrchestrator creates an Orchestrator over the given feed and stores.
func NewOrchestrator(feedClient feed.Feed, tenders store.TenderStore, cursors store.CursorStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		feed:          feedClient,
		tenders:       tenders,
		cursors:       cursors,
		retryAttempts: defaultRetryAttempts,
		retryBase:     ratelimit.DefaultRetryBase,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run walks the feed for the given window. On an unrecoverable mid-walk
// error the cursor persisted for completed pages is left in place and the
// error is returned; re-running resumes from the last completed page.
func (o *Orchestrator) Run(ctx context.Context, params Params) (*Result, error) {
	start := time.Now()

	window, resumeCursor, err := o.prepareRun(ctx, &params)
	if err != nil {
		return nil, err
	}
	if err := o.cursors.MarkRunStarted(ctx); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}

	logger.Infof("Starting sync: window=[%s, %s] pageSize=%d maxPages=%d resume=%t",
		formatDate(window.from), formatDate(window.to), params.PageSize, params.MaxPages, resumeCursor != "")

	result := &Result{}
	cursor := resumeCursor
	for {
		page, err := o.fetchPage(ctx, feed.FetchParams{
			Cursor:   cursor,
			PageSize: params.PageSize,
			From:     window.from,
			To:       window.to,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", result.Pages+1, err)
		}

		if err := o.processPage(ctx, page, params, result); err != nil {
			return nil, err
		}

		if err := o.cursors.SaveCursor(ctx, page.NextCursor); err != nil {
			return nil, fmt.Errorf("failed to persist cursor after page %d: %w", result.Pages+1, err)
		}
		result.Pages++
		o.metrics.RecordSyncPage()

		if page.NextCursor == "" {
			break
		}
		if params.MaxPages > 0 && result.Pages >= params.MaxPages {
			result.Partial = true
			break
		}
		cursor = page.NextCursor
	}

	if !result.Partial {
		syncedDate := window.to
		if syncedDate.IsZero() {
			syncedDate = time.Now().UTC()
		}
		// The watermark only moves forward: a manual historical walk must not
		// make the next incremental run re-walk everything since its window.
		if window.prevSynced != nil && window.prevSynced.After(syncedDate) {
			syncedDate = *window.prevSynced
		}
		if err := o.cursors.MarkRunSucceeded(ctx, syncedDate); err != nil {
			return nil, fmt.Errorf("failed to record run success: %w", err)
		}
	}

	o.metrics.ObserveRunDuration("SYNC", time.Since(start))
	logger.Infof("Sync finished: pages=%d processed=%d added=%d updated=%d partial=%t",
		result.Pages, result.Processed, result.Added, result.Updated, result.Partial)
	return result, nil
}

type window struct {
	from, to time.Time

	// prevSynced holds the stored watermark so completion can keep it when a
	// historical window ends before it.
	prevSynced *time.Time
}

// prepareRun derives the date window and the resume cursor. An explicit From
// disables cursor resumption since the caller is asking for a fresh walk of
// a specific range.
func (o *Orchestrator) prepareRun(ctx context.Context, params *Params) (window, string, error) {
	cursor, err := o.cursors.GetCursor(ctx)
	if err != nil {
		return window{}, "", fmt.Errorf("failed to read sync cursor: %w", err)
	}

	if !params.From.IsZero() {
		return window{from: params.From, to: params.To, prevSynced: cursor.LastSyncedDate}, "", nil
	}

	w := window{to: params.To, prevSynced: cursor.LastSyncedDate}
	if cursor.LastSyncedDate != nil {
		w.from = *cursor.LastSyncedDate
	}
	return w, cursor.LastCursor, nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, params feed.FetchParams) (*feed.Page, error) {
	return ratelimit.WithRetry(ctx, o.retryAttempts, o.retryBase, func() (*feed.Page, error) {
		return o.feed.FetchPage(ctx, params)
	})
}

func (o *Orchestrator) processPage(ctx context.Context, page *feed.Page, params Params, result *Result) error {
	for i := range page.Releases {
		tender := &page.Releases[i]
		result.Processed++

		var fields *store.EnrichmentFields
		if o.fetcher != nil {
			var err error
			fields, err = o.enrichInline(ctx, tender.OCID, result)
			if err != nil {
				if params.RequireEnrichment {
					logger.Warnf("Skipping %s: enrichment required but failed: %v", tender.OCID, err)
					continue
				}
				logger.Debugf("Persisting %s unenriched: %v", tender.OCID, err)
			}
		}

		inserted, err := o.tenders.UpsertTender(ctx, tender)
		if err != nil {
			return fmt.Errorf("failed to upsert tender %s: %w", tender.OCID, err)
		}
		if inserted {
			result.Added++
		} else {
			result.Updated++
		}
		o.metrics.RecordUpsert(inserted)

		if fields != nil {
			if err := o.tenders.ApplyEnrichment(ctx, tender.OCID, fields); err != nil {
				return fmt.Errorf("failed to apply enrichment to %s: %w", tender.OCID, err)
			}
		}
	}
	return nil
}

// enrichInline fetches enrichment fields for one freshly ingested tender.
// Definitive "no data" responses are not retried.
func (o *Orchestrator) enrichInline(ctx context.Context, ocid string, result *Result) (*store.EnrichmentFields, error) {
	result.EnrichmentCount++

	if o.limiter != nil {
		if err := o.limiter.Throttle(ctx); err != nil {
			return nil, err
		}
	}

	fields, err := ratelimit.WithRetry(ctx, o.retryAttempts, o.retryBase, func() (*store.EnrichmentFields, error) {
		f, err := o.fetcher.Fetch(ctx, ocid)
		if err != nil && errors.Is(err, enrich.ErrNotAvailable) {
			return nil, backoff.Permanent(err)
		}
		return f, err
	})
	if err != nil {
		return nil, err
	}
	result.EnrichmentSuccess++
	return fields, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format("2006-01-02")
}

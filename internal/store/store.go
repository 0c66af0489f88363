// Package store persists tender notices, the feed cursor, and operational
// flags in PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTenderNotFound is returned when a tender can't be found by OCID.
var ErrTenderNotFound = errors.New("tender not found")

// Tender is one procurement notice as ingested from the release feed.
// Enrichment holds the supplementary fields fetched from the detail source;
// a nil Enrichment means the tender has not been enriched yet.
type Tender struct {
	ID          uuid.UUID
	OCID        string
	Title       string
	Buyer       string
	Category    string
	Province    string
	Status      string
	PublishedAt time.Time

	Enrichment *EnrichmentFields

	// EnrichCheckedAt is set when the detail source definitively reported
	// no data for this tender, so it is not re-fetched on every pass.
	EnrichCheckedAt *time.Time
}

// Enriched reports whether the tender already carries enrichment fields.
func (t *Tender) Enriched() bool {
	return t.Enrichment != nil && t.Enrichment.EnrichedAt != nil
}

// EnrichmentFields are the supplementary fields obtained from the per-tender
// detail source.
type EnrichmentFields struct {
	ClosingAt        *time.Time
	ContactName      string
	ContactEmail     string
	ContactPhone     string
	BriefingAt       *time.Time
	BriefingVenue    string
	BriefingRequired *bool
	DocumentsCount   *int
	EnrichedAt       *time.Time
}

// SyncCursor is the singleton continuation state of the release feed walk.
type SyncCursor struct {
	LastCursor     string
	LastSyncedDate *time.Time
	LastRunAt      *time.Time
	LastSuccessAt  *time.Time
}

// TenderStore is the notice persistence contract used by the sync and
// backfill engines.
type TenderStore interface {
	// UpsertTender inserts or updates a tender keyed by OCID and reports
	// whether a new row was inserted.
	UpsertTender(ctx context.Context, tender *Tender) (inserted bool, err error)

	// GetTender fetches one tender by OCID.
	GetTender(ctx context.Context, ocid string) (*Tender, error)

	// FindEnrichmentTargets returns up to limit tenders published within
	// [from, to] that still lack enrichment, published_at ascending.
	// Tenders whose detail source reported "no data" more recently than
	// recheckAfter ago are excluded.
	FindEnrichmentTargets(ctx context.Context, from, to time.Time, limit int, recheckAfter time.Duration) ([]Tender, error)

	// ApplyEnrichment writes enrichment fields onto the tender.
	ApplyEnrichment(ctx context.Context, ocid string, fields *EnrichmentFields) error

	// MarkEnrichmentChecked records a definitive "no data" response so the
	// tender is excluded from selection until the recheck window elapses.
	MarkEnrichmentChecked(ctx context.Context, ocid string) error
}

// CursorStore is the feed continuation persistence contract.
type CursorStore interface {
	GetCursor(ctx context.Context) (*SyncCursor, error)

	// SaveCursor persists the continuation token after a completed page.
	// An empty cursor clears the stored token.
	SaveCursor(ctx context.Context, cursor string) error

	// MarkRunStarted records that a sync run began.
	MarkRunStarted(ctx context.Context) error

	// MarkRunSucceeded records a fully completed run: the synced-through
	// date is advanced and the continuation token cleared.
	MarkRunSucceeded(ctx context.Context, syncedDate time.Time) error
}

// FlagStore persists named boolean flags, polled by long-running passes for
// cooperative cancellation.
type FlagStore interface {
	GetFlag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
}

// Postgres implements TenderStore, CursorStore and FlagStore over a pgx
// connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store backed by the given pool. The caller
// is responsible for closing the pool when done.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var (
	_ TenderStore = (*Postgres)(nil)
	_ CursorStore = (*Postgres)(nil)
	_ FlagStore   = (*Postgres)(nil)
)

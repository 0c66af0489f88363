package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertTender inserts or updates a tender keyed by OCID. The xmax = 0
// check distinguishes a fresh insert from an update of an existing row; an
// upsert of unchanged content still counts as an update.
func (p *Postgres) UpsertTender(ctx context.Context, tender *Tender) (bool, error) {
	const q = `
		INSERT INTO tenders (ocid, title, buyer, category, province, status, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (ocid) DO UPDATE SET
			title        = EXCLUDED.title,
			buyer        = EXCLUDED.buyer,
			category     = EXCLUDED.category,
			province     = EXCLUDED.province,
			status       = EXCLUDED.status,
			published_at = EXCLUDED.published_at,
			updated_at   = now()
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := p.pool.QueryRow(ctx, q,
		tender.OCID,
		tender.Title,
		tender.Buyer,
		tender.Category,
		tender.Province,
		tender.Status,
		tender.PublishedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert tender %s: %w", tender.OCID, err)
	}
	return inserted, nil
}

const tenderColumns = `
	id, ocid, title, buyer, category, province, status, published_at,
	closing_at, contact_name, contact_email, contact_phone,
	briefing_at, briefing_venue, briefing_required, documents_count,
	enriched_at, enrich_checked_at`

// GetTender fetches one tender by OCID.
func (p *Postgres) GetTender(ctx context.Context, ocid string) (*Tender, error) {
	q := `SELECT` + tenderColumns + ` FROM tenders WHERE ocid = $1`

	row := p.pool.QueryRow(ctx, q, ocid)
	tender, err := scanTender(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenderNotFound
		}
		return nil, fmt.Errorf("failed to get tender %s: %w", ocid, err)
	}
	return tender, nil
}

// DefaultRecheckAfter is how long a tender stamped "no data" stays excluded
// from enrichment selection when the caller does not supply a window.
const DefaultRecheckAfter = 7 * 24 * time.Hour

// FindEnrichmentTargets selects unenriched tenders in the window, oldest
// first, skipping tenders checked for enrichment within the recheck window.
// A recheckAfter of zero or less falls back to DefaultRecheckAfter; a zero
// cutoff would re-select every stamped tender on every pass.
func (p *Postgres) FindEnrichmentTargets(
	ctx context.Context, from, to time.Time, limit int, recheckAfter time.Duration,
) ([]Tender, error) {
	q := `SELECT` + tenderColumns + `
		FROM tenders
		WHERE enriched_at IS NULL
		  AND published_at >= $1
		  AND published_at <= $2
		  AND (enrich_checked_at IS NULL OR enrich_checked_at < $3)
		ORDER BY published_at ASC, ocid ASC
		LIMIT $4`

	if recheckAfter <= 0 {
		recheckAfter = DefaultRecheckAfter
	}
	recheckCutoff := time.Now().Add(-recheckAfter)

	rows, err := p.pool.Query(ctx, q, from, to, recheckCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrichment targets: %w", err)
	}
	defer rows.Close()

	var targets []Tender
	for rows.Next() {
		tender, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrichment target: %w", err)
		}
		targets = append(targets, *tender)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read enrichment targets: %w", err)
	}
	return targets, nil
}

// ApplyEnrichment writes the enrichment fields and stamps enriched_at.
func (p *Postgres) ApplyEnrichment(ctx context.Context, ocid string, fields *EnrichmentFields) error {
	const q = `
		UPDATE tenders SET
			closing_at        = $2,
			contact_name      = $3,
			contact_email     = $4,
			contact_phone     = $5,
			briefing_at       = $6,
			briefing_venue    = $7,
			briefing_required = $8,
			documents_count   = $9,
			enriched_at       = now(),
			updated_at        = now()
		WHERE ocid = $1`

	tag, err := p.pool.Exec(ctx, q,
		ocid,
		fields.ClosingAt,
		nullableString(fields.ContactName),
		nullableString(fields.ContactEmail),
		nullableString(fields.ContactPhone),
		fields.BriefingAt,
		nullableString(fields.BriefingVenue),
		fields.BriefingRequired,
		fields.DocumentsCount,
	)
	if err != nil {
		return fmt.Errorf("failed to apply enrichment for %s: %w", ocid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenderNotFound
	}
	return nil
}

// MarkEnrichmentChecked stamps enrich_checked_at without touching the
// enrichment columns.
func (p *Postgres) MarkEnrichmentChecked(ctx context.Context, ocid string) error {
	const q = `UPDATE tenders SET enrich_checked_at = now() WHERE ocid = $1`

	tag, err := p.pool.Exec(ctx, q, ocid)
	if err != nil {
		return fmt.Errorf("failed to mark enrichment checked for %s: %w", ocid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenderNotFound
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// scanTender maps one tenders row onto a Tender, folding the nullable
// enrichment columns into an EnrichmentFields value only when enriched_at
// is set.
func scanTender(row pgx.Row) (*Tender, error) {
	var (
		tender           Tender
		closingAt        *time.Time
		contactName      *string
		contactEmail     *string
		contactPhone     *string
		briefingAt       *time.Time
		briefingVenue    *string
		briefingRequired *bool
		documentsCount   *int
		enrichedAt       *time.Time
	)

	err := row.Scan(
		&tender.ID,
		&tender.OCID,
		&tender.Title,
		&tender.Buyer,
		&tender.Category,
		&tender.Province,
		&tender.Status,
		&tender.PublishedAt,
		&closingAt,
		&contactName,
		&contactEmail,
		&contactPhone,
		&briefingAt,
		&briefingVenue,
		&briefingRequired,
		&documentsCount,
		&enrichedAt,
		&tender.EnrichCheckedAt,
	)
	if err != nil {
		return nil, err
	}

	if enrichedAt != nil {
		tender.Enrichment = &EnrichmentFields{
			ClosingAt:        closingAt,
			ContactName:      derefString(contactName),
			ContactEmail:     derefString(contactEmail),
			ContactPhone:     derefString(contactPhone),
			BriefingAt:       briefingAt,
			BriefingVenue:    derefString(briefingVenue),
			BriefingRequired: briefingRequired,
			DocumentsCount:   documentsCount,
			EnrichedAt:       enrichedAt,
		}
	}
	return &tender, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

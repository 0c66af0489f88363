package store

import (
	"context"
	"fmt"
	"time"
)

// GetCursor reads the singleton feed cursor row.
func (p *Postgres) GetCursor(ctx context.Context) (*SyncCursor, error) {
	const q = `
		SELECT last_cursor, last_synced_date, last_run_at, last_success_at
		FROM sync_cursor WHERE id`

	var (
		cursor     SyncCursor
		lastCursor *string
	)
	err := p.pool.QueryRow(ctx, q).Scan(
		&lastCursor,
		&cursor.LastSyncedDate,
		&cursor.LastRunAt,
		&cursor.LastSuccessAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	if lastCursor != nil {
		cursor.LastCursor = *lastCursor
	}
	return &cursor, nil
}

// SaveCursor persists the continuation token after a completed page. An
// empty cursor clears the stored token.
func (p *Postgres) SaveCursor(ctx context.Context, cursor string) error {
	const q = `UPDATE sync_cursor SET last_cursor = $1 WHERE id`

	var value *string
	if cursor != "" {
		value = &cursor
	}
	if _, err := p.pool.Exec(ctx, q, value); err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// MarkRunStarted stamps last_run_at.
func (p *Postgres) MarkRunStarted(ctx context.Context) error {
	const q = `UPDATE sync_cursor SET last_run_at = now() WHERE id`

	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to mark sync run started: %w", err)
	}
	return nil
}

// MarkRunSucceeded advances the synced-through date, stamps
// last_success_at and clears the continuation token.
func (p *Postgres) MarkRunSucceeded(ctx context.Context, syncedDate time.Time) error {
	const q = `
		UPDATE sync_cursor
		SET last_synced_date = $1, last_success_at = now(), last_cursor = NULL
		WHERE id`

	if _, err := p.pool.Exec(ctx, q, syncedDate); err != nil {
		return fmt.Errorf("failed to mark sync run succeeded: %w", err)
	}
	return nil
}

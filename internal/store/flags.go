package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetFlag reads a named flag; an unset flag reads as false.
func (p *Postgres) GetFlag(ctx context.Context, name string) (bool, error) {
	const q = `SELECT value FROM flags WHERE name = $1`

	var value bool
	err := p.pool.QueryRow(ctx, q, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read flag %s: %w", name, err)
	}
	return value, nil
}

// SetFlag upserts a named flag.
func (p *Postgres) SetFlag(ctx context.Context, name string, value bool) error {
	const q = `
		INSERT INTO flags (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`

	if _, err := p.pool.Exec(ctx, q, name, value); err != nil {
		return fmt.Errorf("failed to set flag %s: %w", name, err)
	}
	return nil
}

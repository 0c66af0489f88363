package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger is the database-backed Ledger implementation.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

var _ Ledger = (*PostgresLedger)(nil)

// Begin creates a RUNNING ledger row.
func (l *PostgresLedger) Begin(ctx context.Context, jobType Type, metadata map[string]any) (*Job, error) {
	const q = `
		INSERT INTO jobs (id, job_type, status, started_at, metadata)
		VALUES ($1, $2, $3, now(), $4)
		RETURNING started_at`

	if metadata == nil {
		metadata = map[string]any{}
	}

	job := &Job{
		ID:       uuid.New(),
		Type:     jobType,
		Status:   StatusRunning,
		Metadata: metadata,
	}
	err := l.pool.QueryRow(ctx, q, job.ID, string(jobType), string(StatusRunning), metadata).
		Scan(&job.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}
	return job, nil
}

// Complete transitions a RUNNING job to a terminal status. The WHERE clause
// makes a second completion match no rows, so finishing twice is a no-op.
func (l *PostgresLedger) Complete(
	ctx context.Context, id uuid.UUID, status Status, note string, metadata map[string]any,
) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}

	const q = `
		UPDATE jobs
		SET status = $2, finished_at = now(), note = $3, metadata = metadata || $4
		WHERE id = $1 AND status = 'RUNNING'`

	if metadata == nil {
		metadata = map[string]any{}
	}

	if _, err := l.pool.Exec(ctx, q, id, string(status), note, metadata); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// FindOverlapping counts RUNNING jobs of the type started within the window.
func (l *PostgresLedger) FindOverlapping(ctx context.Context, jobType Type, within time.Duration) (int, error) {
	const q = `
		SELECT count(*) FROM jobs
		WHERE job_type = $1 AND status = 'RUNNING' AND started_at > $2`

	var count int
	cutoff := time.Now().Add(-within)
	if err := l.pool.QueryRow(ctx, q, string(jobType), cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count overlapping %s jobs: %w", jobType, err)
	}
	return count, nil
}

// ReapStale force-fails abandoned RUNNING jobs older than staleAfter.
func (l *PostgresLedger) ReapStale(ctx context.Context, jobType Type, staleAfter time.Duration) (int, error) {
	const q = `
		UPDATE jobs
		SET status = 'FAILED', finished_at = now(), note = $3
		WHERE job_type = $1 AND status = 'RUNNING' AND finished_at IS NULL AND started_at < $2`

	cutoff := time.Now().Add(-staleAfter)
	tag, err := l.pool.Exec(ctx, q, string(jobType), cutoff, ReapedNote)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale %s jobs: %w", jobType, err)
	}
	return int(tag.RowsAffected()), nil
}

const jobColumns = `id, job_type, status, started_at, finished_at, note, metadata`

// Get fetches one job by id.
func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(l.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns the most recent jobs, newest first.
func (l *PostgresLedger) List(ctx context.Context, limit int) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY started_at DESC LIMIT $1`

	rows, err := l.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		result = append(result, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return result, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job      Job
		jobType  string
		status   string
		metadata map[string]any
	)
	err := row.Scan(&job.ID, &jobType, &status, &job.StartedAt, &job.FinishedAt, &job.Note, &metadata)
	if err != nil {
		return nil, err
	}
	job.Type = Type(jobType)
	job.Status = Status(status)
	job.Metadata = metadata
	return &job, nil
}

// Package jobs provides the job ledger: one persisted row per orchestration
// run, used both as an audit trail and as the overlap guard that prevents
// two runs of the same type from executing concurrently.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of orchestration run a ledger row records.
type Type string

const (
	// TypeSync is a feed synchronization run
	TypeSync Type = "SYNC"

	// TypeEnrichBackfill is an enrichment backfill pass
	TypeEnrichBackfill Type = "ENRICH_BACKFILL"
)

// Status is the job state machine: PENDING -> RUNNING -> one of the
// terminal states. PENDING is reserved for queued-but-not-started runs and
// is not produced by the current triggers.
type Status string

const (
	// StatusPending is reserved for queued runs
	StatusPending Status = "PENDING"

	// StatusRunning means the run is executing
	StatusRunning Status = "RUNNING"

	// StatusSuccess means the run finished normally
	StatusSuccess Status = "SUCCESS"

	// StatusFailed means the run aborted with an error or was reaped
	StatusFailed Status = "FAILED"

	// StatusCancelled means the run stopped on the cancel flag
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Job is one ledger row.
type Job struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Note       string         `json:"note,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrJobNotFound is returned when a job can't be found by id.
var ErrJobNotFound = errors.New("job not found")

// ErrNotTerminal is returned when Complete is called with a non-terminal
// status.
var ErrNotTerminal = errors.New("completion status must be terminal")

// ReapedNote is the note recorded on jobs force-failed by the reaper.
const ReapedNote = "reaped: exceeded stale threshold without completion"

// Ledger persists orchestration runs.
//
// Begin does not itself check for overlapping runs; callers are expected to
// call FindOverlapping first. The check-then-act window is tolerated
// because triggers are infrequent and a duplicated run wastes work without
// corrupting state (enrichment is idempotent).
type Ledger interface {
	// Begin creates a RUNNING row and returns it.
	Begin(ctx context.Context, jobType Type, metadata map[string]any) (*Job, error)

	// Complete transitions a RUNNING job to a terminal status, merging the
	// given metadata over the row's existing metadata. Completing a job
	// that is already terminal is a no-op.
	Complete(ctx context.Context, id uuid.UUID, status Status, note string, metadata map[string]any) error

	// FindOverlapping counts RUNNING jobs of the given type started within
	// the last `within`.
	FindOverlapping(ctx context.Context, jobType Type, within time.Duration) (int, error)

	// ReapStale force-fails RUNNING jobs of the given type older than
	// staleAfter that never completed, returning how many were reaped.
	ReapStale(ctx context.Context, jobType Type, staleAfter time.Duration) (int, error)

	// Get fetches one job by id.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns the most recent jobs, newest first.
	List(ctx context.Context, limit int) ([]Job, error)
}

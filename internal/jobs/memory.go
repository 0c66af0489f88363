package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger used by tests and by one-shot CLI
// runs that do not need a durable audit trail. Semantics mirror
// PostgresLedger.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Job
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[uuid.UUID]*Job)}
}

var _ Ledger = (*MemoryLedger)(nil)

// Begin creates a RUNNING row.
func (l *MemoryLedger) Begin(_ context.Context, jobType Type, metadata map[string]any) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if metadata == nil {
		metadata = map[string]any{}
	}
	job := &Job{
		ID:        uuid.New(),
		Type:      jobType,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Metadata:  metadata,
	}
	l.rows[job.ID] = job

	copied := *job
	return &copied, nil
}

// Complete transitions a RUNNING job to a terminal status; a second
// completion is a no-op.
func (l *MemoryLedger) Complete(
	_ context.Context, id uuid.UUID, status Status, note string, metadata map[string]any,
) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.rows[id]
	if !ok || job.Status != StatusRunning {
		return nil
	}

	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	job.Note = note
	for k, v := range metadata {
		job.Metadata[k] = v
	}
	return nil
}

// FindOverlapping counts RUNNING jobs of the type started within the window.
func (l *MemoryLedger) FindOverlapping(_ context.Context, jobType Type, within time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-within)
	count := 0
	for _, job := range l.rows {
		if job.Type == jobType && job.Status == StatusRunning && job.StartedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// ReapStale force-fails abandoned RUNNING jobs older than staleAfter.
func (l *MemoryLedger) ReapStale(_ context.Context, jobType Type, staleAfter time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	reaped := 0
	for _, job := range l.rows {
		if job.Type == jobType && job.Status == StatusRunning &&
			job.FinishedAt == nil && job.StartedAt.Before(cutoff) {
			now := time.Now()
			job.Status = StatusFailed
			job.FinishedAt = &now
			job.Note = ReapedNote
			reaped++
		}
	}
	return reaped, nil
}

// Get fetches one job by id.
func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.rows[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// List returns the most recent jobs, newest first.
func (l *MemoryLedger) List(_ context.Context, limit int) ([]Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Job, 0, len(l.rows))
	for _, job := range l.rows {
		result = append(result, *job)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Package service wraps the orchestration engines with the job-ledger
// lifecycle: every trigger is overlap-guarded, recorded as a RUNNING ledger
// row, and completed with the run's counters folded into the row.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thrifts-za/protenders-platform-sub003/internal/backfill"
	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
	syncer "github.com/thrifts-za/protenders-platform-sub003/internal/sync"
)

// ErrJobConflict is returned when a run of the same type is already RUNNING
// within the overlap window.
var ErrJobConflict = errors.New("a job of this type is already running")

// ErrInvalidRequest marks caller errors in trigger parameters.
var ErrInvalidRequest = errors.New("invalid request")

// EarliestBackfillYear bounds "all-time" backfill windows; the upstream feed
// has no releases before this year.
const EarliestBackfillYear = 2015

// SyncRequest are the caller-supplied parameters for one sync run.
type SyncRequest struct {
	From              time.Time
	To                time.Time
	PageSize          int
	MaxPages          int
	RequireEnrichment bool
}

// SyncResponse pairs the ledger row with the run's counters.
type SyncResponse struct {
	JobID  uuid.UUID      `json:"jobId"`
	Result *syncer.Result `json:"result"`
}

// BackfillRequest are the caller-supplied parameters for one backfill pass.
// AllTime widens the window to [EarliestBackfillYear, now]; otherwise Year
// selects one calendar year.
type BackfillRequest struct {
	Year       int
	AllTime    bool
	Limit      int
	Delay      time.Duration
	TimeBudget time.Duration
}

// BackfillResponse pairs the ledger row with the pass result and the window
// that was actually used.
type BackfillResponse struct {
	JobID  uuid.UUID            `json:"jobId"`
	From   time.Time            `json:"from"`
	To     time.Time            `json:"to"`
	Result *backfill.PassResult `json:"result"`
}

// TriggerService is the surface the API handlers and CLI one-shots call.
type TriggerService interface {
	TriggerSync(ctx context.Context, req SyncRequest) (*SyncResponse, error)
	TriggerBackfill(ctx context.Context, req BackfillRequest) (*BackfillResponse, error)
	CancelBackfill(ctx context.Context) error
	CleanupStaleJobs(ctx context.Context, jobType jobs.Type, staleAfter time.Duration) (int, error)
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	ListJobs(ctx context.Context, limit int) ([]jobs.Job, error)
}

// Orchestrator abstracts the sync engine for testing.
type Orchestrator interface {
	Run(ctx context.Context, params syncer.Params) (*syncer.Result, error)
}

// PassRunner abstracts the backfill engine for testing.
type PassRunner interface {
	RunPass(ctx context.Context, params backfill.PassParams) (*backfill.PassResult, error)
}

type triggerService struct {
	ledger       jobs.Ledger
	orchestrator Orchestrator
	engine       PassRunner
	flags        store.FlagStore

	overlapWindow time.Duration
	recheckAfter  time.Duration
	now           func() time.Time
}

// New creates the trigger service. overlapWindow guards against concurrent
// runs of the same type; recheckAfter is passed through to target selection.
func New(
	ledger jobs.Ledger,
	orchestrator Orchestrator,
	engine PassRunner,
	flags store.FlagStore,
	overlapWindow time.Duration,
	recheckAfter time.Duration,
) TriggerService {
	return &triggerService{
		ledger:        ledger,
		orchestrator:  orchestrator,
		engine:        engine,
		flags:         flags,
		overlapWindow: overlapWindow,
		recheckAfter:  recheckAfter,
		now:           time.Now,
	}
}

// TriggerSync runs one overlap-guarded sync and records it in the ledger.
func (s *triggerService) TriggerSync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if err := s.guard(ctx, jobs.TypeSync); err != nil {
		return nil, err
	}

	job, err := s.ledger.Begin(ctx, jobs.TypeSync, map[string]any{
		"from":              formatOptionalDate(req.From),
		"to":                formatOptionalDate(req.To),
		"pageSize":          req.PageSize,
		"maxPages":          req.MaxPages,
		"requireEnrichment": req.RequireEnrichment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger row: %w", err)
	}

	result, err := s.orchestrator.Run(ctx, syncer.Params{
		From:              req.From,
		To:                req.To,
		PageSize:          req.PageSize,
		MaxPages:          req.MaxPages,
		RequireEnrichment: req.RequireEnrichment,
	})
	if err != nil {
		s.complete(ctx, job.ID, jobs.StatusFailed, err.Error(), nil)
		return nil, err
	}

	note := fmt.Sprintf("processed=%d added=%d updated=%d pages=%d partial=%t",
		result.Processed, result.Added, result.Updated, result.Pages, result.Partial)
	s.complete(ctx, job.ID, jobs.StatusSuccess, note, map[string]any{"result": result})

	return &SyncResponse{JobID: job.ID, Result: result}, nil
}

// TriggerBackfill runs one overlap-guarded backfill pass. The persisted
// cancel flag is cleared before the pass starts so a stale cancel request
// cannot kill a fresh run.
func (s *triggerService) TriggerBackfill(ctx context.Context, req BackfillRequest) (*BackfillResponse, error) {
	from, to, err := s.resolveWindow(req)
	if err != nil {
		return nil, err
	}
	if err := s.guard(ctx, jobs.TypeEnrichBackfill); err != nil {
		return nil, err
	}
	if err := s.flags.SetFlag(ctx, backfill.CancelFlagName, false); err != nil {
		return nil, fmt.Errorf("failed to clear cancel flag: %w", err)
	}

	job, err := s.ledger.Begin(ctx, jobs.TypeEnrichBackfill, map[string]any{
		"from":  from.Format("2006-01-02"),
		"to":    to.Format("2006-01-02"),
		"limit": req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger row: %w", err)
	}

	result, err := s.engine.RunPass(ctx, backfill.PassParams{
		From:         from,
		To:           to,
		Limit:        req.Limit,
		Delay:        req.Delay,
		TimeBudget:   req.TimeBudget,
		CancelFlag:   backfill.CancelFlagName,
		RecheckAfter: s.recheckAfter,
	})
	if err != nil {
		s.complete(ctx, job.ID, jobs.StatusFailed, err.Error(), nil)
		return nil, err
	}

	status := jobs.StatusSuccess
	if result.Cancelled {
		status = jobs.StatusCancelled
	}
	note := fmt.Sprintf("processed=%d updated=%d skipped=%d failures=%d",
		result.Processed, result.Updated, result.Skipped, result.Failures)
	s.complete(ctx, job.ID, status, note, map[string]any{"result": result})

	return &BackfillResponse{JobID: job.ID, From: from, To: to, Result: result}, nil
}

// CancelBackfill sets the persisted cancel flag. The running pass observes
// it on its next per-record poll.
func (s *triggerService) CancelBackfill(ctx context.Context) error {
	if err := s.flags.SetFlag(ctx, backfill.CancelFlagName, true); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	logger.Infof("Backfill cancellation requested")
	return nil
}

// CleanupStaleJobs force-fails abandoned RUNNING jobs of the given type.
func (s *triggerService) CleanupStaleJobs(ctx context.Context, jobType jobs.Type, staleAfter time.Duration) (int, error) {
	reaped, err := s.ledger.ReapStale(ctx, jobType, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}
	if reaped > 0 {
		logger.Warnf("Reaped %d stale %s job(s)", reaped, jobType)
	}
	return reaped, nil
}

func (s *triggerService) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return s.ledger.Get(ctx, id)
}

func (s *triggerService) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.ledger.List(ctx, limit)
}

func (s *triggerService) guard(ctx context.Context, jobType jobs.Type) error {
	count, err := s.ledger.FindOverlapping(ctx, jobType, s.overlapWindow)
	if err != nil {
		return fmt.Errorf("failed to check for overlapping runs: %w", err)
	}
	if count > 0 {
		return ErrJobConflict
	}
	return nil
}

func (s *triggerService) complete(ctx context.Context, id uuid.UUID, status jobs.Status, note string, metadata map[string]any) {
	if err := s.ledger.Complete(ctx, id, status, note, metadata); err != nil {
		logger.Errorf("Failed to complete job %s: %v", id, err)
	}
}

func (s *triggerService) resolveWindow(req BackfillRequest) (time.Time, time.Time, error) {
	now := s.now().UTC()
	if req.AllTime {
		return time.Date(EarliestBackfillYear, 1, 1, 0, 0, 0, 0, time.UTC), now, nil
	}
	if req.Year < EarliestBackfillYear || req.Year > now.Year() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: year must be between %d and %d, got %d",
			ErrInvalidRequest, EarliestBackfillYear, now.Year(), req.Year)
	}
	from := time.Date(req.Year, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(req.Year, 12, 31, 23, 59, 59, 0, time.UTC)
	if to.After(now) {
		to = now
	}
	return from, to, nil
}

func formatOptionalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

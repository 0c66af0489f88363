package v0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrifts-za/protenders-platform-sub003/internal/backfill"
	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
	syncer "github.com/thrifts-za/protenders-platform-sub003/internal/sync"
)

type stubService struct {
	ledger jobs.Ledger

	syncResp     *service.SyncResponse
	syncErr      error
	syncReq      service.SyncRequest
	backfillResp *service.BackfillResponse
	backfillErr  error
	backfillReq  service.BackfillRequest
	cancelled    bool
	cleaned      int
}

func (s *stubService) TriggerSync(_ context.Context, req service.SyncRequest) (*service.SyncResponse, error) {
	s.syncReq = req
	return s.syncResp, s.syncErr
}

func (s *stubService) TriggerBackfill(_ context.Context, req service.BackfillRequest) (*service.BackfillResponse, error) {
	s.backfillReq = req
	return s.backfillResp, s.backfillErr
}

func (s *stubService) CancelBackfill(context.Context) error {
	s.cancelled = true
	return nil
}

func (s *stubService) CleanupStaleJobs(context.Context, jobs.Type, time.Duration) (int, error) {
	return s.cleaned, nil
}

func (s *stubService) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return s.ledger.Get(ctx, id)
}

func (s *stubService) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.ledger.List(ctx, limit)
}

func testDefaults() Defaults {
	return Defaults{
		PageSize:   50,
		MaxPages:   20,
		Limit:      500,
		Delay:      250 * time.Millisecond,
		StaleAfter: 30 * time.Minute,
	}
}

func doRequest(t *testing.T, svc service.TriggerService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	Router(svc, testDefaults()).ServeHTTP(rec, req)
	return rec
}

func TestTriggerSyncAppliesDefaults(t *testing.T) {
	t.Parallel()

	svc := &stubService{syncResp: &service.SyncResponse{
		JobID:  uuid.New(),
		Result: &syncer.Result{Processed: 6, Added: 6, Pages: 3},
	}}

	rec := doRequest(t, svc, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 50, svc.syncReq.PageSize)
	assert.Equal(t, 20, svc.syncReq.MaxPages)

	var resp service.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Result.Added)
}

func TestTriggerSyncParsesWindow(t *testing.T) {
	t.Parallel()

	svc := &stubService{syncResp: &service.SyncResponse{Result: &syncer.Result{}}}
	rec := doRequest(t, svc, http.MethodPost, "/sync",
		`{"from": "2025-01-01", "to": "2025-03-31", "pageSize": 10, "requireEnrichment": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), svc.syncReq.From)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), svc.syncReq.To)
	assert.Equal(t, 10, svc.syncReq.PageSize)
	assert.True(t, svc.syncReq.RequireEnrichment)
}

func TestTriggerSyncRejectsBadDate(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	rec := doRequest(t, svc, http.MethodPost, "/sync", `{"from": "01/02/2025"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerSyncConflictIs409(t *testing.T) {
	t.Parallel()

	svc := &stubService{syncErr: service.ErrJobConflict}
	rec := doRequest(t, svc, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "already running")
}

func TestTriggerBackfillYear(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillResp: &service.BackfillResponse{
		Result: &backfill.PassResult{Processed: 4, Updated: 4},
	}}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "2024", "limit": 100}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 2024, svc.backfillReq.Year)
	assert.False(t, svc.backfillReq.AllTime)
	assert.Equal(t, 100, svc.backfillReq.Limit)
	assert.Equal(t, 250*time.Millisecond, svc.backfillReq.Delay)
}

func TestTriggerBackfillAllTime(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillResp: &service.BackfillResponse{Result: &backfill.PassResult{}}}
	rec := doRequest(t, svc, http.MethodPost, "/backfill",
		`{"year": "all-time", "limit": 10, "delayMs": 100, "timeBudgetMs": 60000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, svc.backfillReq.AllTime)
	assert.Equal(t, 100*time.Millisecond, svc.backfillReq.Delay)
	assert.Equal(t, time.Minute, svc.backfillReq.TimeBudget)
}

func TestTriggerBackfillAppliesLimitDefault(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillResp: &service.BackfillResponse{Result: &backfill.PassResult{}}}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "2024"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// An omitted limit must not reach the engine as zero; LIMIT 0 would
	// select nothing and record a successful no-op run
	assert.Equal(t, 500, svc.backfillReq.Limit)
}

func TestTriggerBackfillRejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillResp: &service.BackfillResponse{Result: &backfill.PassResult{}}}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "2024", "limit": -5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.backfillReq)
}

func TestTriggerBackfillRequiresYear(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"limit": 10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "twenty"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerBackfillInvalidYearRangeIs400(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillErr: errors.Join(service.ErrInvalidRequest, errors.New("year out of range"))}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "1999"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerBackfillConflictIs409(t *testing.T) {
	t.Parallel()

	svc := &stubService{backfillErr: service.ErrJobConflict}
	rec := doRequest(t, svc, http.MethodPost, "/backfill", `{"year": "2024"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelBackfill(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	rec := doRequest(t, svc, http.MethodPost, "/backfill/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.cancelled)
}

func TestCleanupJobs(t *testing.T) {
	t.Parallel()

	svc := &stubService{cleaned: 2}
	rec := doRequest(t, svc, http.MethodPost, "/jobs/cleanup", `{"type": "SYNC"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Cleaned)

	rec = doRequest(t, svc, http.MethodPost, "/jobs/cleanup", `{"type": "NOPE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsListAndGet(t *testing.T) {
	t.Parallel()

	ledger := jobs.NewMemoryLedger()
	job, err := ledger.Begin(context.Background(), jobs.TypeSync, nil)
	require.NoError(t, err)
	svc := &stubService{ledger: ledger}

	rec := doRequest(t, svc, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Jobs, 1)
	assert.Equal(t, job.ID, listed.Jobs[0].ID)

	rec = doRequest(t, svc, http.MethodGet, "/jobs/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, svc, http.MethodGet, "/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, svc, http.MethodGet, "/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, svc, http.MethodGet, "/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

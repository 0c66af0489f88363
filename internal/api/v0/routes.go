// Package v0 provides the REST API handlers for triggering and inspecting
// orchestration runs.
package v0

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
	"github.com/thrifts-za/protenders-platform-sub003/internal/versions"
)

const (
	dateLayout      = "2006-01-02"
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// Defaults fills request fields the caller omitted.
type Defaults struct {
	PageSize   int
	MaxPages   int
	Limit      int
	Delay      time.Duration
	StaleAfter time.Duration
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SyncRequest is the POST /sync body. Dates use the 2006-01-02 layout; both
// empty means incremental mode.
type SyncRequest struct {
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	PageSize          int    `json:"pageSize,omitempty"`
	MaxPages          int    `json:"maxPages,omitempty"`
	RequireEnrichment bool   `json:"requireEnrichment,omitempty"`
}

// BackfillRequest is the POST /backfill body. Year accepts a calendar year
// or the string "all-time".
type BackfillRequest struct {
	Year         string `json:"year"`
	Limit        int    `json:"limit,omitempty"`
	DelayMs      int    `json:"delayMs,omitempty"`
	TimeBudgetMs int    `json:"timeBudgetMs,omitempty"`
}

// CleanupRequest is the POST /jobs/cleanup body.
type CleanupRequest struct {
	Type         string `json:"type"`
	StaleAfterMs int    `json:"staleAfterMs,omitempty"`
}

// CleanupResponse reports how many stale jobs were reaped.
type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
}

// Routes defines the trigger and job-status routes.
type Routes struct {
	service  service.TriggerService
	defaults Defaults
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.TriggerService, defaults Defaults) *Routes {
	return &Routes{
		service:  svc,
		defaults: defaults,
	}
}

// Router creates a new router for the trigger API
func Router(svc service.TriggerService, defaults Defaults) http.Handler {
	routes := NewRoutes(svc, defaults)

	r := chi.NewRouter()
	r.Post("/sync", routes.triggerSync)
	r.Post("/backfill", routes.triggerBackfill)
	r.Post("/backfill/cancel", routes.cancelBackfill)
	r.Post("/jobs/cleanup", routes.cleanupJobs)
	r.Get("/jobs", routes.listJobs)
	r.Get("/jobs/{id}", routes.getJob)

	return r
}

// triggerSync handles POST /api/v0/sync
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var body SyncRequest
	if err := decodeBody(r, &body); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := service.SyncRequest{
		PageSize:          body.PageSize,
		MaxPages:          body.MaxPages,
		RequireEnrichment: body.RequireEnrichment,
	}
	if req.PageSize == 0 {
		req.PageSize = rr.defaults.PageSize
	}
	if req.MaxPages == 0 {
		req.MaxPages = rr.defaults.MaxPages
	}

	var err error
	if req.From, err = parseOptionalDate(body.From); err != nil {
		rr.writeErrorResponse(w, fmt.Sprintf("invalid from date: %v", err), http.StatusBadRequest)
		return
	}
	if req.To, err = parseOptionalDate(body.To); err != nil {
		rr.writeErrorResponse(w, fmt.Sprintf("invalid to date: %v", err), http.StatusBadRequest)
		return
	}

	resp, err := rr.service.TriggerSync(r.Context(), req)
	if err != nil {
		rr.writeTriggerError(w, "sync", err)
		return
	}
	rr.writeJSONResponse(w, resp)
}

// triggerBackfill handles POST /api/v0/backfill
func (rr *Routes) triggerBackfill(w http.ResponseWriter, r *http.Request) {
	var body BackfillRequest
	if err := decodeBody(r, &body); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := service.BackfillRequest{
		Limit:      body.Limit,
		Delay:      time.Duration(body.DelayMs) * time.Millisecond,
		TimeBudget: time.Duration(body.TimeBudgetMs) * time.Millisecond,
	}
	if req.Delay == 0 {
		req.Delay = rr.defaults.Delay
	}
	if req.Limit == 0 {
		req.Limit = rr.defaults.Limit
	}
	// A zero limit would select nothing and record a successful no-op run
	if req.Limit < 1 {
		rr.writeErrorResponse(w, "limit must be positive", http.StatusBadRequest)
		return
	}

	switch body.Year {
	case "all-time":
		req.AllTime = true
	case "":
		rr.writeErrorResponse(w, `year is required: a calendar year or "all-time"`, http.StatusBadRequest)
		return
	default:
		year, err := strconv.Atoi(body.Year)
		if err != nil {
			rr.writeErrorResponse(w, fmt.Sprintf("invalid year %q", body.Year), http.StatusBadRequest)
			return
		}
		req.Year = year
	}

	resp, err := rr.service.TriggerBackfill(r.Context(), req)
	if err != nil {
		rr.writeTriggerError(w, "backfill", err)
		return
	}
	rr.writeJSONResponse(w, resp)
}

// cancelBackfill handles POST /api/v0/backfill/cancel
func (rr *Routes) cancelBackfill(w http.ResponseWriter, r *http.Request) {
	if err := rr.service.CancelBackfill(r.Context()); err != nil {
		logger.Errorf("Failed to request backfill cancellation: %v", err)
		rr.writeErrorResponse(w, "failed to request cancellation", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, map[string]string{"status": "cancellation requested"})
}

// cleanupJobs handles POST /api/v0/jobs/cleanup
func (rr *Routes) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	var body CleanupRequest
	if err := decodeBody(r, &body); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobType := jobs.Type(body.Type)
	if jobType != jobs.TypeSync && jobType != jobs.TypeEnrichBackfill {
		rr.writeErrorResponse(w, fmt.Sprintf("unknown job type %q", body.Type), http.StatusBadRequest)
		return
	}
	staleAfter := rr.defaults.StaleAfter
	if body.StaleAfterMs > 0 {
		staleAfter = time.Duration(body.StaleAfterMs) * time.Millisecond
	}

	cleaned, err := rr.service.CleanupStaleJobs(r.Context(), jobType, staleAfter)
	if err != nil {
		logger.Errorf("Failed to clean up stale jobs: %v", err)
		rr.writeErrorResponse(w, "failed to clean up stale jobs", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, CleanupResponse{Cleaned: cleaned})
}

// listJobs handles GET /api/v0/jobs
func (rr *Routes) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxJobLimit {
			rr.writeErrorResponse(w, fmt.Sprintf("limit must be between 1 and %d", maxJobLimit), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	listed, err := rr.service.ListJobs(r.Context(), limit)
	if err != nil {
		logger.Errorf("Failed to list jobs: %v", err)
		rr.writeErrorResponse(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, map[string]any{"jobs": listed})
}

// getJob handles GET /api/v0/jobs/{id}
func (rr *Routes) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		rr.writeErrorResponse(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := rr.service.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			rr.writeErrorResponse(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to get job %s: %v", id, err)
		rr.writeErrorResponse(w, "failed to get job", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, job)
}

// writeTriggerError maps trigger failures onto status codes: overlap
// conflicts are 409, invalid parameters 400, everything else 500.
func (rr *Routes) writeTriggerError(w http.ResponseWriter, trigger string, err error) {
	if errors.Is(err, service.ErrJobConflict) {
		rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	if errors.Is(err, service.ErrInvalidRequest) {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Errorf("Trigger %s failed: %v", trigger, err)
	rr.writeErrorResponse(w, fmt.Sprintf("%s failed: %v", trigger, err), http.StatusInternalServerError)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseOptionalDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, raw)
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}); err != nil {
		logger.Errorf("Failed to encode version info: %v", err)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}

// Package api exposes the URL content pipeline over HTTP. All routes
// live under /api/url-content; submission and repair go through the
// control plane, reads go straight to the repository.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fetchpipe/fetchpipe/internal/control"
	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// maxBatchSize caps the number of URLs per submission.
const maxBatchSize = 100

// defaultListLimit applies when a list request names no limit.
const defaultListLimit = 50

// maxListLimit caps a list request's page size.
const maxListLimit = 100

// Pipeline is the control-plane surface the handlers consume.
type Pipeline interface {
	Submit(ctx context.Context, rawURLs []string) []control.SubmitOutcome
	RepairInconsistencies(ctx context.Context) (int64, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	Repo     db.Repository
	Pipeline Pipeline
	DB       *db.DB
}

// NewHandler creates a new API handler with dependencies
func NewHandler(repo db.Repository, pipeline Pipeline, database *db.DB) *Handler {
	return &Handler{
		Repo:     repo,
		Pipeline: pipeline,
		DB:       database,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// URL content routes
	mux.HandleFunc("/api/url-content", h.URLContentHandler)
	mux.HandleFunc("/api/url-content/", h.URLContentSubHandler) // For /api/url-content/:id and sub-resources
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "fetchpipe", Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB == nil {
		WriteUnhealthy(w, r, "mongodb", fmt.Errorf("database connection not configured"))
		return
	}

	if err := h.DB.Health(r.Context()); err != nil {
		WriteUnhealthy(w, r, "mongodb", err)
		return
	}

	WriteHealthy(w, r, "mongodb", "")
}

// URLContentHandler routes /api/url-content by method: POST submits a
// batch, GET lists records.
func (h *Handler) URLContentHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitBatch(w, r)
	case http.MethodGet:
		h.listRecords(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// URLContentSubHandler routes /api/url-content/{...} sub-resources.
func (h *Handler) URLContentSubHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/url-content/")
	rest = strings.TrimSuffix(rest, "/")

	switch rest {
	case "":
		h.URLContentHandler(w, r)
	case "by-url":
		h.getHistory(w, r)
	case "latest":
		h.getLatest(w, r)
	case "fix-inconsistencies":
		h.fixInconsistencies(w, r)
	default:
		h.getRecord(w, r, rest)
	}
}

// SubmitRequest is the POST /api/url-content body.
type SubmitRequest struct {
	URLs []string `json:"urls"`
}

// SubmitResponse reports the batch decision: the raw URLs accepted, the
// skip outcome for everything else, and the ids of the records created.
type SubmitResponse struct {
	Submitted []string                `json:"submitted"`
	Skipped   []control.SubmitOutcome `json:"skipped"`
	Queued    []string                `json:"queued"`
}

func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	if len(req.URLs) == 0 {
		WriteErrorMessage(w, r, "At least one URL is required", http.StatusBadRequest, ErrCodeValidation)
		return
	}
	if len(req.URLs) > maxBatchSize {
		WriteErrorMessage(w, r,
			fmt.Sprintf("Batch size exceeds maximum of %d URLs", maxBatchSize),
			http.StatusBadRequest, ErrCodeValidation)
		return
	}

	outcomes := h.Pipeline.Submit(r.Context(), req.URLs)

	resp := SubmitResponse{
		Submitted: []string{},
		Skipped:   []control.SubmitOutcome{},
		Queued:    []string{},
	}
	for i, o := range outcomes {
		if o.Status == control.OutcomeQueued {
			resp.Submitted = append(resp.Submitted, req.URLs[i])
			resp.Queued = append(resp.Queued, o.RecordID)
		} else {
			resp.Skipped = append(resp.Skipped, o)
		}
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Int("queued", len(resp.Queued)).
		Int("skipped", len(resp.Skipped)).
		Msg("Processed URL batch")

	WriteJSON(w, r, resp, http.StatusOK)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		BadRequest(w, r, "Query parameter 'limit' must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil || offset < 0 {
		BadRequest(w, r, "Query parameter 'offset' must be a non-negative integer")
		return
	}

	filter := db.RecordFilter{
		Status: fetch.Status(r.URL.Query().Get("status")),
		URL:    r.URL.Query().Get("url"),
	}

	records, err := h.Repo.FindAll(r.Context(), filter, int64(limit), int64(offset))
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if records == nil {
		records = []fetch.Record{}
	}

	WriteJSON(w, r, records, http.StatusOK)
}

// HistoryResponse is the GET /api/url-content/by-url body.
type HistoryResponse struct {
	URL          string         `json:"url"`
	TotalScrapes int            `json:"total_scrapes"`
	Scrapes      []fetch.Record `json:"scrapes"`
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		BadRequest(w, r, "Query parameter 'url' is required")
		return
	}

	records, err := h.Repo.GetHistory(r.Context(), rawURL)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteJSON(w, r, HistoryResponse{
		URL:          rawURL,
		TotalScrapes: len(records),
		Scrapes:      records,
	}, http.StatusOK)
}

func (h *Handler) getLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		BadRequest(w, r, "Query parameter 'url' is required")
		return
	}

	rec, err := h.Repo.FindLatestSuccessByURL(r.Context(), rawURL)
	if errors.Is(err, db.ErrNotFound) {
		NotFound(w, r, "No successful scrape found for URL")
		return
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteJSON(w, r, rec, http.StatusOK)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	rec, err := h.Repo.FindByID(r.Context(), id)
	if errors.Is(err, db.ErrInvalidID) {
		BadRequest(w, r, "Record ID must be a 24-character hex string")
		return
	}
	if errors.Is(err, db.ErrNotFound) {
		NotFound(w, r, "Record not found")
		return
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteJSON(w, r, rec, http.StatusOK)
}

func (h *Handler) fixInconsistencies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	fixed, err := h.Pipeline.RepairInconsistencies(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteJSON(w, r, map[string]interface{}{
		"fixed":   fixed,
		"message": fmt.Sprintf("Fixed %d inconsistent records", fixed),
	}, http.StatusOK)
}

// parseIntParam reads an integer query parameter. Absence yields the
// fallback; garbage is the caller's 400.
func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

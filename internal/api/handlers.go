// Package api exposes the memory manager over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/tiermem/internal/fastcache"
	"github.com/kalambet/tiermem/internal/memory"
	"github.com/kalambet/tiermem/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, session payloads carry full research state

// Deps holds what the HTTP layer needs. Scheduler is optional; when
// nil the on-demand scrub endpoint returns 503.
type Deps struct {
	Memory    *memory.Manager
	Scheduler *memory.Scheduler
	Token     string
}

// NewHandler returns the tiermem REST API. All routes except /health
// require bearer auth when a token is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/sessions", handleCreateSession(deps))
		r.Put("/sessions/{id}/active", handleUpdateActive(deps))
		r.Post("/sessions/{id}/complete", handleCompleteSession(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Get("/sessions/{id}/history", handleSessionHistory(deps))

		r.Get("/stats", handleStats(deps))
		r.Get("/migrations", handleRecentMigrations(deps))
		r.Post("/admin/scrub", handleScrub(deps))

		r.Get("/content", handleGetContent(deps))
		r.Put("/content", handlePutContent(deps))
		r.Post("/content/batch", handleBatchContent(deps))
		r.Post("/content/failure", handleContentFailure(deps))
		r.Get("/content/info", handleContentInfo(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// SessionRequest is the write shape shared by create, update, and
// complete. Payload carries the opaque research state as raw JSON.
type SessionRequest struct {
	UserID       string          `json:"user_id"`
	Query        string          `json:"query"`
	Status       string          `json:"status"`
	ResearchType string          `json:"research_type"`
	Payload      json.RawMessage `json:"payload"`
}

// SessionResponse wraps a record with the tier it was found in.
type SessionResponse struct {
	Tier    string                `json:"tier"`
	Session storage.SessionRecord `json:"session"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSessionRequest(w, r)
		if !ok {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		rec := storage.SessionRecord{
			SessionID:    uuid.New().String(),
			UserID:       req.UserID,
			Query:        req.Query,
			Status:       req.Status,
			ResearchType: req.ResearchType,
			Payload:      req.Payload,
		}
		if err := deps.Memory.PutActive(r.Context(), rec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]string{
			"session_id": rec.SessionID,
			"tier":       memory.TierActive,
		})
	}
}

func handleUpdateActive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSessionRequest(w, r)
		if !ok {
			return
		}

		rec := storage.SessionRecord{
			SessionID:    chi.URLParam(r, "id"),
			UserID:       req.UserID,
			Query:        req.Query,
			Status:       req.Status,
			ResearchType: req.ResearchType,
			Payload:      req.Payload,
		}
		if err := deps.Memory.PutActive(r.Context(), rec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleCompleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, _, err := deps.Memory.GetSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		// An optional body overrides the final state.
		if r.ContentLength > 0 {
			req, ok := decodeSessionRequest(w, r)
			if !ok {
				return
			}
			if req.Status != "" {
				rec.Status = req.Status
			}
			if len(req.Payload) > 0 {
				rec.Payload = req.Payload
			}
		}
		rec.Status = completedStatus(rec.Status)

		if err := deps.Memory.CompleteSession(r.Context(), rec); err != nil {
			if errors.Is(err, memory.ErrPendingDeletion) {
				httpError(w, http.StatusConflict, "invalid_request_error", "session is pending deletion and cannot be completed")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to complete session: %v", err)
			return
		}
		writeJSON(w, map[string]string{
			"session_id": id,
			"tier":       string(storage.TierHot),
		})
	}
}

// completedStatus maps the in-flight status to its terminal form.
// Failed and paused sessions keep their status when archived.
func completedStatus(s string) string {
	switch s {
	case storage.StatusFailed, storage.StatusPaused:
		return s
	default:
		return storage.StatusCompleted
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, tier, err := deps.Memory.GetSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		writeJSON(w, SessionResponse{Tier: tier, Session: rec})
	}
}

func handleSessionHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		migrations, err := deps.Memory.SessionHistory(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
			return
		}
		if migrations == nil {
			migrations = []storage.MigrationRecord{}
		}
		writeJSON(w, migrations)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleRecentMigrations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)

		migrations, err := deps.Memory.RecentActivity(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list migrations: %v", err)
			return
		}
		if migrations == nil {
			migrations = []storage.MigrationRecord{}
		}
		writeJSON(w, migrations)
	}
}

func handleScrub(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "scrub is not available")
			return
		}
		stats, err := deps.Scheduler.RunCycle(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "scrub failed: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

// ContentRequest is the write shape for the content cache.
type ContentRequest struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Error   string `json:"error"`
}

func handleGetContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}

		content, err := deps.Memory.GetCachedContent(r.Context(), url)
		if errors.Is(err, fastcache.ErrMiss) {
			httpError(w, http.StatusNotFound, "not_found", "content not cached")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get content: %v", err)
			return
		}
		writeJSON(w, map[string]string{"url": url, "content": string(content)})
	}
}

func handlePutContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url and content are required")
			return
		}

		if err := deps.Memory.SetCachedContent(r.Context(), req.URL, []byte(req.Content)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cache content: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cached"})
	}
}

// BatchContentEntry reports one URL of a batch lookup. Content is
// empty when Hit is false.
type BatchContentEntry struct {
	URL     string `json:"url"`
	Hit     bool   `json:"hit"`
	Content string `json:"content,omitempty"`
}

func handleBatchContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URLs []string `json:"urls"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.URLs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "urls is required")
			return
		}

		byURL, err := deps.Memory.GetCachedContentBatch(r.Context(), req.URLs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "batch lookup failed: %v", err)
			return
		}

		entries := make([]BatchContentEntry, len(req.URLs))
		for i, u := range req.URLs {
			content := byURL[u]
			entries[i] = BatchContentEntry{
				URL:     u,
				Hit:     content != nil,
				Content: string(content),
			}
		}
		writeJSON(w, entries)
	}
}

func handleContentFailure(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		if err := deps.Memory.RecordFetchFailure(r.Context(), req.URL, req.Error); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record failure: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "recorded"})
	}
}

func handleContentInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}

		info, err := deps.Memory.ProcessedURL(r.Context(), url)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "url never processed")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get url info: %v", err)
			return
		}
		writeJSON(w, info)
	}
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (SessionRequest, bool) {
	var req SessionRequest
	if !decodeBody(w, r, &req) {
		return SessionRequest{}, false
	}
	return req, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

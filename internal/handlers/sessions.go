package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/metrics"
	"github.com/nextcast/session-store/internal/model"
	"github.com/nextcast/session-store/internal/store"
)

// validIDPattern defines the allowed pattern for session identifiers.
// Allows alphanumeric characters, hyphens, underscores, and dots.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const (
	maxIDLength = 512 // Maximum length for session identifiers
)

// SessionManager is the surface the handlers need from the session store
// handle.
type SessionManager interface {
	Load(ctx context.Context, id string) (*model.SessionRecord, error)
	Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	Destroy(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, ttl time.Duration) error
	Snapshot(ctx context.Context) (model.HealthSnapshot, error)
	Cleanup(ctx context.Context) (*model.CleanupReport, error)
	Reconnect(ctx context.Context) error
	ActiveBackend() model.BackendKind
}

// SessionHandlers provides HTTP handlers for session operations.
type SessionHandlers struct {
	sessions SessionManager
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewSessionHandlers creates a new SessionHandlers instance.
func NewSessionHandlers(sessions SessionManager, logger *zap.Logger, metrics *metrics.Metrics) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// validateSessionID validates a session identifier taken from the URL.
// Returns an error if the identifier is invalid.
func validateSessionID(id string) error {
	if id == "" {
		return errors.New("Session id is required")
	}

	if len(id) > maxIDLength {
		return errors.New("Session id exceeds maximum length")
	}

	if !validIDPattern.MatchString(id) {
		return errors.New("Session id contains invalid characters")
	}

	return nil
}

// sessionID extracts and validates the session id URL parameter.
func sessionID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := validateSessionID(id); err != nil {
		return "", err
	}
	return id, nil
}

// HandleGetSession handles GET /v1/sessions/{id} requests.
// Returns:
//   - 200 OK: Session exists and is returned
//   - 404 Not Found: No session exists for the id, or it has expired
//   - 400 Bad Request: Invalid session id
//   - 503 Service Unavailable: Session store cannot serve the operation
//   - 500 Internal Server Error: Storage or internal error
func (h *SessionHandlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.recordMetric("load", "failure")
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.sessions.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			h.recordMetric("load", "not_found")
			h.respondJSON(w, http.StatusNotFound, model.SessionResponse{
				Status:  "absent",
				Message: "No session exists with this id",
			})
			return
		}

		h.logger.Error("Failed to load session", zap.Error(err))
		h.respondStoreError(w, "load", "Failed to load session", err)
		return
	}

	h.recordMetric("load", "success")
	h.respondJSON(w, http.StatusOK, model.SessionResponse{
		Status:  "active",
		Message: "Session exists",
		Session: rec,
	})
}

// HandleSaveSession handles PUT /v1/sessions/{id} requests to create or
// replace a session.
// Returns:
//   - 200 OK: Session saved
//   - 400 Bad Request: Invalid request body, session id, or TTL
//   - 503 Service Unavailable: Session store cannot serve the operation
//   - 500 Internal Server Error: Storage or internal error
func (h *SessionHandlers) HandleSaveSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.recordMetric("save", "failure")
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SaveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode save session request", zap.Error(err))
		h.recordMetric("save", "failure")
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Payload) == 0 {
		h.recordMetric("save", "failure")
		h.respondError(w, http.StatusBadRequest, "Session payload is required")
		return
	}
	if req.TTLSeconds < 0 {
		h.recordMetric("save", "failure")
		h.respondError(w, http.StatusBadRequest, "TTL cannot be negative")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second

	if err := h.sessions.Save(r.Context(), id, req.Payload, ttl); err != nil {
		h.logger.Error("Failed to save session", zap.Error(err))
		h.respondStoreError(w, "save", "Failed to save session", err)
		return
	}

	h.recordMetric("save", "success")
	h.respondJSON(w, http.StatusOK, model.SessionResponse{
		Status:  "active",
		Message: "Session saved",
	})
}

// HandleDestroySession handles DELETE /v1/sessions/{id} requests.
// Returns:
//   - 200 OK: Session destroyed, or no session existed
//   - 400 Bad Request: Invalid session id
//   - 503 Service Unavailable: Session store cannot serve the operation
//   - 500 Internal Server Error: Storage or internal error
func (h *SessionHandlers) HandleDestroySession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.recordMetric("destroy", "failure")
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.Destroy(r.Context(), id); err != nil {
		h.logger.Error("Failed to destroy session", zap.Error(err))
		h.respondStoreError(w, "destroy", "Failed to destroy session", err)
		return
	}

	h.recordMetric("destroy", "success")
	h.respondJSON(w, http.StatusOK, model.SessionResponse{
		Status:  "absent",
		Message: "Session destroyed",
	})
}

// HandleTouchSession handles POST /v1/sessions/{id}/touch requests to
// refresh a session's expiry. The body is optional; without one the
// configured default lifetime applies. Touching an absent session is a
// no-op and still succeeds.
// Returns:
//   - 200 OK: Expiry refresh applied, or no session existed
//   - 400 Bad Request: Invalid request body, session id, or TTL
//   - 503 Service Unavailable: Session store cannot serve the operation
//   - 500 Internal Server Error: Storage or internal error
func (h *SessionHandlers) HandleTouchSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.recordMetric("touch", "failure")
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.TouchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Failed to decode touch session request", zap.Error(err))
		h.recordMetric("touch", "failure")
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.TTLSeconds < 0 {
		h.recordMetric("touch", "failure")
		h.respondError(w, http.StatusBadRequest, "TTL cannot be negative")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second

	if err := h.sessions.Touch(r.Context(), id, ttl); err != nil {
		h.logger.Error("Failed to touch session", zap.Error(err))
		h.respondStoreError(w, "touch", "Failed to touch session", err)
		return
	}

	h.recordMetric("touch", "success")
	h.respondJSON(w, http.StatusOK, model.SessionResponse{
		Status:  "active",
		Message: "Session expiry refreshed",
	})
}

// HandleStats handles GET /v1/sessions/stats requests, returning a
// point-in-time view of the session store.
// Returns:
//   - 200 OK: Snapshot returned
//   - 503 Service Unavailable: Session store is shut down
func (h *SessionHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to snapshot session store", zap.Error(err))
		h.respondStoreError(w, "stats", "Failed to snapshot session store", err)
		return
	}

	h.recordMetric("stats", "success")
	h.respondJSON(w, http.StatusOK, snap)
}

// HandleCleanup handles POST /v1/sessions/cleanup requests, running a
// maintenance sweep on the active backend.
// Returns:
//   - 200 OK: Sweep completed, report returned
//   - 503 Service Unavailable: Session store cannot serve the operation
//   - 500 Internal Server Error: Storage or internal error
func (h *SessionHandlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.sessions.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("Failed to clean up sessions", zap.Error(err))
		h.respondStoreError(w, "cleanup", "Failed to clean up sessions", err)
		return
	}

	h.recordMetric("cleanup", "success")
	h.respondJSON(w, http.StatusOK, report)
}

// HandleReconnect handles POST /v1/store/reconnect requests, making an
// explicit attempt to re-establish the remote store connection. This is the
// operator's recovery path once the automatic reconnection budget has been
// spent.
// Returns:
//   - 200 OK: Connection established
//   - 503 Service Unavailable: Attempt failed or the store is shut down
func (h *SessionHandlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Reconnect(r.Context()); err != nil {
		h.logger.Warn("Explicit reconnect attempt failed", zap.Error(err))
		h.recordMetric("reconnect", "failure")
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "error",
			"backend": string(h.sessions.ActiveBackend()),
			"message": "Reconnect attempt failed",
		})
		return
	}

	h.recordMetric("reconnect", "success")
	h.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "connected",
		"backend": string(h.sessions.ActiveBackend()),
	})
}

// respondError sends an error response.
func (h *SessionHandlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, model.SessionResponse{
		Status:  "error",
		Message: message,
	})
}

// respondStoreError maps a store error onto an HTTP response: an unavailable
// or shut-down store maps to 503, anything else to 500.
func (h *SessionHandlers) respondStoreError(w http.ResponseWriter, operation, message string, err error) {
	if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrStoreClosed) {
		h.recordMetric(operation, "unavailable")
		h.respondError(w, http.StatusServiceUnavailable, "Session store unavailable")
		return
	}

	h.recordMetric(operation, "failure")
	h.respondError(w, http.StatusInternalServerError, message)
}

// respondJSON sends a JSON response.
func (h *SessionHandlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// recordMetric records a session operation metric.
func (h *SessionHandlers) recordMetric(operation, status string) {
	if h.metrics != nil && h.metrics.SessionOperationsTotal != nil {
		h.metrics.SessionOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/health"
	"github.com/nextcast/session-store/internal/middleware"
)

// setupAPIRoutes configures the API server routes.
func (s *Server) setupAPIRoutes(r *chi.Mux) {
	r.Get("/ping", handlePing(s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/stats", s.sessionHandlers.HandleStats)
			r.Post("/cleanup", s.sessionHandlers.HandleCleanup)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.sessionHandlers.HandleGetSession)
				r.Put("/", s.sessionHandlers.HandleSaveSession)
				r.Delete("/", s.sessionHandlers.HandleDestroySession)
				r.Post("/touch", s.sessionHandlers.HandleTouchSession)
			})
		})

		r.Post("/store/reconnect", s.sessionHandlers.HandleReconnect)
	})
}

// setupProbeRoutes configures the probe server routes.
func (s *Server) setupProbeRoutes(r *chi.Mux) {
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "startup")).
		Get("/healthz/startup", s.handleStartupProbe)
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "live")).
		Get("/healthz/live", s.handleLivenessProbe)
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "ready")).
		Get("/healthz/ready", s.handleReadinessProbe)
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"status": "pong",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("Failed to encode ping response", zap.Error(err))
		}
	}
}

// handleStartupProbe handles the startup probe endpoint. The probe only
// fails while checks are starting or erroring; a degraded session backend
// does not hold startup back because the fallback store keeps the service
// functional.
func (s *Server) handleStartupProbe(w http.ResponseWriter, r *http.Request) {
	response := s.health.GetStartupStatus(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusError || response.Status == health.StatusStarting {
		status = http.StatusServiceUnavailable
	}

	s.respondJSON(w, status, response)
}

// handleLivenessProbe handles the liveness probe endpoint. Liveness passes
// whenever the process can serve the request at all.
func (s *Server) handleLivenessProbe(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.health.GetLivenessStatus())
}

// handleReadinessProbe handles the readiness probe endpoint.
func (s *Server) handleReadinessProbe(w http.ResponseWriter, r *http.Request) {
	response := s.health.GetReadinessStatus(r.Context())

	status := http.StatusOK
	if !response.Ready {
		status = http.StatusServiceUnavailable
	}

	s.respondJSON(w, status, response)
}

// respondJSON writes a JSON response with the given status code.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

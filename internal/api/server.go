// Package api provides the HTTP surface of synthd: task submission,
// status polling, cancellation, balance queries, and the admin plane.
//
// Authentication is external. Callers arrive with a trusted X-User-ID
// header set by the fronting auth layer; the admin plane additionally
// requires the configured X-Admin-Token.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/app/scheduler"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/health"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

const (
	userHeader  = "X-User-ID"
	adminHeader = "X-Admin-Token"
)

// Server is the synthd HTTP API server.
type Server struct {
	scheduler  *scheduler.Service
	ledger     *ledger.Service
	pool       *credpool.Pool
	db         *sqlite.DB
	adminToken string

	health         *health.Checker
	metricsEnabled bool
}

// NewServer wires the API over its collaborators. An empty adminToken
// disables the admin plane entirely.
func NewServer(sched *scheduler.Service, led *ledger.Service, pool *credpool.Pool, db *sqlite.DB, adminToken string) *Server {
	return &Server{scheduler: sched, ledger: led, pool: pool, db: db, adminToken: adminToken}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth attaches the periodic health checker to /health.
func (s *Server) SetHealth(h *health.Checker) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if s.health != nil {
			status := http.StatusOK
			if !s.health.IsHealthy() {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{"checks": s.health.Statuses()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/tasks", s.handleSubmit)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleTaskStatus)
			r.Delete("/tasks/{id}", s.handleCancel)
			r.Post("/tasks/{id}/cancel", s.handleCancel)
			r.Get("/balance", s.handleBalance)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/queue", s.handleAdminQueue)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/events", s.handleAdminEvents)
			r.Get("/credentials", s.handleAdminListCredentials)
			r.Post("/credentials", s.handleAdminCreateCredential)
			r.Patch("/credentials/{id}", s.handleAdminUpdateCredential)
			r.Delete("/credentials/{id}", s.handleAdminDeleteCredential)
			r.Post("/users/{id}/topup", s.handleAdminTopup)
			r.Post("/sync-concurrent", s.handleAdminSyncConcurrent)
			r.Get("/model-pricing", s.handleAdminListPricing)
			r.Patch("/model-pricing/{model}", s.handleAdminSetPrice)
			r.Post("/tasks/{id}/cancel", s.handleAdminCancel)
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Auth middleware ────────────────────────────────────────────────────────

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get(adminHeader) != s.adminToken {
			writeError(w, http.StatusForbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string { return r.Header.Get(userHeader) }

// ─── Response helpers ───────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}

// writeDomainError maps sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrUserInactive), errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTaskTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── Admin endpoints ────────────────────────────────────────────────────────
// The admin plane is operator tooling: queue inspection, credential
// CRUD, account topups, counter reconciliation, pricing.

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]domain.Task, 2)
	for _, kind := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
		queued, err := s.scheduler.ListQueued(kind)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if queued == nil {
			queued = []domain.Task{}
		}
		out[string(kind)] = queued
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	creds := s.pool.Snapshot()
	inUse := 0
	for i := range creds {
		inUse += creds[i].CurrentConcurrent
	}

	queued := 0
	for _, kind := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
		if tasks, err := s.scheduler.ListQueued(kind); err == nil {
			queued += len(tasks)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"credentials":       len(creds),
		"concurrent_in_use": inUse,
		"queued_tasks":      queued,
	})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.RecentEvents(200)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ─── Credentials ────────────────────────────────────────────────────────────

func (s *Server) handleAdminListCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": s.pool.Snapshot()})
}

type credentialRequest struct {
	Name            string `json:"name"`
	ProviderClass   string `json:"provider_class"`
	APIKey          string `json:"api_key"`
	HourlyLimit     int    `json:"hourly_limit"`
	ConcurrentLimit int    `json:"concurrent_limit"`
	Active          *bool  `json:"is_active"`
}

func (s *Server) handleAdminCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ProviderClass == "" || req.APIKey == "" {
		writeDomainError(w, fmt.Errorf("%w: provider_class and api_key are required", domain.ErrValidation))
		return
	}
	if req.HourlyLimit <= 0 {
		req.HourlyLimit = 100
	}
	if req.ConcurrentLimit <= 0 {
		req.ConcurrentLimit = 1
	}

	now := time.Now().UTC()
	cred := domain.CredentialSlot{
		ID:              "crd_" + uuid.NewString(),
		Name:            req.Name,
		ProviderClass:   req.ProviderClass,
		APIKey:          req.APIKey,
		HourlyLimit:     req.HourlyLimit,
		ConcurrentLimit: req.ConcurrentLimit,
		HourWindowStart: now.Truncate(time.Hour),
		Active:          true,
		CreatedAt:       now,
	}
	if err := s.db.InsertCredential(cred); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.pool.Reload(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleAdminUpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.db.GetCredential(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req := credentialRequest{
		Name:            existing.Name,
		HourlyLimit:     existing.HourlyLimit,
		ConcurrentLimit: existing.ConcurrentLimit,
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	active := existing.Active
	if req.Active != nil {
		active = *req.Active
	}

	if err := s.db.UpdateCredentialConfig(id, req.Name, req.HourlyLimit, req.ConcurrentLimit, active); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.pool.Reload(); err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := s.db.GetCredential(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAdminDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.db.DeleteCredential(id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.pool.Reload(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// ─── Accounts & pricing ─────────────────────────────────────────────────────

type topupRequest struct {
	Credits      int64 `json:"credits"`
	ValidityDays int   `json:"validity_days"`
}

func (s *Server) handleAdminTopup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Credits <= 0 {
		writeDomainError(w, fmt.Errorf("%w: credits must be positive", domain.ErrValidation))
		return
	}
	if req.ValidityDays <= 0 {
		req.ValidityDays = 30
	}

	pkg, err := s.ledger.AddPackage(id, req.Credits,
		time.Duration(req.ValidityDays)*24*time.Hour, domain.SourceAdmin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleAdminSyncConcurrent(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.SyncCounters(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": s.pool.Snapshot()})
}

func (s *Server) handleAdminListPricing(w http.ResponseWriter, r *http.Request) {
	prices, err := s.db.ListModelPricing()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pricing": prices})
}

type priceRequest struct {
	Credits int64 `json:"credits"`
}

func (s *Server) handleAdminSetPrice(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")

	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Credits <= 0 {
		writeDomainError(w, fmt.Errorf("%w: credits must be positive", domain.ErrValidation))
		return
	}
	if err := s.db.SetModelPrice(model, req.Credits); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": model, "credits": req.Credits})
}

// handleAdminCancel cancels any user's task.
func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.scheduler.Cancel(r.Context(), id, "", true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

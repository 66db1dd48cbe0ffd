package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── Task endpoints ─────────────────────────────────────────────────────────

// submitRequest is the POST /api/tasks body. Payload fields are flattened;
// which ones matter depends on kind.
type submitRequest struct {
	Kind string `json:"kind"`
	domain.TaskPayload
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	kind := domain.TaskKind(req.Kind)
	if kind != domain.KindVoice && kind != domain.KindImage {
		writeDomainError(w, fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, req.Kind))
		return
	}

	result, err := s.scheduler.Submit(r.Context(), userID(r), kind, req.TaskPayload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.scheduler.GetTask(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if task.OwnerID != userID(r) {
		// Existence of other users' tasks is not disclosed.
		writeDomainError(w, domain.ErrNotFound)
		return
	}

	status, err := s.scheduler.GetStatus(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.scheduler.Cancel(r.Context(), id, userID(r), false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	kind := domain.TaskKind(r.URL.Query().Get("kind"))

	var tasks []domain.Task
	if kind == "" {
		for _, k := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
			part, err := s.scheduler.ListActive(userID(r), k)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			tasks = append(tasks, part...)
		}
	} else {
		var err error
		tasks, err = s.scheduler.ListActive(userID(r), kind)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

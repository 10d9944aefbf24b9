package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genjobs/internal/domain"
	"genjobs/internal/status"
)

type submitRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Input          json.RawMessage `json:"input"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit accepts a generation request. A fresh creation answers 202, an
// idempotent replay answers 200 with the existing job; both are
// successes and carry the same job_id for the same key.
func (a *App) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.IdempotencyKey == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "idempotency_key required")
		return
	}

	job, created, err := a.Gateway.Submit(r.Context(), req.IdempotencyKey, req.Input)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		// Infrastructure failure: the caller retries with the same key.
		a.Logger.Error().Err(err).Msg("submit failed")
		a.error(w, http.StatusServiceUnavailable, "unavailable", "submission failed, retry with the same idempotency key")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	a.json(w, code, submitResponse{JobID: job.ID, Status: string(job.Status)})
}

type statusResponse struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *domain.JobError `json:"error,omitempty"`
	ResultRef   string           `json:"result_access_ref,omitempty"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
}

// GetStatus answers a poll for one job. Response codes follow the job's
// state: 202 while in progress, 200 on a terminal state, 404 for absent
// or expired records, 410 when the artifact behind a completed job is
// gone.
func (a *App) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	view, err := a.Status.GetStatus(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("status lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "status lookup failed")
		return
	}

	switch view.State {
	case status.StateNotFound:
		a.error(w, http.StatusNotFound, "not_found", "job not found or expired")
	case status.StateResultExpired:
		a.error(w, http.StatusGone, "result_expired", "result expired")
	case status.StateInProgress:
		a.json(w, http.StatusAccepted, statusResponse{
			JobID:     view.JobID,
			Status:    string(view.Status),
			CreatedAt: view.CreatedAt,
			StartedAt: view.StartedAt,
		})
	case status.StateDoneFailed:
		a.json(w, http.StatusOK, statusResponse{
			JobID:       view.JobID,
			Status:      string(view.Status),
			CreatedAt:   view.CreatedAt,
			StartedAt:   view.StartedAt,
			CompletedAt: view.CompletedAt,
			Error:       view.Error,
		})
	case status.StateDoneOK:
		a.json(w, http.StatusOK, statusResponse{
			JobID:       view.JobID,
			Status:      string(view.Status),
			CreatedAt:   view.CreatedAt,
			StartedAt:   view.StartedAt,
			CompletedAt: view.CompletedAt,
			ResultRef:   view.AccessRef,
			Metadata:    view.Metadata,
		})
	default:
		a.error(w, http.StatusInternalServerError, "internal", "unknown job state")
	}
}

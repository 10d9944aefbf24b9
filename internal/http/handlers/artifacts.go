package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genjobs/internal/domain"
)

// GetArtifact streams the artifact behind a minted access reference.
// The token carries the artifact key and its own expiry; no job store
// lookup happens here, so artifacts stay fetchable after the job record
// has been swept.
func (a *App) GetArtifact(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "token required")
		return
	}

	claims, err := a.Minter.Verify(token)
	if err != nil {
		if errors.Is(err, domain.ErrResultExpired) {
			a.error(w, http.StatusGone, "result_expired", "access reference expired")
			return
		}
		a.error(w, http.StatusNotFound, "not_found", "invalid access reference")
		return
	}

	data, err := a.Results.Read(r.Context(), claims.Key)
	if err != nil {
		if errors.Is(err, domain.ErrResultExpired) {
			a.error(w, http.StatusGone, "result_expired", "result expired")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", claims.JobID).Msg("artifact read failed")
		a.error(w, http.StatusInternalServerError, "internal", "artifact read failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package handlers

import (
	"net/http"
	"strconv"
)

// DeadLetters lists messages parked on the dead-letter queue for
// operator inspection.
func (a *App) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := a.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("dead letter inspection failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list dead letters")
		return
	}

	items := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, map[string]any{"job_id": msg.JobID})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

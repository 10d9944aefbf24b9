package handlers

import (
	"encoding/json"
	"net/http"

	"genjobs/internal/gateway"
	"genjobs/internal/infra"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
	"genjobs/internal/status"
)

// App bundles the handler dependencies. Everything is injected at
// construction; handlers hold no globals.
type App struct {
	Gateway *gateway.Gateway
	Status  *status.Service
	Results *resultstore.FileStore
	Minter  *resultstore.TokenMinter
	Queue   queue.Queue
	Logger  infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genjobs/internal/http/handlers"
	"genjobs/internal/middleware"
	"genjobs/internal/observability"
)

// Options tunes the router's middleware.
type Options struct {
	RateLimitPerMin int
}

// NewRouter wires the API surface.
func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(app.Logger))

	r.Get("/v1/healthz", app.Health)
	r.Method(stdhttp.MethodGet, "/metrics", observability.Handler())

	r.Route("/v1/generations", func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.Submit)
		} else {
			r.Post("/", app.Submit)
		}
		r.Get("/{job_id}", app.GetStatus)
	})

	r.Get("/v1/artifacts/{token}", app.GetArtifact)
	r.Get("/v1/deadletters", app.DeadLetters)

	return r
}

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genjobs/internal/infra"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genjobs_submitted_total",
		Help: "Submissions by outcome (created, replayed, rejected).",
	}, []string{"outcome"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genjobs_processed_total",
		Help: "Worker outcomes (completed, retried, failed, dropped).",
	}, []string{"outcome"})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "genjobs_generation_duration_seconds",
		Help:    "Wall-clock duration of generation attempts.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genjobs_dead_lettered_total",
		Help: "Messages parked on the dead-letter queue.",
	})

	SweptJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genjobs_swept_jobs_total",
		Help: "Job records removed by the TTL sweep.",
	})
)

// Handler returns the Prometheus scrape handler for mounting on a router.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer exposes /metrics on its own listener; used by the
// worker binary, which has no API router of its own.
func StartMetricsServer(addr string, logger infra.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

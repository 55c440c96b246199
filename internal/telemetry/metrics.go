package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UnitsStarted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_units_started_total", Help: "Stage executions started"})
	UnitsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_units_completed_total", Help: "Stage executions completed successfully"})
	UnitsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_units_failed_total", Help: "Stage executions that ended in error"})
	UnitsCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_units_cancelled_total", Help: "Stage executions cancelled by a caller"})
	ModelRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_model_retries_total", Help: "Retried model collaborator calls"})
	OCRSentinels     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_ocr_sentinels_total", Help: "Attachments replaced by a sentinel after exhausting extraction attempts"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_events_published_total", Help: "Progress events fanned out"})
	DedupFollowers   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dedup_followers_total", Help: "Requests attached to an in-flight owner"})
	DedupPromotions  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dedup_promotions_total", Help: "Followers promoted to owner after the wait timeout"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	ActiveSessions   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_active_sessions", Help: "Sessions currently executing"})
	StreamClients    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_stream_clients", Help: "Connected SSE subscribers"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UnitsStarted,
			UnitsCompleted,
			UnitsFailed,
			UnitsCancelled,
			ModelRetries,
			OCRSentinels,
			EventsPublished,
			DedupFollowers,
			DedupPromotions,
			RateLimitRejects,
			ActiveSessions,
			StreamClients,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	GradingStarted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "grading_started_total", Help: "Grading runs dispatched"}, []string{"trigger"})
	GradingCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_completed_total", Help: "Grading runs that produced a result"})
	GradingFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "grading_failed_total", Help: "Grading runs recorded as failed"}, []string{"kind"})
	GradingCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_cancelled_total", Help: "Grading runs cancelled by callers"})
	GradingSuperseded = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_superseded_total", Help: "Background writes discarded because a newer run owns the job"})
	GradingAccepted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_accepted_total", Help: "Results accepted as official grades"})
	PollAttempts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_poll_attempts_total", Help: "Status checks issued to the grading provider"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "grading_inflight", Help: "Background units currently running"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "grading_queue_depth", Help: "Tasks waiting in the Redis ready queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			GradingStarted,
			GradingCompleted,
			GradingFailed,
			GradingCancelled,
			GradingSuperseded,
			GradingAccepted,
			PollAttempts,
			RateLimitRejects,
			InFlightGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}

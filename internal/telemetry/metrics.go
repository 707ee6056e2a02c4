package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agent_jobs_submitted_total", Help: "Jobs accepted by the orchestrator"}, []string{"agent_type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agent_jobs_completed_total", Help: "Jobs finished successfully"}, []string{"agent_type"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agent_jobs_failed_total", Help: "Jobs permanently failed"}, []string{"agent_type"})
	JobsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agent_jobs_retried_total", Help: "Job attempts rescheduled with backoff"}, []string{"agent_type"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_rate_limit_rejects_total", Help: "Submissions rejected by the per-tenant rate limiter"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agent_queue_depth", Help: "Ready queue depth per agent type"}, []string{"agent_type"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agent_jobs_inflight", Help: "Jobs currently leased per agent type"}, []string{"agent_type"})

	MonitorTicks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "monitor_ticks_total", Help: "Monitoring ticks per outcome"}, []string{"outcome"})
	MonitorSkips       = prometheus.NewCounter(prometheus.CounterOpts{Name: "monitor_tick_skips_total", Help: "Ticks skipped because the prior tick was still running"})
	ResponsesDrafted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "email_responses_drafted_total", Help: "Email drafts created pending approval"})
	EscalationsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "escalations_created_total", Help: "Cases escalated for human handling"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			MonitorTicks,
			MonitorSkips,
			ResponsesDrafted,
			EscalationsCreated,
		)
	})
	return promhttp.Handler()
}

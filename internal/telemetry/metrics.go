package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_jobs_enqueued_total", Help: "Total jobs accepted for execution"})
	TasksSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_tasks_succeeded_total", Help: "Tasks completed successfully"})
	TasksFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_tasks_failed_total", Help: "Tasks terminally failed"})
	TasksRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_tasks_requeued_total", Help: "Tasks requeued with backoff"})
	WebhookDeliveries = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_webhook_deliveries_total", Help: "Inbound webhook completion signals"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "process_engine_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "process_engine_queue_depth", Help: "Ready task queue depth"})
	TasksRunning      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "process_engine_tasks_running", Help: "Tasks currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			TasksSucceeded,
			TasksFailed,
			TasksRequeued,
			WebhookDeliveries,
			RateLimitRejects,
			QueueDepth,
			TasksRunning,
		)
	})
	return promhttp.Handler()
}

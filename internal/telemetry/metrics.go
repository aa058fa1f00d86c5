package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulesMaterialized = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_materialized_total", Help: "Schedule firings turned into post groups"})
	PostsEnqueued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_enqueued_total", Help: "Post execution tasks enqueued"})
	PostsPublished        = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_published_total", Help: "Posts delivered successfully"})
	PostsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_failed_total", Help: "Posts that reached the failed state"})
	PostsRetried          = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_retried_total", Help: "Post attempts re-enqueued for retry"})
	NotificationsBatched  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_batched_total", Help: "Notifications recorded into batches"})
	BatchesFlushed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "notification_batches_flushed_total", Help: "Notification batch sends"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the per-owner rate limiter"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_ready_depth", Help: "Ready queue depth"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_inflight", Help: "Tasks currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulesMaterialized,
			PostsEnqueued,
			PostsPublished,
			PostsFailed,
			PostsRetried,
			NotificationsBatched,
			BatchesFlushed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

// Package metrics holds the process-wide Prometheus collectors and the HTTP
// instrumentation middleware.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotaDecisions counts quota checks by identity kind (device, user) and outcome (allowed, denied, error)
	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitroom_quota_decisions_total",
			Help: "Total number of quota consume decisions",
		},
		[]string{"identity", "outcome"},
	)

	// QuotaRefunds counts generations given back after an infrastructure failure
	QuotaRefunds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitroom_quota_refunds_total",
			Help: "Total number of refunded generation charges",
		},
	)

	// QuotaPurged counts limit rows removed by the cleanup job
	QuotaPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitroom_quota_purged_rows_total",
			Help: "Total number of expired limit rows purged",
		},
	)

	// GenerationsTotal counts try-on generations by status (succeeded, failed, unavailable)
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitroom_generations_total",
			Help: "Total number of try-on generation attempts",
		},
		[]string{"status"},
	)

	// GenerationDuration tracks time spent waiting on the generation provider
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fitroom_generation_duration_seconds",
			Help:    "Generation provider latency in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
	)

	// FeedbackTotal counts stored feedback submissions
	FeedbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitroom_feedback_total",
			Help: "Total number of feedback submissions",
		},
	)

	// NotificationsTotal counts relayed notifications by status (sent, failed, dropped)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitroom_notifications_total",
			Help: "Total number of feedback notifications relayed",
		},
		[]string{"status"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitroom_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency by method and route pattern
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fitroom_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

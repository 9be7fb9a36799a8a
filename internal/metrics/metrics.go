package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for ingestion, token handling, batch processing and notification dispatch.
var (
	SamplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_samples_ingested_total",
			Help: "Location samples received, by outcome (accepted or rejected)",
		},
		[]string{"outcome"},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_tokens_issued_total",
			Help: "Bearer tokens issued, by reason (login or renewal)",
		},
		[]string{"reason"},
	)

	TokenRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_token_rejections_total",
			Help: "Bearer tokens rejected, by reason",
		},
		[]string{"reason"},
	)

	BatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_batch_runs_total",
			Help: "Batch orchestrator runs, by outcome (skipped, completed or failed)",
		},
		[]string{"outcome"},
	)

	BatchStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rastel_batch_stage_duration_seconds",
			Help:    "Duration of each batch stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	BatchStageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_batch_stage_records_total",
			Help: "Records affected by each batch stage",
		},
		[]string{"stage"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_notifications_total",
			Help: "Exposure notifications, by outcome (sent, failed or skipped)",
		},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rastel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rastel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesIngestedTotal,
		TokensIssuedTotal,
		TokenRejectionsTotal,
		BatchRunsTotal,
		BatchStageDuration,
		BatchStageRecordsTotal,
		NotificationsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

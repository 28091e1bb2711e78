package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revmatch_build_info",
			Help: "Build information of the revmatch reconciler",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_http_requests_total",
			Help: "Total number of reporting-API HTTP requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	HTTPRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_http_retries_total",
			Help: "Total number of retried reporting-API HTTP requests",
		},
		[]string{"source"},
	)

	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_fetch_total",
			Help: "Total number of per-network breakdown fetches",
		},
		[]string{"network", "status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revmatch_fetch_duration_seconds",
			Help:    "Duration of per-network breakdown fetches",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"network"},
	)

	RunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_run_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revmatch_run_duration_seconds",
			Help:    "Duration of reconciliation runs end to end",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~2048s
		},
	)

	RowsExportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_rows_exported_total",
			Help: "Total number of comparison rows written to partitions",
		},
		[]string{"store"},
	)

	PartitionWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_partition_writes_total",
			Help: "Total number of partition snapshot writes",
		},
		[]string{"store", "status"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_alerts_total",
			Help: "Total number of alert payloads emitted",
		},
		[]string{"kind", "status"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revmatch_token_refresh_total",
			Help: "Total number of auth token refreshes",
		},
		[]string{"network", "status"},
	)
)

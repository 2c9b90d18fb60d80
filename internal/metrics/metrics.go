// Package metrics exposes process-local Prometheus instrumentation for
// the aggregation core. External telemetry sinks are out of scope; these
// exist for the daemon's own /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IssuesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "safehub_issues_active",
			Help: "Number of issues in the current aggregated view by severity",
		},
		[]string{"severity"},
	)

	IssuesDismissedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "safehub_issues_dismissed_total",
			Help: "Total number of issue dismissals",
		},
	)

	IssuesDedupFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "safehub_issues_dedup_filtered_total",
			Help: "Total number of duplicate issues suppressed by deduplication",
		},
	)

	SourceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safehub_source_errors_total",
			Help: "Total number of errors reported by sources",
		},
		[]string{"source"},
	)

	RefreshTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safehub_refresh_timeouts_total",
			Help: "Total number of source refreshes that timed out",
		},
		[]string{"source"},
	)

	ActionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safehub_action_duration_seconds",
			Help:    "Duration of remediation actions from mark to unmark",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)

	DismissalWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "safehub_dismissal_writes_total",
			Help: "Total number of dismissal snapshot writes to disk",
		},
	)
)

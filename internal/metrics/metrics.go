// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsweep_ai_call_latency_seconds",
			Help:    "AI service call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"purpose", "status"},
	)

	ClassificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_classifications_total",
			Help: "Classification results by outcome",
		},
		[]string{"outcome"}, // classified, unclassified, timeout, malformed, unavailable
	)

	EmailIngestedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_emails_ingested_total",
			Help: "Emails handled by the ingestion pipeline",
		},
		[]string{"status"}, // ingested, duplicate, failed
	)

	ArchiveCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_archive_total",
			Help: "Source archive attempts",
		},
		[]string{"status"},
	)

	SyncRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_sync_runs_total",
			Help: "Sync runs by result",
		},
		[]string{"result"}, // completed, skipped, failed
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsweep_sync_duration_seconds",
			Help:    "Duration of completed sync runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	UnsubscribeRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_unsubscribe_runs_total",
			Help: "Unsubscribe agent runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	UnsubscribeRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsweep_unsubscribe_run_duration_seconds",
			Help:    "Duration of unsubscribe agent runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	BrowserSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsweep_browser_sessions_active",
			Help: "Browser sessions currently open",
		},
	)

	BulkItemCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsweep_bulk_items_total",
			Help: "Bulk action items by action and status",
		},
		[]string{"action", "status"},
	)
)

// RecordAICallLatency records one AI service call
func RecordAICallLatency(purpose, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(purpose, status).Observe(duration.Seconds())
}

// IncrementClassification counts a classification outcome
func IncrementClassification(outcome string) {
	ClassificationCount.WithLabelValues(outcome).Inc()
}

// IncrementEmailIngested counts an email handled by ingestion
func IncrementEmailIngested(status string) {
	EmailIngestedCount.WithLabelValues(status).Inc()
}

// IncrementArchive counts a source archive attempt
func IncrementArchive(status string) {
	ArchiveCount.WithLabelValues(status).Inc()
}

// RecordSyncRun counts a sync run; duration is observed only for completed runs
func RecordSyncRun(result string, duration time.Duration) {
	SyncRunCount.WithLabelValues(result).Inc()
	if result == "completed" {
		SyncDuration.Observe(duration.Seconds())
	}
}

// RecordUnsubscribeRun counts an agent run by outcome
func RecordUnsubscribeRun(outcome string, duration time.Duration) {
	UnsubscribeRunCount.WithLabelValues(outcome).Inc()
	UnsubscribeRunDuration.Observe(duration.Seconds())
}

// IncrementBulkItem counts one bulk item
func IncrementBulkItem(action, status string) {
	BulkItemCount.WithLabelValues(action, status).Inc()
}

// Package metrics provides Prometheus metrics for synthd — counters,
// gauges, and histograms covering the task lifecycle, the credit
// ledger, and the credential pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted tracks admitted tasks by kind.
var TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "tasks_submitted_total",
	Help:      "Total tasks admitted past reservation.",
}, []string{"kind"})

// TasksCompleted tracks completed tasks by kind.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "tasks_completed_total",
	Help:      "Total successfully completed tasks.",
}, []string{"kind"})

// TasksFailed tracks failed tasks by kind.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"kind"})

// TasksCancelled tracks user- or admin-cancelled tasks by kind.
var TasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "tasks_cancelled_total",
	Help:      "Total cancelled tasks.",
}, []string{"kind"})

// TasksProcessing tracks tasks currently dispatched to an upstream.
var TasksProcessing = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "synthd",
	Name:      "tasks_processing",
	Help:      "Number of tasks currently processing upstream.",
})

// QueueDepth tracks the FIFO queue length per kind.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "synthd",
	Name:      "queue_depth",
	Help:      "Number of queued tasks per kind.",
}, []string{"kind"})

// UpstreamLatency tracks provider call duration in seconds.
var UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "synthd",
	Name:      "upstream_latency_seconds",
	Help:      "Upstream generation call duration in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"class"})

// ─── Credits ────────────────────────────────────────────────────────────────

// CreditsCharged tracks credits settled against completed work.
var CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "credits_charged_total",
	Help:      "Total credits charged at settlement.",
})

// CreditsRefunded tracks credits returned to their packages.
var CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "credits_refunded_total",
	Help:      "Total credits refunded on failure, cancellation, or under-consumption.",
})

// CreditsExpired tracks credits voided by package expiry.
var CreditsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "credits_expired_total",
	Help:      "Total credits voided by the expiry sweep.",
})

// ─── Credentials ────────────────────────────────────────────────────────────

// CredentialInUse tracks concurrent leases per credential.
var CredentialInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "synthd",
	Name:      "credential_in_use",
	Help:      "Concurrent upstream calls per credential.",
}, []string{"credential"})

// CredentialFailures tracks upstream failures attributed to a credential.
var CredentialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "credential_failures_total",
	Help:      "Total upstream failures per credential.",
}, []string{"credential"})

// ─── Reaper ─────────────────────────────────────────────────────────────────

// ArtifactsReaped tracks expired artifacts released by the reaper.
var ArtifactsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "synthd",
	Name:      "artifacts_reaped_total",
	Help:      "Total expired artifacts released.",
})

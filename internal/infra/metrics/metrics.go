// Package metrics provides Prometheus metrics for Ziggurat: task outcomes,
// quality and rewards, verification, settlement and registry sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ziggurat"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksTerminal counts tasks by terminal status.
var TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_terminal_total",
	Help:      "Tasks that reached a terminal status.",
}, []string{"status"})

// TasksActive tracks pipeline runs in flight.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of tasks currently in the pipeline.",
})

// TaskDuration tracks one pipeline run end to end.
var TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Pipeline run duration in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
})

// QueueDepth tracks tasks waiting in the intake queue.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Discovered tasks not yet claimed by a worker.",
})

// ─── Quality & Rewards ──────────────────────────────────────────────────────

// QualityOverall tracks the distribution of overall quality scores.
var QualityOverall = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "quality_overall",
	Help:      "Overall quality score of scored explanations.",
	Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
})

// RewardsQuoted counts quotes by tier.
var RewardsQuoted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "rewards_quoted_total",
	Help:      "Reward quotes issued, by tier.",
}, []string{"tier"})

// ─── Verification ───────────────────────────────────────────────────────────

// Attestations counts network answers by outcome (agree, disagree, error).
var Attestations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "verification_attestations_total",
	Help:      "Attestations recorded, by network and outcome.",
}, []string{"network", "outcome"})

// VerificationDecisions counts finalized verification rounds.
var VerificationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "verification_decisions_total",
	Help:      "Verification rounds finalized, by outcome.",
}, []string{"outcome"})

// VerificationLatency tracks time from fan-out to decision.
var VerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "verification_latency_seconds",
	Help:      "Time from fan-out to finalization.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

// ─── Settlement ─────────────────────────────────────────────────────────────

// SettlementAttempts counts dispatch outcomes per rail.
var SettlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "settlement_attempts_total",
	Help:      "Settlement dispatches, by rail and outcome.",
}, []string{"rail", "outcome"})

// SettledAmount sums settled rewards in whole units per currency.
var SettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "settlement_amount_total",
	Help:      "Settled reward volume in whole currency units.",
}, []string{"currency"})

// PaymentsByStatus tracks the payment ledger by status.
var PaymentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "payments",
	Help:      "Payment records by status.",
}, []string{"status"})

// ─── Registry Sync ──────────────────────────────────────────────────────────

// RegistrySync counts sync attempts per registry.
var RegistrySync = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "registry_sync_total",
	Help:      "Registry sync attempts, by registry and outcome.",
}, []string{"registry", "outcome"})

// ─── Health ─────────────────────────────────────────────────────────────────

// UptimeSeconds tracks daemon uptime.
var UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "uptime_seconds",
	Help:      "Daemon uptime in seconds.",
})

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestTaskMetrics(t *testing.T) {
	TasksTerminal.WithLabelValues("COMPLETED").Inc()
	TasksActive.Set(2)
	TaskDuration.Observe(0.3)
	QueueDepth.Set(5)

	names := gatheredNames(t)
	for _, want := range []string{
		"ziggurat_tasks_terminal_total",
		"ziggurat_tasks_active",
		"ziggurat_task_duration_seconds",
		"ziggurat_queue_depth",
	} {
		if !names[want] {
			t.Errorf("%s not found in gathered metrics", want)
		}
	}
}

func TestVerificationAndSettlementMetrics(t *testing.T) {
	QualityOverall.Observe(0.9)
	RewardsQuoted.WithLabelValues("GOLD").Inc()
	Attestations.WithLabelValues("icp", "agree").Inc()
	VerificationDecisions.WithLabelValues("consensus").Inc()
	VerificationLatency.Observe(0.2)
	SettlementAttempts.WithLabelValues("usd", "settled").Inc()
	SettledAmount.WithLabelValues("USD").Add(100)
	PaymentsByStatus.WithLabelValues("SETTLED").Set(1)
	RegistrySync.WithLabelValues("primary", "ok").Inc()
	UptimeSeconds.Set(60)

	names := gatheredNames(t)
	for _, want := range []string{
		"ziggurat_quality_overall",
		"ziggurat_rewards_quoted_total",
		"ziggurat_verification_attestations_total",
		"ziggurat_verification_decisions_total",
		"ziggurat_verification_latency_seconds",
		"ziggurat_settlement_attempts_total",
		"ziggurat_settlement_amount_total",
		"ziggurat_payments",
		"ziggurat_registry_sync_total",
		"ziggurat_uptime_seconds",
	} {
		if !names[want] {
			t.Errorf("%s not found in gathered metrics", want)
		}
	}
}

// Package domain holds the engine's pure types, sentinel errors and
// collaborator interfaces.
//
// A Task flows through the pipeline as
// pull → explain → score → quote → verify → settle → record.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// ComplexityTier scales the base reward of a task.
type ComplexityTier string

const (
	ComplexityLow    ComplexityTier = "low"
	ComplexityMedium ComplexityTier = "medium"
	ComplexityHigh   ComplexityTier = "high"
)

// Valid returns true for the three known tiers.
func (c ComplexityTier) Valid() bool {
	return c == ComplexityLow || c == ComplexityMedium || c == ComplexityHigh
}

// ParseComplexityTier converts a config/input string into a tier.
func ParseComplexityTier(s string) (ComplexityTier, error) {
	c := ComplexityTier(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownComplexity, s)
	}
	return c, nil
}

// Task is immutable once pulled from the marketplace.
type Task struct {
	ID                string         `json:"id" validate:"required,max=128"`
	AgentID           string         `json:"agent_id,omitempty"`
	InputData         map[string]any `json:"input_data" validate:"required,min=1,maxinput"`
	ComplexityTier    ComplexityTier `json:"complexity_tier" validate:"required,oneof=low medium high"`
	RequestedCurrency string         `json:"requested_currency" validate:"required,uppercase,min=2,max=10"`
	DiscoveredAt      time.Time      `json:"discovered_at"`
}

// FeatureNames returns the top-level input keys in sorted order.
func (t *Task) FeatureNames() []string {
	names := make([]string, 0, len(t.InputData))
	for k := range t.InputData {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// QueueState tracks a task inside the local intake queue.
type QueueState string

const (
	QueueDiscovered QueueState = "DISCOVERED"
	QueueProcessing QueueState = "PROCESSING"
	QueueDone       QueueState = "DONE"
)

// TaskStatus is the terminal status of a processed task.
type TaskStatus string

const (
	StatusCompleted                TaskStatus = "COMPLETED"
	StatusZeroReward               TaskStatus = "ZERO_REWARD"
	StatusVerificationInconclusive TaskStatus = "VERIFICATION_INCONCLUSIVE"
	StatusSettlementFailed         TaskStatus = "SETTLEMENT_FAILED"
	StatusExplainerFailed          TaskStatus = "EXPLAINER_FAILED"
)

// TaskRecord is the persisted outcome of one pipeline run. Exactly one exists
// per task and its presence makes the task terminal.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Status      TaskStatus      `json:"status"`
	Metrics     *QualityMetrics `json:"metrics,omitempty"`
	Quote       *RewardQuote    `json:"quote,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`

	// Verification outcome as known when the record was written. A nil
	// Consensus means verification was still running at the grace deadline.
	Consensus *bool `json:"consensus,omitempty"`

	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Duration returns how long the pipeline run took.
func (r *TaskRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

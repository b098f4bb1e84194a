package domain

import (
	"sort"
	"time"
)

// QualityHistoryWindow bounds the rolling quality history kept per agent.
const QualityHistoryWindow = 50

// VersionedAmount is a last-write-wins register for a reward total.
type VersionedAmount struct {
	Value   Amount `json:"value"`
	Version uint64 `json:"version"`
}

// VersionedHistory is a last-write-wins register for the quality window.
type VersionedHistory struct {
	Values  []float64 `json:"values"`
	Version uint64    `json:"version"`
}

// AgentProfile is process-wide shared state owned by the registry sync. It is
// never deleted, only merged.
type AgentProfile struct {
	AgentID          string           `json:"agent_id"`
	Capabilities     []string         `json:"capabilities"`
	CumulativeReward VersionedAmount  `json:"cumulative_reward"`
	QualityHistory   VersionedHistory `json:"quality_history"`

	// LastSyncedAt is keyed by registry name.
	LastSyncedAt map[string]time.Time `json:"last_synced_at,omitempty"`

	// Revision is the local storage CAS counter, not a field version.
	Revision int64 `json:"-"`
}

// NewAgentProfile returns an empty profile for agentID.
func NewAgentProfile(agentID string, capabilities []string) AgentProfile {
	return AgentProfile{
		AgentID:      agentID,
		Capabilities: UnionCapabilities(nil, capabilities),
		LastSyncedAt: make(map[string]time.Time),
	}
}

// MaxVersion returns the highest field version carried by the profile.
func (p *AgentProfile) MaxVersion() uint64 {
	return max(p.CumulativeReward.Version, p.QualityHistory.Version)
}

// AppendQuality pushes a score onto the bounded window.
func AppendQuality(history []float64, score float64) []float64 {
	out := append(append([]float64(nil), history...), score)
	if len(out) > QualityHistoryWindow {
		out = out[len(out)-QualityHistoryWindow:]
	}
	return out
}

// UnionCapabilities returns the sorted, de-duplicated union of both sets.
func UnionCapabilities(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, set := range [][]string{a, b} {
		for _, c := range set {
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// RegistryView is an external registry's copy of a profile.
type RegistryView struct {
	Registry string       `json:"registry"`
	Profile  AgentProfile `json:"profile"`
	// Revision is the registry's own storage revision, used for CAS on push.
	Revision uint64 `json:"revision"`
}

// AgentStats are locally computed figures the sync folds into the profile.
type AgentStats struct {
	CumulativeReward Amount
	RecentQuality    []float64
}

package domain

import (
	"sort"
	"time"
)

// DefaultConsensusThreshold is the fraction of configured networks that must agree.
const DefaultConsensusThreshold = 2.0 / 3.0

// Attestation is one network's answer (or failure to answer) for a fingerprint.
type Attestation struct {
	NetworkID   string    `json:"network_id"`
	Agree       bool      `json:"agree"`
	RespondedAt time.Time `json:"responded_at"`
	Error       string    `json:"error,omitempty"`
	Round       int       `json:"round"`
}

// Answered reports whether the network produced a verdict (agree or disagree).
func (a Attestation) Answered() bool {
	return a.Error == ""
}

// VerificationRecord collects attestations for one explanation fingerprint.
// Attestations are append-only; ConsensusAchieved=true is never reverted.
type VerificationRecord struct {
	TaskID            string        `json:"task_id"`
	Fingerprint       string        `json:"fingerprint"`
	Attestations      []Attestation `json:"attestations"`
	ConsensusAchieved bool          `json:"consensus_achieved"`
	Threshold         float64       `json:"threshold"`
	Round             int           `json:"round"`
	DecidedAt         time.Time     `json:"decided_at,omitempty"`
}

// Decided reports whether the current round has been finalized.
func (r *VerificationRecord) Decided() bool {
	return !r.DecidedAt.IsZero()
}

// Latest returns the most recent attestation per network, in arrival order of
// those attestations.
func (r *VerificationRecord) Latest() map[string]Attestation {
	out := make(map[string]Attestation, len(r.Attestations))
	for _, a := range r.Attestations {
		out[a.NetworkID] = a
	}
	return out
}

// AnsweredNetworks returns the sorted IDs of networks that already gave a verdict.
func (r *VerificationRecord) AnsweredNetworks() []string {
	var ids []string
	for id, a := range r.Latest() {
		if a.Answered() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tally counts agreeing answers among the given configured networks.
func (r *VerificationRecord) Tally(configured []string) (agree, answered int) {
	latest := r.Latest()
	for _, id := range configured {
		a, ok := latest[id]
		if !ok || !a.Answered() {
			continue
		}
		answered++
		if a.Agree {
			agree++
		}
	}
	return agree, answered
}

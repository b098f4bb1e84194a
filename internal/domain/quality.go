package domain

import "encoding/json"

// ScoringVersion identifies the weight set below. Changing any weight changes
// reward economics and must bump this version.
const ScoringVersion = "v1"

// Fixed weights of the overall quality score.
const (
	WeightClarity       = 0.25
	WeightCompleteness  = 0.25
	WeightAccuracy      = 0.30
	WeightVerifiability = 0.15
	WeightNovelty       = 0.05
)

// QualityMetrics are the per-dimension scores of one explanation, each in [0,1].
// Overall is derived on every call and never stored independently of its inputs.
type QualityMetrics struct {
	Clarity            float64 `json:"clarity"`
	Completeness       float64 `json:"completeness"`
	Accuracy           float64 `json:"accuracy"`
	VerifiabilityBonus float64 `json:"verifiability_bonus"`
	NoveltyBonus       float64 `json:"novelty_bonus"`
	Version            string  `json:"version"`
}

// Overall returns the fixed weighted sum of the dimensions.
func (m QualityMetrics) Overall() float64 {
	return WeightClarity*m.Clarity +
		WeightCompleteness*m.Completeness +
		WeightAccuracy*m.Accuracy +
		WeightVerifiability*m.VerifiabilityBonus +
		WeightNovelty*m.NoveltyBonus
}

// WithVerification returns a copy with the verifiability bonus set from the
// consensus outcome. This is the only field filled after scoring; callers must
// read Overall again afterwards.
func (m QualityMetrics) WithVerification(consensusAchieved bool) QualityMetrics {
	if consensusAchieved {
		m.VerifiabilityBonus = 1.0
	} else {
		m.VerifiabilityBonus = 0
	}
	return m
}

// MarshalJSON adds the derived overall score for reporting. It is ignored on decode.
func (m QualityMetrics) MarshalJSON() ([]byte, error) {
	type plain QualityMetrics
	return json.Marshal(struct {
		plain
		Overall float64 `json:"overall"`
	}{plain(m), m.Overall()})
}

// Package quality scores explanations against the fixed rubric.
//
// Score is pure and deterministic: no I/O, no clock, no randomness. The
// verifiability bonus is always zero here; it is filled in after verification
// with QualityMetrics.WithVerification and Overall must be read again then.
package quality

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/tutu-network/ziggurat/internal/domain"
)

const (
	// trivialWeight is the magnitude below which an attribution does not count
	// as a contributing feature for novelty.
	trivialWeight = 0.01

	// noveltySaturation is the number of evenly weighted features at which the
	// novelty bonus reaches 1.
	noveltySaturation = 8

	// fallbackFeatureCount is the coverage denominator used when the input
	// feature list is unknown.
	fallbackFeatureCount = 5
)

var (
	statementSplit = regexp.MustCompile(`[.!?;]+(?:\s+|$)|\n+`)
	hasNumber      = regexp.MustCompile(`\d`)
	hedgeWords     = regexp.MustCompile(`(?i)\b(maybe|might|perhaps|possibly|probably|unclear|somewhat|seems?|could|likely|unknown|generic)\b`)
)

// Score computes the quality metrics of one explanation.
func Score(r domain.ExplanationResult) (domain.QualityMetrics, error) {
	if err := Validate(r); err != nil {
		return domain.QualityMetrics{}, err
	}

	attributions := r.FeatureAttributions()
	return domain.QualityMetrics{
		Clarity:      Clarity(r.Reasoning, attributions),
		Completeness: Completeness(r.InputFeatures, attributions),
		Accuracy:     Accuracy(r.Confidence, r.GroundTruth),
		NoveltyBonus: Novelty(attributions),
		Version:      domain.ScoringVersion,
	}, nil
}

// Validate rejects explanations the rubric cannot score.
func Validate(r domain.ExplanationResult) error {
	if r.Detail == nil {
		return fmt.Errorf("%w: missing explanation detail", domain.ErrInvalidExplanation)
	}
	attributions := r.FeatureAttributions()
	if len(attributions) == 0 {
		return fmt.Errorf("%w: feature attributions are empty", domain.ErrInvalidExplanation)
	}
	if !inUnit(r.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", domain.ErrInvalidExplanation, r.Confidence)
	}
	if r.GroundTruth != nil && !inUnit(*r.GroundTruth) {
		return fmt.Errorf("%w: ground truth %v outside [0,1]", domain.ErrInvalidExplanation, *r.GroundTruth)
	}
	for name, w := range attributions {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: attribution %q is not finite", domain.ErrInvalidExplanation, name)
		}
	}
	return nil
}

// Clarity is the share of reasoning statements that are concrete: quantified
// or naming an attributed feature, and free of hedging.
func Clarity(reasoning string, attributions map[string]float64) float64 {
	statements := splitStatements(reasoning)
	if len(statements) == 0 {
		return 0
	}

	concrete := 0
	for _, s := range statements {
		if hedgeWords.MatchString(s) {
			continue
		}
		if hasNumber.MatchString(s) || mentionsFeature(s, attributions) {
			concrete++
		}
	}
	return float64(concrete) / float64(len(statements))
}

// Completeness is the fraction of input features that carry a non-zero
// attribution, capped at 1. Without a feature list it falls back to coverage
// of a nominal five features.
func Completeness(inputFeatures []string, attributions map[string]float64) float64 {
	if len(inputFeatures) == 0 {
		return math.Min(float64(nonZero(attributions))/fallbackFeatureCount, 1)
	}

	referenced := 0
	seen := make(map[string]bool, len(inputFeatures))
	for _, f := range inputFeatures {
		if seen[f] {
			continue
		}
		seen[f] = true
		if w, ok := attributions[f]; ok && w != 0 {
			referenced++
		}
	}
	return math.Min(float64(referenced)/float64(len(seen)), 1)
}

// Accuracy is agreement with the ground truth when present, else confidence.
func Accuracy(confidence float64, groundTruth *float64) float64 {
	if groundTruth == nil {
		return confidence
	}
	return clamp01(1 - math.Abs(confidence-*groundTruth))
}

// Novelty is the Shannon entropy of the non-trivial attribution magnitudes,
// normalized so that noveltySaturation evenly weighted features score 1.
func Novelty(attributions map[string]float64) float64 {
	var weights []float64
	for _, w := range attributions {
		if a := math.Abs(w); a >= trivialWeight {
			weights = append(weights, a)
		}
	}
	// Map order is random; summing in sorted order keeps the result bit-exact.
	sort.Float64s(weights)
	var total float64
	for _, w := range weights {
		total += w
	}
	if len(weights) < 2 || total == 0 {
		return 0
	}

	var entropy float64
	for _, w := range weights {
		p := w / total
		entropy -= p * math.Log(p)
	}
	return clamp01(entropy / math.Log(noveltySaturation))
}

func splitStatements(text string) []string {
	var out []string
	for _, s := range statementSplit.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mentionsFeature(statement string, attributions map[string]float64) bool {
	lower := strings.ToLower(statement)
	for name := range attributions {
		n := strings.ToLower(name)
		if n == "" {
			continue
		}
		if strings.Contains(lower, n) || strings.Contains(lower, strings.ReplaceAll(n, "_", " ")) {
			return true
		}
	}
	return false
}

func nonZero(attributions map[string]float64) int {
	n := 0
	for _, w := range attributions {
		if w != 0 {
			n++
		}
	}
	return n
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

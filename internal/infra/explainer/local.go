package explainer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Local Explainer (no external service) ──────────────────────────────────

// Local derives a deterministic explanation from the input itself: numeric
// features are attributed by their share of the total magnitude and the
// reasoning names the strongest ones. It lets a node run end to end without
// an explainer endpoint.
type Local struct {
	method domain.ExplanationMethod
}

// NewLocal creates a local explainer producing the given variant.
func NewLocal(method domain.ExplanationMethod) *Local {
	if method == "" {
		method = domain.MethodSHAP
	}
	return &Local{method: method}
}

// Explain implements domain.Explainer.
func (l *Local) Explain(ctx context.Context, input map[string]any) (domain.ExplanationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExplanationResult{}, fmt.Errorf("%w: %w", domain.ErrExplainerUnavailable, err)
	}

	weights := make(map[string]float64, len(input))
	var total float64
	for k, v := range input {
		if f, ok := numeric(v); ok && f != 0 {
			weights[k] = math.Abs(f)
			total += math.Abs(f)
		}
	}
	if total == 0 {
		return domain.ExplanationResult{}, fmt.Errorf("%w: no numeric features to attribute", domain.ErrExplainerUnavailable)
	}
	for k := range weights {
		weights[k] = math.Round(weights[k]/total*1e4) / 1e4
	}

	names := make([]string, 0, len(weights))
	for k := range weights {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if weights[names[i]] != weights[names[j]] {
			return weights[names[i]] > weights[names[j]]
		}
		return names[i] < names[j]
	})

	var sentences []string
	for i, name := range names {
		if i == 3 {
			break
		}
		sentences = append(sentences, fmt.Sprintf("%s contributes %.0f%% of the decision.",
			strings.ReplaceAll(name, "_", " "), weights[name]*100))
	}

	// Confidence grows with how concentrated the attribution is.
	top := weights[names[0]]
	confidence := math.Round((0.5+0.5*top)*1e4) / 1e4

	return domain.ExplanationResult{
		Prediction: "SCORED",
		Confidence: confidence,
		Reasoning:  strings.Join(sentences, " "),
		Detail:     l.detail(weights),
	}, nil
}

func (l *Local) detail(w map[string]float64) domain.Explanation {
	switch l.method {
	case domain.MethodLIME:
		return domain.LIMEExplanation{LocalFit: 1, Weights: w}
	case domain.MethodGradient:
		return domain.GradientExplanation{Saliency: w}
	case domain.MethodAttention:
		return domain.AttentionExplanation{Heads: 1, Weights: w}
	default:
		return domain.SHAPExplanation{Values: w}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ExplanationMethod names the technique that produced the attributions.
type ExplanationMethod string

const (
	MethodSHAP      ExplanationMethod = "shap"
	MethodLIME      ExplanationMethod = "lime"
	MethodGradient  ExplanationMethod = "gradient"
	MethodAttention ExplanationMethod = "attention"
)

// Explanation is a closed union: only the variants in this file implement it.
type Explanation interface {
	Method() ExplanationMethod
	// Attributions returns feature name → signed weight. Weights need not sum to 1.
	Attributions() map[string]float64
	sealed()
}

// SHAPExplanation carries Shapley values relative to a base value.
type SHAPExplanation struct {
	BaseValue float64            `json:"base_value"`
	Values    map[string]float64 `json:"values"`
}

func (SHAPExplanation) Method() ExplanationMethod          { return MethodSHAP }
func (e SHAPExplanation) Attributions() map[string]float64 { return e.Values }
func (SHAPExplanation) sealed()                            {}

// LIMEExplanation carries the weights of a local surrogate model.
type LIMEExplanation struct {
	Intercept float64            `json:"intercept"`
	LocalFit  float64            `json:"local_fit"`
	Weights   map[string]float64 `json:"weights"`
}

func (LIMEExplanation) Method() ExplanationMethod          { return MethodLIME }
func (e LIMEExplanation) Attributions() map[string]float64 { return e.Weights }
func (LIMEExplanation) sealed()                            {}

// GradientExplanation carries input-gradient saliency per feature.
type GradientExplanation struct {
	Saliency map[string]float64 `json:"saliency"`
}

func (GradientExplanation) Method() ExplanationMethod          { return MethodGradient }
func (e GradientExplanation) Attributions() map[string]float64 { return e.Saliency }
func (GradientExplanation) sealed()                            {}

// AttentionExplanation carries attention mass aggregated per feature.
type AttentionExplanation struct {
	Heads   int                `json:"heads"`
	Weights map[string]float64 `json:"weights"`
}

func (AttentionExplanation) Method() ExplanationMethod          { return MethodAttention }
func (e AttentionExplanation) Attributions() map[string]float64 { return e.Weights }
func (AttentionExplanation) sealed()                            {}

// ExplanationResult is the output of the external Explainer. It is never
// mutated after the pipeline receives it.
type ExplanationResult struct {
	Prediction string
	Confidence float64
	Reasoning  string
	Detail     Explanation

	// InputFeatures lists the features of the task input. The pipeline fills
	// it from the task when the explainer leaves it empty.
	InputFeatures []string

	// GroundTruth is an optional external accuracy signal in [0,1].
	GroundTruth *float64
}

// FeatureAttributions returns the attribution map of the concrete variant.
func (r ExplanationResult) FeatureAttributions() map[string]float64 {
	if r.Detail == nil {
		return nil
	}
	return r.Detail.Attributions()
}

// Method returns the variant's method, or "" when Detail is missing.
func (r ExplanationResult) Method() ExplanationMethod {
	if r.Detail == nil {
		return ""
	}
	return r.Detail.Method()
}

type explanationWire struct {
	Prediction    string            `json:"prediction"`
	Confidence    float64           `json:"confidence"`
	Reasoning     string            `json:"reasoning"`
	Method        ExplanationMethod `json:"method"`
	Detail        json.RawMessage   `json:"detail"`
	InputFeatures []string          `json:"input_features,omitempty"`
	GroundTruth   *float64          `json:"ground_truth,omitempty"`
}

// MarshalJSON encodes the variant under "method" + "detail".
func (r ExplanationResult) MarshalJSON() ([]byte, error) {
	if r.Detail == nil {
		return nil, fmt.Errorf("%w: missing explanation detail", ErrInvalidExplanation)
	}
	detail, err := json.Marshal(r.Detail)
	if err != nil {
		return nil, err
	}
	features := append([]string(nil), r.InputFeatures...)
	sort.Strings(features)
	return json.Marshal(explanationWire{
		Prediction:    r.Prediction,
		Confidence:    r.Confidence,
		Reasoning:     r.Reasoning,
		Method:        r.Detail.Method(),
		Detail:        detail,
		InputFeatures: features,
		GroundTruth:   r.GroundTruth,
	})
}

// UnmarshalJSON decodes a known variant; unknown methods are rejected.
func (r *ExplanationResult) UnmarshalJSON(data []byte) error {
	var w explanationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var detail Explanation
	switch w.Method {
	case MethodSHAP:
		var d SHAPExplanation
		if err := json.Unmarshal(w.Detail, &d); err != nil {
			return fmt.Errorf("decode shap detail: %w", err)
		}
		detail = d
	case MethodLIME:
		var d LIMEExplanation
		if err := json.Unmarshal(w.Detail, &d); err != nil {
			return fmt.Errorf("decode lime detail: %w", err)
		}
		detail = d
	case MethodGradient:
		var d GradientExplanation
		if err := json.Unmarshal(w.Detail, &d); err != nil {
			return fmt.Errorf("decode gradient detail: %w", err)
		}
		detail = d
	case MethodAttention:
		var d AttentionExplanation
		if err := json.Unmarshal(w.Detail, &d); err != nil {
			return fmt.Errorf("decode attention detail: %w", err)
		}
		detail = d
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidExplanation, w.Method)
	}

	*r = ExplanationResult{
		Prediction:    w.Prediction,
		Confidence:    w.Confidence,
		Reasoning:     w.Reasoning,
		Detail:        detail,
		InputFeatures: w.InputFeatures,
		GroundTruth:   w.GroundTruth,
	}
	return nil
}

// Fingerprint returns the SHA-256 hex digest of the canonical JSON encoding.
// encoding/json sorts map keys, so equal results always hash equally.
func (r ExplanationResult) Fingerprint() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

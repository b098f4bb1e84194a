package quality

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/tutu-network/ziggurat/internal/domain"
)

const eps = 1e-9

func loanExplanation() domain.ExplanationResult {
	return domain.ExplanationResult{
		Prediction: "APPROVED",
		Confidence: 0.9,
		Reasoning: "Loan approval based on strong credit profile. " +
			"Credit score of 720 is the strongest positive factor. " +
			"Income covers the debt_ratio comfortably.",
		Detail: domain.SHAPExplanation{
			BaseValue: 0.5,
			Values: map[string]float64{
				"credit_score":      0.45,
				"income":            0.28,
				"employment_length": 0.22,
				"debt_ratio":        -0.15,
			},
		},
		InputFeatures: []string{"credit_score", "income", "employment_length", "debt_ratio", "zip_code"},
	}
}

// ─── Score ──────────────────────────────────────────────────────────────────

func TestScore_Deterministic(t *testing.T) {
	r := loanExplanation()
	first, err := Score(r)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Score(r)
		if err != nil {
			t.Fatalf("Score() error: %v", err)
		}
		if again != first {
			t.Fatalf("Score() run %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestScore_DeterministicManyFeatures(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 50; n++ {
		values := make(map[string]float64, 20)
		features := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			name := fmt.Sprintf("f%02d", i)
			// Mixed magnitudes make float addition order visible.
			values[name] = (rng.Float64() - 0.5) * math.Pow(10, float64(rng.Intn(7)-3))
			features = append(features, name)
		}
		r := domain.ExplanationResult{
			Prediction:    "APPROVED",
			Confidence:    rng.Float64(),
			Reasoning:     "f01 is 3 points higher. f02 dominates.",
			Detail:        domain.SHAPExplanation{Values: values},
			InputFeatures: features,
		}

		first, err := Score(r)
		if err != nil {
			t.Fatalf("Score() error: %v", err)
		}
		want := math.Float64bits(first.Overall())
		for i := 0; i < 100; i++ {
			again, _ := Score(r)
			if got := math.Float64bits(again.Overall()); got != want {
				t.Fatalf("input %d run %d: Overall bits %x, want %x", n, i, got, want)
			}
		}
	}
}

func TestScore_LoanExample(t *testing.T) {
	m, err := Score(loanExplanation())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if math.Abs(m.Clarity-2.0/3.0) > eps {
		t.Errorf("Clarity = %v, want 2/3", m.Clarity)
	}
	if math.Abs(m.Completeness-0.8) > eps {
		t.Errorf("Completeness = %v, want 0.8", m.Completeness)
	}
	if m.Accuracy != 0.9 {
		t.Errorf("Accuracy = %v, want 0.9", m.Accuracy)
	}
	if m.VerifiabilityBonus != 0 {
		t.Errorf("VerifiabilityBonus = %v, want 0 before verification", m.VerifiabilityBonus)
	}
	if m.NoveltyBonus <= 0 || m.NoveltyBonus >= 1 {
		t.Errorf("NoveltyBonus = %v, want in (0,1)", m.NoveltyBonus)
	}
	if m.Version != domain.ScoringVersion {
		t.Errorf("Version = %q, want %q", m.Version, domain.ScoringVersion)
	}
}

func TestScore_VerificationRecomputesOverall(t *testing.T) {
	m, err := Score(loanExplanation())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	before := m.Overall()
	after := m.WithVerification(true).Overall()
	if math.Abs(after-before-domain.WeightVerifiability) > eps {
		t.Errorf("Overall delta = %v, want %v", after-before, domain.WeightVerifiability)
	}
	if m.WithVerification(true).WithVerification(false).Overall() != before {
		t.Error("clearing the bonus should restore the pre-verification overall")
	}
}

func TestScore_InvalidExplanation(t *testing.T) {
	nan := math.NaN()
	badTruth := 1.5
	tests := []struct {
		name   string
		mutate func(*domain.ExplanationResult)
	}{
		{"nil detail", func(r *domain.ExplanationResult) { r.Detail = nil }},
		{"empty attributions", func(r *domain.ExplanationResult) {
			r.Detail = domain.LIMEExplanation{Weights: map[string]float64{}}
		}},
		{"confidence above 1", func(r *domain.ExplanationResult) { r.Confidence = 1.2 }},
		{"confidence below 0", func(r *domain.ExplanationResult) { r.Confidence = -0.1 }},
		{"confidence NaN", func(r *domain.ExplanationResult) { r.Confidence = nan }},
		{"ground truth out of range", func(r *domain.ExplanationResult) { r.GroundTruth = &badTruth }},
		{"non-finite weight", func(r *domain.ExplanationResult) {
			r.Detail = domain.GradientExplanation{Saliency: map[string]float64{"a": math.Inf(1)}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := loanExplanation()
			tt.mutate(&r)
			_, err := Score(r)
			if !errors.Is(err, domain.ErrInvalidExplanation) {
				t.Errorf("Score() error = %v, want ErrInvalidExplanation", err)
			}
		})
	}
}

func TestScore_BoundaryConfidenceAccepted(t *testing.T) {
	for _, c := range []float64{0, 1} {
		r := loanExplanation()
		r.Confidence = c
		if _, err := Score(r); err != nil {
			t.Errorf("Score(confidence=%v) error: %v", c, err)
		}
	}
}

// ─── Dimensions ─────────────────────────────────────────────────────────────

func TestClarity(t *testing.T) {
	attrs := map[string]float64{"transaction_amount": 0.65, "location": 0.05}
	tests := []struct {
		name      string
		reasoning string
		want      float64
	}{
		{"empty", "", 0},
		{"all concrete", "Amount exceeds the normal range by 340%. The location is unusual.", 1},
		{"hedged", "This might be fraud. Perhaps the location matters.", 0},
		{"vague", "Generic explanation for unknown data type.", 0},
		{"mixed", "Transaction amount is 4x the median; it seems odd", 0.5},
		{"decimal does not split", "Score of 0.45 drives the result.", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clarity(tt.reasoning, attrs)
			if math.Abs(got-tt.want) > eps {
				t.Errorf("Clarity(%q) = %v, want %v", tt.reasoning, got, tt.want)
			}
		})
	}
}

func TestCompleteness(t *testing.T) {
	attrs := map[string]float64{"a": 0.5, "b": 0.2, "c": 0}
	tests := []struct {
		name     string
		features []string
		attrs    map[string]float64
		want     float64
	}{
		{"half referenced", []string{"a", "b", "c", "d"}, attrs, 0.5},
		{"zero weight ignored", []string{"c"}, attrs, 0},
		{"duplicate inputs counted once", []string{"a", "a"}, attrs, 1},
		{"fallback coverage", nil, attrs, 0.4},
		{"fallback capped", nil, map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Completeness(tt.features, tt.attrs)
			if math.Abs(got-tt.want) > eps {
				t.Errorf("Completeness() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccuracy(t *testing.T) {
	if got := Accuracy(0.7, nil); got != 0.7 {
		t.Errorf("Accuracy(0.7, nil) = %v, want 0.7", got)
	}
	truth := 0.8
	if got := Accuracy(0.9, &truth); math.Abs(got-0.9) > eps {
		t.Errorf("Accuracy(0.9, 0.8) = %v, want 0.9", got)
	}
	zero := 0.0
	if got := Accuracy(1, &zero); got != 0 {
		t.Errorf("Accuracy(1, 0) = %v, want 0", got)
	}
}

func TestNovelty(t *testing.T) {
	if got := Novelty(map[string]float64{"only": 1}); got != 0 {
		t.Errorf("single feature novelty = %v, want 0", got)
	}
	if got := Novelty(map[string]float64{"a": 1, "b": 0.001}); got != 0 {
		t.Errorf("trivial second feature novelty = %v, want 0", got)
	}

	even := make(map[string]float64)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		even[k] = 0.125
	}
	if got := Novelty(even); math.Abs(got-1) > eps {
		t.Errorf("eight even features novelty = %v, want 1", got)
	}

	two := Novelty(map[string]float64{"a": 0.5, "b": -0.5})
	four := Novelty(map[string]float64{"a": 0.25, "b": -0.25, "c": 0.25, "d": 0.25})
	if !(four > two && two > 0) {
		t.Errorf("novelty should grow with distinct features: two=%v four=%v", two, four)
	}

	skewed := Novelty(map[string]float64{"a": 0.9, "b": 0.05, "c": 0.05})
	balanced := Novelty(map[string]float64{"a": 0.34, "b": 0.33, "c": 0.33})
	if skewed >= balanced {
		t.Errorf("skewed novelty %v should be below balanced %v", skewed, balanced)
	}
}

package reward

import (
	"errors"
	"math"
	"testing"

	"github.com/tutu-network/ziggurat/internal/domain"
)

func TestTierFor_Boundaries(t *testing.T) {
	below07 := math.Nextafter(0.7, 0)
	tests := []struct {
		overall float64
		want    domain.RewardTier
		mult    domain.Multiplier
		ok      bool
	}{
		{0.0, domain.TierNone, 0, false},
		{0.4999999, domain.TierNone, 0, false},
		{0.5, domain.TierBronze, 10, true},
		{0.6999, domain.TierBronze, 10, true},
		{below07, domain.TierBronze, 10, true},
		{0.7, domain.TierSilver, 15, true},
		{0.8499, domain.TierSilver, 15, true},
		{0.85, domain.TierGold, 20, true},
		{0.9499, domain.TierGold, 20, true},
		{0.95, domain.TierPlatinum, 30, true},
		{1.0, domain.TierPlatinum, 30, true},
	}

	for _, tt := range tests {
		tier, mult, ok := TierFor(tt.overall)
		if tier != tt.want || mult != tt.mult || ok != tt.ok {
			t.Errorf("TierFor(%v) = (%s, %d, %v), want (%s, %d, %v)",
				tt.overall, tier, mult, ok, tt.want, tt.mult, tt.ok)
		}
	}
}

func TestQuote_MediumGoldScenario(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	q, err := calc.QuoteOverall(0.90, domain.ComplexityMedium, "MASUMI")
	if err != nil {
		t.Fatalf("QuoteOverall() error: %v", err)
	}
	if q.Tier != domain.TierGold {
		t.Errorf("Tier = %s, want GOLD", q.Tier)
	}
	if q.TierMultiplier.Float() != 2.0 {
		t.Errorf("multiplier = %v, want 2.0", q.TierMultiplier.Float())
	}
	if q.BaseAmount != domain.Units(50) {
		t.Errorf("BaseAmount = %s, want 50", q.BaseAmount)
	}
	if q.FinalAmount != domain.Units(100) {
		t.Errorf("FinalAmount = %s, want 100", q.FinalAmount)
	}
	if q.Currency != "MASUMI" {
		t.Errorf("Currency = %q, want MASUMI", q.Currency)
	}
	if !q.Consistent() {
		t.Error("quote should satisfy final = base * multiplier")
	}
}

func TestQuote_BelowFloor(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	for _, overall := range []float64{0, 0.1, 0.49, math.Nextafter(0.5, 0)} {
		_, err := calc.QuoteOverall(overall, domain.ComplexityHigh, "ICP")
		if !errors.Is(err, domain.ErrBelowQualityThreshold) {
			t.Errorf("QuoteOverall(%v) error = %v, want ErrBelowQualityThreshold", overall, err)
		}
	}
}

func TestQuote_AlwaysPositiveAboveFloor(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	for _, tier := range []domain.ComplexityTier{domain.ComplexityLow, domain.ComplexityMedium, domain.ComplexityHigh} {
		for q := 0.5; q <= 1.0; q += 0.01 {
			quote, err := calc.QuoteOverall(q, tier, "TON")
			if err != nil {
				t.Fatalf("QuoteOverall(%v, %s) error: %v", q, tier, err)
			}
			if quote.FinalAmount <= 0 {
				t.Fatalf("QuoteOverall(%v, %s) final = %s, want > 0", q, tier, quote.FinalAmount)
			}
		}
	}
}

func TestQuote_MultiplierStrictlyIncreasing(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	var last domain.Multiplier
	for _, overall := range []float64{0.5, 0.7, 0.85, 0.95} {
		q, err := calc.QuoteOverall(overall, domain.ComplexityLow, "ADA")
		if err != nil {
			t.Fatalf("QuoteOverall(%v) error: %v", overall, err)
		}
		if q.TierMultiplier <= last {
			t.Errorf("multiplier at %v = %s, not above %s", overall, q.TierMultiplier, last)
		}
		last = q.TierMultiplier
	}
}

func TestQuote_Deterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	m := domain.QualityMetrics{Clarity: 0.8, Completeness: 0.9, Accuracy: 0.85, NoveltyBonus: 0.4}
	first, err := calc.Quote(m, domain.ComplexityMedium, "ICP")
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := calc.Quote(m, domain.ComplexityMedium, "ICP")
		if again != first {
			t.Fatalf("Quote() = %+v, want %+v", again, first)
		}
	}
}

func TestQuote_UnknownComplexity(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	_, err := calc.QuoteOverall(0.9, domain.ComplexityTier("epic"), "ICP")
	if !errors.Is(err, domain.ErrUnknownComplexity) {
		t.Errorf("error = %v, want ErrUnknownComplexity", err)
	}
}

func TestBaseAmount_ClampedToRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Low.Base = 500
	calc := NewCalculator(cfg)
	base, err := calc.BaseAmount(domain.ComplexityLow)
	if err != nil {
		t.Fatalf("BaseAmount() error: %v", err)
	}
	if base != domain.Units(50) {
		t.Errorf("BaseAmount = %s, want clamp to 50", base)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error: %v", err)
	}
	bad := DefaultConfig()
	bad.High.Base = 1
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject base below min")
	}
	bad = DefaultConfig()
	bad.Medium.Min = 200
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject min above max")
	}
}

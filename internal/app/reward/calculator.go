// Package reward turns quality metrics into a deterministic reward quote.
//
// reward = base(complexity) * multiplier(tier(overall))
//
// Tier breakpoints are fixed; base ranges come from configuration.
package reward

import (
	"fmt"
	"math"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// QualityFloor is the minimum overall score that earns any reward.
const QualityFloor = 0.5

// breakpoint maps the lower bound of an overall-quality bracket to its tier.
type breakpoint struct {
	min        float64
	tier       domain.RewardTier
	multiplier domain.Multiplier
}

// Ordered from highest to lowest; the first bracket whose lower bound is met wins.
var breakpoints = []breakpoint{
	{0.95, domain.TierPlatinum, 30},
	{0.85, domain.TierGold, 20},
	{0.70, domain.TierSilver, 15},
	{QualityFloor, domain.TierBronze, 10},
}

// BaseRange bounds the base amount of one complexity tier, in whole units.
type BaseRange struct {
	Min  float64 `toml:"min"`
	Max  float64 `toml:"max"`
	Base float64 `toml:"base"`
}

// Config holds per-complexity base ranges.
type Config struct {
	Low    BaseRange `toml:"low"`
	Medium BaseRange `toml:"medium"`
	High   BaseRange `toml:"high"`
}

// DefaultConfig keeps the 0.5x / 1x / 3x complexity ratio of the network's
// cycle estimates.
func DefaultConfig() Config {
	return Config{
		Low:    BaseRange{Min: 5, Max: 50, Base: 25},
		Medium: BaseRange{Min: 10, Max: 100, Base: 50},
		High:   BaseRange{Min: 20, Max: 200, Base: 150},
	}
}

// Validate checks min <= base <= max and positive bases.
func (c Config) Validate() error {
	for tier, r := range map[domain.ComplexityTier]BaseRange{
		domain.ComplexityLow:    c.Low,
		domain.ComplexityMedium: c.Medium,
		domain.ComplexityHigh:   c.High,
	} {
		if r.Min <= 0 || r.Min > r.Max {
			return fmt.Errorf("reward range %s: min %v must be positive and <= max %v", tier, r.Min, r.Max)
		}
		if r.Base < r.Min || r.Base > r.Max {
			return fmt.Errorf("reward range %s: base %v outside [%v, %v]", tier, r.Base, r.Min, r.Max)
		}
	}
	return nil
}

// Calculator is stateless after construction and safe for concurrent use.
type Calculator struct {
	config Config
}

// NewCalculator creates a calculator with the given base ranges.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{config: cfg}
}

// Quote prices a task from its metrics. The overall score is read fresh from
// the metrics, so a quote taken after verification includes the bonus.
func (c *Calculator) Quote(m domain.QualityMetrics, tier domain.ComplexityTier, currency string) (domain.RewardQuote, error) {
	return c.QuoteOverall(m.Overall(), tier, currency)
}

// QuoteOverall prices a task from an overall score directly.
func (c *Calculator) QuoteOverall(overall float64, tier domain.ComplexityTier, currency string) (domain.RewardQuote, error) {
	if math.IsNaN(overall) || overall > 1 {
		return domain.RewardQuote{}, fmt.Errorf("overall quality %v outside [0,1]", overall)
	}
	base, err := c.BaseAmount(tier)
	if err != nil {
		return domain.RewardQuote{}, err
	}

	rewardTier, mult, ok := TierFor(overall)
	if !ok {
		return domain.RewardQuote{}, fmt.Errorf("%w: %.4f < %.2f", domain.ErrBelowQualityThreshold, overall, QualityFloor)
	}

	return domain.RewardQuote{
		BaseAmount:     base,
		TierMultiplier: mult,
		FinalAmount:    mult.Apply(base),
		Currency:       currency,
		Tier:           rewardTier,
	}, nil
}

// BaseAmount returns the configured base for a complexity tier, clamped to its range.
func (c *Calculator) BaseAmount(tier domain.ComplexityTier) (domain.Amount, error) {
	var r BaseRange
	switch tier {
	case domain.ComplexityLow:
		r = c.config.Low
	case domain.ComplexityMedium:
		r = c.config.Medium
	case domain.ComplexityHigh:
		r = c.config.High
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownComplexity, tier)
	}
	return domain.Units(math.Max(r.Min, math.Min(r.Base, r.Max))), nil
}

// TierFor selects the reward tier for an overall score. ok is false below
// the quality floor.
func TierFor(overall float64) (domain.RewardTier, domain.Multiplier, bool) {
	for _, b := range breakpoints {
		if overall >= b.min {
			return b.tier, b.multiplier, true
		}
	}
	return domain.TierNone, 0, false
}

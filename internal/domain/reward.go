package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Amount is a reward value in micro-units (1e-6) of its currency. Integer
// arithmetic keeps finalAmount = baseAmount * multiplier exact.
type Amount int64

// MicroUnits per whole unit.
const MicroUnits = 1_000_000

// Units converts a whole-unit float (config, rates) into an Amount, rounding
// to the nearest micro-unit.
func Units(v float64) Amount {
	return Amount(math.Round(v * MicroUnits))
}

// Float returns the value in whole units.
func (a Amount) Float() float64 {
	return float64(a) / MicroUnits
}

// String formats the amount with up to six decimals, trailing zeros trimmed.
func (a Amount) String() string {
	return strconv.FormatFloat(a.Float(), 'f', -1, 64)
}

// RewardTier is the quality bracket that selects the multiplier.
type RewardTier string

const (
	TierNone     RewardTier = ""
	TierBronze   RewardTier = "BRONZE"
	TierSilver   RewardTier = "SILVER"
	TierGold     RewardTier = "GOLD"
	TierPlatinum RewardTier = "PLATINUM"
)

// Multiplier is a tier multiplier in tenths (15 = ×1.5).
type Multiplier int64

// Apply multiplies an amount exactly.
func (m Multiplier) Apply(a Amount) Amount {
	return a * Amount(m) / 10
}

// Float returns the multiplier as a ratio.
func (m Multiplier) Float() float64 {
	return float64(m) / 10
}

func (m Multiplier) String() string {
	return fmt.Sprintf("×%s", strconv.FormatFloat(m.Float(), 'f', -1, 64))
}

// RewardQuote is a deterministic reward for one task.
type RewardQuote struct {
	BaseAmount     Amount     `json:"base_amount"`
	TierMultiplier Multiplier `json:"tier_multiplier"`
	FinalAmount    Amount     `json:"final_amount"`
	Currency       string     `json:"currency"`
	Tier           RewardTier `json:"tier"`
}

// Consistent reports whether FinalAmount = BaseAmount * TierMultiplier.
func (q RewardQuote) Consistent() bool {
	return q.FinalAmount == q.TierMultiplier.Apply(q.BaseAmount)
}

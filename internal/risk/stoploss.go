package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidATRInput rejects non-positive ATR or multiplier values.
var ErrInvalidATRInput = errors.New("risk: atr and multiplier must be positive")

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// TrailingPolicy raises a stop once price is StartPct percent above the
// estimated entry, keeping it Ratio of the entry-to-target gap below price.
type TrailingPolicy struct {
	StartPct decimal.Decimal
	Ratio    decimal.Decimal
}

// DefaultTrailingPolicy starts trailing at +3% and trails by half the gap.
func DefaultTrailingPolicy() TrailingPolicy {
	return TrailingPolicy{
		StartPct: decimal.NewFromInt(3),
		Ratio:    decimal.RequireFromString("0.5"),
	}
}

// NewTrailingPolicy validates and builds a policy from config values.
func NewTrailingPolicy(startPct, ratio float64) (TrailingPolicy, error) {
	if startPct < 0 {
		return TrailingPolicy{}, fmt.Errorf("risk: trailing start pct must be >= 0, got %v", startPct)
	}
	if ratio <= 0 || ratio > 1 {
		return TrailingPolicy{}, fmt.Errorf("risk: trailing ratio must be in (0, 1], got %v", ratio)
	}
	return TrailingPolicy{
		StartPct: decimal.NewFromFloat(startPct),
		Ratio:    decimal.NewFromFloat(ratio),
	}, nil
}

// Compute returns the trailing stop for currentPrice. The result is never
// below originalStop. Inverted or degenerate plans return originalStop.
func (p TrailingPolicy) Compute(originalStop, currentPrice, originalTarget int64) int64 {
	if originalTarget <= originalStop {
		return originalStop
	}
	entry := decimal.NewFromInt(originalStop).Add(decimal.NewFromInt(originalTarget)).Div(two)
	if entry.Sign() <= 0 {
		return originalStop
	}

	// (price-entry)/entry*100 < start, multiplied through by entry > 0 to stay exact
	price := decimal.NewFromInt(currentPrice)
	if price.Sub(entry).Mul(hundred).LessThan(p.StartPct.Mul(entry)) {
		return originalStop
	}

	distance := decimal.NewFromInt(originalTarget).Sub(entry).Mul(p.Ratio)
	candidate := price.Sub(distance).Floor().IntPart()
	return max(originalStop, candidate)
}

// ProfitPct is the percentage gain of currentPrice over the estimated entry.
func ProfitPct(originalStop, currentPrice, originalTarget int64) float64 {
	entry := decimal.NewFromInt(originalStop).Add(decimal.NewFromInt(originalTarget)).Div(two)
	if entry.Sign() <= 0 {
		return 0
	}
	pct, _ := decimal.NewFromInt(currentPrice).Sub(entry).Div(entry).Mul(hundred).Float64()
	return pct
}

// ComputeTrailingStop applies DefaultTrailingPolicy.
func ComputeTrailingStop(originalStop, currentPrice, originalTarget int64) int64 {
	return DefaultTrailingPolicy().Compute(originalStop, currentPrice, originalTarget)
}

// ComputeATRStop places the stop atr*multiplier below currentPrice.
func ComputeATRStop(atr float64, currentPrice int64, multiplier float64) (int64, error) {
	if atr <= 0 || multiplier <= 0 {
		return 0, fmt.Errorf("%w: atr=%v multiplier=%v", ErrInvalidATRInput, atr, multiplier)
	}
	offset := decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(multiplier))
	return decimal.NewFromInt(currentPrice).Sub(offset).Floor().IntPart(), nil
}

package state

import (
	"fmt"

	fpmath "PerpLiquidator/internal/math"
)

// MarginTier maps an inclusive leverage range to a maintenance requirement.
// Higher leverage tiers need a smaller relative cushion because the
// liquidation price sits proportionally closer to entry.
type MarginTier struct {
	MinLeverage    uint32 `yaml:"min_leverage" json:"min_leverage"`
	MaxLeverage    uint32 `yaml:"max_leverage" json:"max_leverage"`
	MaintenanceBps uint64 `yaml:"maintenance_bps" json:"maintenance_bps"`
}

// DefaultMaintenanceBps applies to leverage outside every tier (including 0).
const DefaultMaintenanceBps uint64 = 250

// DefaultLiquidatorRewardBps is 0.5% of the closed notional or final margin.
const DefaultLiquidatorRewardBps uint64 = 50

var (
	DefaultMarginTiers = []MarginTier{
		{MinLeverage: 1, MaxLeverage: 20, MaintenanceBps: 250},
		{MinLeverage: 21, MaxLeverage: 50, MaintenanceBps: 100},
		{MinLeverage: 51, MaxLeverage: 100, MaintenanceBps: 50},
		{MinLeverage: 101, MaxLeverage: 500, MaintenanceBps: 25},
		{MinLeverage: 501, MaxLeverage: 1000, MaintenanceBps: 10},
	}
)

// RiskParams holds every tunable the margin and liquidation logic reads.
type RiskParams struct {
	Price               fpmath.DecimalConfig
	BpsDenom            int64
	LiquidatorRewardBps uint64
	Tiers               []MarginTier
	FallbackBps         uint64
}

// DefaultRiskParams returns the stock configuration.
func DefaultRiskParams() *RiskParams {
	tiers := make([]MarginTier, len(DefaultMarginTiers))
	copy(tiers, DefaultMarginTiers)

	return &RiskParams{
		Price:               fpmath.PriceConfig,
		BpsDenom:            fpmath.BpsDenom,
		LiquidatorRewardBps: DefaultLiquidatorRewardBps,
		Tiers:               tiers,
		FallbackBps:         DefaultMaintenanceBps,
	}
}

// PriceScale returns PRICE_PRECISION as an unsigned scale.
func (rp *RiskParams) PriceScale() uint64 {
	return uint64(rp.Price.Scale)
}

// MaintenanceMarginBps looks up the tier for the given leverage, falling back
// to the conservative default when no tier matches.
func (rp *RiskParams) MaintenanceMarginBps(leverage uint32) uint64 {
	for _, tier := range rp.Tiers {
		if leverage >= tier.MinLeverage && leverage <= tier.MaxLeverage {
			return tier.MaintenanceBps
		}
	}
	return rp.FallbackBps
}

// ValidateTiers rejects empty, inverted, unordered or overlapping ranges.
func ValidateTiers(tiers []MarginTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one margin tier is required")
	}

	for i, tier := range tiers {
		if tier.MinLeverage == 0 {
			return fmt.Errorf("tier %d: min_leverage must be > 0", i)
		}
		if tier.MaxLeverage < tier.MinLeverage {
			return fmt.Errorf("tier %d: max_leverage (%d) must be >= min_leverage (%d)",
				i, tier.MaxLeverage, tier.MinLeverage)
		}
		if tier.MaintenanceBps == 0 {
			return fmt.Errorf("tier %d: maintenance_bps must be > 0", i)
		}
		if i > 0 && tier.MinLeverage <= tiers[i-1].MaxLeverage {
			return fmt.Errorf("tier %d: range [%d, %d] overlaps or precedes tier %d",
				i, tier.MinLeverage, tier.MaxLeverage, i-1)
		}
	}

	return nil
}

// ValidateRiskParams checks that risk parameters are within valid ranges.
func ValidateRiskParams(params *RiskParams) error {
	if params.Price.Scale <= 0 {
		return fmt.Errorf("price scale must be > 0, got %d", params.Price.Scale)
	}
	if params.BpsDenom <= 0 {
		return fmt.Errorf("bps_denom must be > 0, got %d", params.BpsDenom)
	}
	if params.LiquidatorRewardBps > uint64(params.BpsDenom) {
		return fmt.Errorf("liquidator_reward_bps (%d) must be <= bps_denom (%d)",
			params.LiquidatorRewardBps, params.BpsDenom)
	}
	if params.FallbackBps == 0 {
		return fmt.Errorf("fallback maintenance bps must be > 0")
	}
	if err := ValidateTiers(params.Tiers); err != nil {
		return fmt.Errorf("invalid margin tiers: %w", err)
	}
	return nil
}

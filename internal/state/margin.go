package state

import (
	stdmath "math"

	fpmath "PerpLiquidator/internal/math"
)

// Health is a snapshot of a position's margin metrics at one price.
type Health struct {
	Price          uint64
	Notional       uint64
	UnrealizedPnl  int64
	Margin         int64
	RatioBps       int64
	MaintenanceBps uint64
	Healthy        bool
}

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusLiquidatable
	MarginStatusFlat
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	case MarginStatusFlat:
		return "Flat"
	default:
		return "Unknown"
	}
}

// Status classifies the snapshot.
func (h Health) Status(size uint64) MarginStatus {
	if size == 0 {
		return MarginStatusFlat
	}
	if h.Healthy {
		return MarginStatusHealthy
	}
	return MarginStatusLiquidatable
}

// Notional = price * size / PRICE_PRECISION
func Notional(price, size, priceScale uint64) (uint64, error) {
	return fpmath.MulDivUint(price, size, priceScale)
}

// PerUnitPnl is price - entry for longs and entry - price for shorts.
func PerUnitPnl(entry, price uint64, isLong bool) (int64, error) {
	if isLong {
		return fpmath.SignedDiff(price, entry)
	}
	return fpmath.SignedDiff(entry, price)
}

// UnrealizedPnl = perUnitPnl * size / PRICE_PRECISION
func UnrealizedPnl(entry, price, size uint64, isLong bool, priceScale uint64) (int64, error) {
	perUnit, err := PerUnitPnl(entry, price, isLong)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivSigned(perUnit, size, priceScale)
}

// Margin = collateral + unrealized PnL
func Margin(collateral, pnl int64) (int64, error) {
	return fpmath.CheckedAdd(collateral, pnl)
}

// MarginRatioBps returns margin / notional in basis points, or MaxRatio for
// zero notional.
func MarginRatioBps(margin int64, notional uint64, bpsDenom int64) (int64, error) {
	return fpmath.RatioBps(margin, notional, bpsDenom)
}

// MaintenanceMarginAmount is the absolute margin required at the given bps.
func MaintenanceMarginAmount(notional, maintenanceBps uint64, bpsDenom int64) (uint64, error) {
	return fpmath.ApplyBps(notional, maintenanceBps, bpsDenom)
}

// IsHealthy: margin strictly positive and ratio at or above maintenance.
func IsHealthy(margin, ratioBps int64, maintenanceBps uint64) bool {
	if margin <= 0 {
		return false
	}
	if maintenanceBps > stdmath.MaxInt64 {
		return false
	}
	return ratioBps >= int64(maintenanceBps)
}

// MarginCalculator evaluates single-position margin under a set of risk params.
type MarginCalculator struct {
	params *RiskParams
}

func NewMarginCalculator(params *RiskParams) *MarginCalculator {
	return &MarginCalculator{params: params}
}

// Params returns the risk params the calculator was built with.
func (mc *MarginCalculator) Params() *RiskParams {
	return mc.params
}

// Evaluate computes the health snapshot of pos at price.
func (mc *MarginCalculator) Evaluate(pos Position, price uint64) (Health, error) {
	scale := mc.params.PriceScale()

	notional, err := Notional(price, pos.Size, scale)
	if err != nil {
		return Health{}, err
	}

	pnl, err := UnrealizedPnl(pos.EntryPrice, price, pos.Size, pos.IsLong, scale)
	if err != nil {
		return Health{}, err
	}

	margin, err := Margin(pos.Collateral, pnl)
	if err != nil {
		return Health{}, err
	}

	ratio, err := MarginRatioBps(margin, notional, mc.params.BpsDenom)
	if err != nil {
		return Health{}, err
	}

	mmBps := mc.params.MaintenanceMarginBps(pos.Leverage)

	return Health{
		Price:          price,
		Notional:       notional,
		UnrealizedPnl:  pnl,
		Margin:         margin,
		RatioBps:       ratio,
		MaintenanceBps: mmBps,
		Healthy:        IsHealthy(margin, ratio, mmBps),
	}, nil
}

// MaintenanceMargin returns the absolute maintenance requirement of pos at price.
func (mc *MarginCalculator) MaintenanceMargin(pos Position, price uint64) (uint64, error) {
	notional, err := Notional(price, pos.Size, mc.params.PriceScale())
	if err != nil {
		return 0, err
	}
	return MaintenanceMarginAmount(notional, mc.params.MaintenanceMarginBps(pos.Leverage), mc.params.BpsDenom)
}

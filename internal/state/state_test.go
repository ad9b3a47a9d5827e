package state_test

import (
	"errors"
	"testing"

	"PerpLiquidator/internal/liqerr"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usd  = uint64(1_000_000)
	unit = uint64(1_000_000)
)

func longPosition(size, entry uint64, collateral int64, leverage uint32) state.Position {
	return state.Position{
		Owner:      uuid.New(),
		Symbol:     "BTC-USD",
		Size:       size,
		EntryPrice: entry,
		Collateral: collateral,
		IsLong:     true,
		Leverage:   leverage,
	}
}

// ============================================================================
// Test: maintenance tiers
// ============================================================================

func TestMaintenanceMarginBps_Tiers(t *testing.T) {
	params := state.DefaultRiskParams()

	// Higher leverage tiers require a smaller relative cushion: liquidation
	// already triggers proportionally sooner in absolute price terms.
	tests := []struct {
		leverage uint32
		want     uint64
	}{
		{0, 250},
		{1, 250},
		{20, 250},
		{21, 100},
		{50, 100},
		{51, 50},
		{100, 50},
		{101, 25},
		{500, 25},
		{501, 10},
		{1000, 10},
		{1001, 250},
		{^uint32(0), 250},
	}

	for _, tt := range tests {
		got := params.MaintenanceMarginBps(tt.leverage)
		if got != tt.want {
			t.Errorf("leverage %d: got %d, want %d", tt.leverage, got, tt.want)
		}
	}
}

func TestValidateTiers(t *testing.T) {
	require.NoError(t, state.ValidateTiers(state.DefaultMarginTiers))

	tests := []struct {
		name  string
		tiers []state.MarginTier
	}{
		{"empty", nil},
		{"zero min", []state.MarginTier{{MinLeverage: 0, MaxLeverage: 10, MaintenanceBps: 250}}},
		{"inverted", []state.MarginTier{{MinLeverage: 10, MaxLeverage: 5, MaintenanceBps: 250}}},
		{"zero bps", []state.MarginTier{{MinLeverage: 1, MaxLeverage: 5, MaintenanceBps: 0}}},
		{"overlap", []state.MarginTier{
			{MinLeverage: 1, MaxLeverage: 20, MaintenanceBps: 250},
			{MinLeverage: 20, MaxLeverage: 50, MaintenanceBps: 100},
		}},
		{"unordered", []state.MarginTier{
			{MinLeverage: 21, MaxLeverage: 50, MaintenanceBps: 100},
			{MinLeverage: 1, MaxLeverage: 20, MaintenanceBps: 250},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, state.ValidateTiers(tt.tiers))
		})
	}
}

func TestValidateRiskParams(t *testing.T) {
	params := state.DefaultRiskParams()
	require.NoError(t, state.ValidateRiskParams(params))

	params.LiquidatorRewardBps = 10_001
	assert.Error(t, state.ValidateRiskParams(params))

	params = state.DefaultRiskParams()
	params.BpsDenom = 0
	assert.Error(t, state.ValidateRiskParams(params))
}

// ============================================================================
// Test: margin math
// ============================================================================

func TestMarginCalculator_WorkedExample(t *testing.T) {
	calc := state.NewMarginCalculator(state.DefaultRiskParams())
	pos := longPosition(2*unit, 50_000*usd, int64(1_000*usd), 50)

	h, err := calc.Evaluate(pos, 40_000*usd)
	require.NoError(t, err)

	assert.Equal(t, 80_000*usd, h.Notional)
	assert.Equal(t, -int64(20_000*usd), h.UnrealizedPnl)
	assert.Equal(t, -int64(19_000*usd), h.Margin)
	assert.Equal(t, uint64(100), h.MaintenanceBps)
	assert.False(t, h.Healthy)
	assert.Equal(t, state.MarginStatusLiquidatable, h.Status(pos.Size))
}

func TestMarginCalculator_ShortProfitsOnDrop(t *testing.T) {
	calc := state.NewMarginCalculator(state.DefaultRiskParams())
	pos := longPosition(unit, 50_000*usd, int64(1_000*usd), 10)
	pos.IsLong = false

	h, err := calc.Evaluate(pos, 49_000*usd)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000*usd), h.UnrealizedPnl)
	assert.Equal(t, int64(2_000*usd), h.Margin)
	assert.True(t, h.Healthy)
}

func TestMarginCalculator_ZeroNotionalIsMaxRatio(t *testing.T) {
	calc := state.NewMarginCalculator(state.DefaultRiskParams())
	pos := longPosition(0, 0, 0, 10)

	h, err := calc.Evaluate(pos, 40_000*usd)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MaxRatio, h.RatioBps)
	// Margin is 0, so a flat position is never "healthy" by the strict margin rule.
	assert.False(t, h.Healthy)
	assert.Equal(t, state.MarginStatusFlat, h.Status(pos.Size))
}

func TestIsHealthy_TieBreak(t *testing.T) {
	assert.True(t, state.IsHealthy(1, 100, 100), "ratio exactly at threshold is healthy")
	assert.False(t, state.IsHealthy(1, 99, 100))
	assert.False(t, state.IsHealthy(0, fpmath.MaxRatio, 100), "margin must be strictly positive")
	assert.False(t, state.IsHealthy(-1, 1000, 100))
}

func TestMarginCalculator_ExactlyAtThreshold(t *testing.T) {
	calc := state.NewMarginCalculator(state.DefaultRiskParams())
	// notional 100_000, leverage 50 => 100 bps => margin 1_000 is exactly at threshold.
	pos := longPosition(2*unit, 50_000*usd, int64(1_000*usd), 50)

	h, err := calc.Evaluate(pos, 50_000*usd)
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.RatioBps)
	assert.True(t, h.Healthy)

	mm, err := calc.MaintenanceMargin(pos, 50_000*usd)
	require.NoError(t, err)
	assert.Equal(t, 1_000*usd, mm)
}

func TestUnrealizedPnl_Overflow(t *testing.T) {
	_, err := state.UnrealizedPnl(0, ^uint64(0), 2, true, 1)
	assert.True(t, errors.Is(err, liqerr.ErrArithmeticOverflow))
}

// ============================================================================
// Test: insurance fund waterfall
// ============================================================================

func TestComputeCoverage(t *testing.T) {
	tests := []struct {
		name              string
		balance, badDebt  uint64
		covered, leftover uint64
		wantBalanceAfter  uint64
	}{
		{"full cover", 20_000, 19_000, 19_000, 0, 1_000},
		{"exact cover", 19_000, 19_000, 19_000, 0, 0},
		{"partial cover", 5_000, 19_000, 5_000, 14_000, 0},
		{"empty fund", 0, 19_000, 0, 19_000, 0},
		{"no debt", 5_000, 0, 0, 0, 5_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := state.ComputeCoverage(tt.balance, tt.badDebt)
			assert.Equal(t, tt.covered, c.Covered)
			assert.Equal(t, tt.leftover, c.Leftover)
			assert.Equal(t, tt.wantBalanceAfter, c.NewBalance)
			assert.Equal(t, tt.badDebt, c.Covered+c.Leftover)
			assert.Equal(t, tt.balance-c.Covered, c.NewBalance)
		})
	}
}

func TestCoveredReward(t *testing.T) {
	r, err := state.CoveredReward(0, 50, fpmath.BpsDenom)
	require.NoError(t, err)
	assert.Zero(t, r)

	r, err = state.CoveredReward(5_000*usd, 50, fpmath.BpsDenom)
	require.NoError(t, err)
	assert.Equal(t, 25*usd, r)

	// A reward rate above 100% is still capped at the covered amount.
	r, err = state.CoveredReward(100, 20_000, fpmath.BpsDenom)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), r)
}

func TestInsuranceFund_WithCoverageIsMonotonic(t *testing.T) {
	fund := state.InsuranceFund{Authority: uuid.New(), Balance: 5_000}

	fund, err := fund.WithContribution(1_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000), fund.Balance)
	assert.Equal(t, uint64(1_000), fund.TotalContributions)

	prevTotal := fund.TotalBadDebtCovered
	for _, debt := range []uint64{2_000, 3_000, 4_000} {
		c := state.ComputeCoverage(fund.Balance, debt)
		next, err := fund.WithCoverage(c)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, next.TotalBadDebtCovered, prevTotal)
		assert.Equal(t, fund.Balance-c.Covered, next.Balance)
		prevTotal = next.TotalBadDebtCovered
		fund = next
	}

	assert.Equal(t, uint64(0), fund.Balance)
	assert.Equal(t, uint64(6_000), fund.TotalBadDebtCovered)
	assert.Equal(t, uint64(60_000), fund.UtilizationRatioBps)
}

func TestInsuranceFund_WithCoverageRejectsMismatch(t *testing.T) {
	fund := state.InsuranceFund{Balance: 100}
	_, err := fund.WithCoverage(state.Coverage{BadDebt: 50, Covered: 50, NewBalance: 60})
	assert.Error(t, err)
}

func TestInsuranceFund_ZeroContribution(t *testing.T) {
	_, err := state.InsuranceFund{}.WithContribution(0)
	assert.Error(t, err)
}

// ============================================================================
// Test: position and state machine
// ============================================================================

func TestPosition_Validate(t *testing.T) {
	pos := longPosition(unit, 50_000*usd, int64(1_000*usd), 10)
	require.NoError(t, pos.Validate())

	closed := pos.Closed(42)
	require.NoError(t, closed.Validate())
	assert.Zero(t, closed.Size)
	assert.Zero(t, closed.Collateral)
	assert.Equal(t, int64(42), closed.LastUpdateTimestamp)
	assert.Equal(t, pos.Version+1, closed.Version)

	bad := closed
	bad.Collateral = 1
	assert.Error(t, bad.Validate())

	// Leverage 0 is valid and falls back to the top-tier requirement.
	unlevered := longPosition(unit, 50_000*usd, int64(1_000*usd), 0)
	require.NoError(t, unlevered.Validate())
}

func TestLiquidationState_Transitions(t *testing.T) {
	assert.True(t, state.LiquidationStateHealthy.CanTransitionTo(state.LiquidationStateEvaluatingPartial))
	assert.True(t, state.LiquidationStateEvaluatingPartial.CanTransitionTo(state.LiquidationStateFallbackToFull))
	assert.True(t, state.LiquidationStateFallbackToFull.CanTransitionTo(state.LiquidationStateEvaluatingFull))
	assert.True(t, state.LiquidationStateEvaluatingFull.CanTransitionTo(state.LiquidationStateFullWithBadDebt))
	assert.False(t, state.LiquidationStatePartialExecuted.CanTransitionTo(state.LiquidationStateEvaluatingFull))
	assert.False(t, state.LiquidationStateEvaluatingPartial.CanTransitionTo(state.LiquidationStateFullSettled))
	assert.True(t, state.LiquidationStateFullSettled.IsTerminal())
}

func TestPositionStore_VersionConflict(t *testing.T) {
	store := state.NewPositionStore()
	pos := longPosition(unit, 50_000*usd, int64(1_000*usd), 10)
	require.NoError(t, store.Create(pos))
	assert.Error(t, store.Create(pos), "open position must not be overwritten")

	got, ok := store.Get(pos.Owner)
	require.True(t, ok)
	assert.Equal(t, pos, got)

	next := got.Closed(1)
	require.NoError(t, store.Put(next, got.Version))

	err := store.Put(next, got.Version)
	assert.True(t, errors.Is(err, state.ErrVersionConflict))
	assert.Len(t, store.List(), 1)
}

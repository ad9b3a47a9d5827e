package core_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/liqerr"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feedBTC = "btc-usd"
	e6      = 1_000_000
)

var (
	now        = time.Unix(1_700_000_000, 0)
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000beef")
	trader     = uuid.MustParse("00000000-0000-0000-0000-000000000001")
)

// ============================================================================
// Test Helpers
// ============================================================================

type memoryRecords struct {
	mu      sync.Mutex
	records []*event.LiquidationRecord
	tips    map[uuid.UUID]event.Hash
	err     error
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{tips: make(map[uuid.UUID]event.Hash)}
}

func (m *memoryRecords) Append(ctx context.Context, rec *event.LiquidationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	core.Seal(m.tips[rec.PositionOwner], rec)
	m.tips[rec.PositionOwner] = rec.Hash
	m.records = append(m.records, rec)
	return rec.ID.String(), nil
}

type captureSink struct {
	events []event.Event
}

func (c *captureSink) Publish(evt event.Event) {
	c.events = append(c.events, evt)
}

// flakyExecutor fails the n-th forward transfer (1-based). Reversals always
// go through to the wrapped tracker.
type flakyExecutor struct {
	inner  *ledger.BalanceTracker
	failOn int
	calls  int
}

func (f *flakyExecutor) Transfer(ctx context.Context, t ledger.Transfer) error {
	if t.Type != ledger.JournalTypeReversal {
		f.calls++
		if f.calls == f.failOn {
			return errors.New("executor unavailable")
		}
	}
	return f.inner.Transfer(ctx, t)
}

type fixture struct {
	engine   *core.Engine
	source   *oracle.StaticSource
	accounts ledger.Accounts
	tracker  *ledger.BalanceTracker
	records  *memoryRecords
	sink     *captureSink
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	source := oracle.NewStaticSource()
	adapter, err := oracle.NewAdapter(source, oracle.DefaultConfig())
	require.NoError(t, err)

	accounts, err := ledger.NewAccounts("USDC")
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine, err := core.NewEngine(adapter, state.DefaultRiskParams(), accounts, zerolog.New(io.Discard), metrics)
	require.NoError(t, err)

	tracker := ledger.NewBalanceTracker()
	// Vault backs open positions; the insurance account mirrors the fund.
	require.NoError(t, tracker.Deposit(accounts, accounts.Vault(), 1_000_000*e6, "seed-vault"))

	return &fixture{
		engine:   engine,
		source:   source,
		accounts: accounts,
		tracker:  tracker,
		records:  newMemoryRecords(),
		sink:     &captureSink{},
		metrics:  metrics,
	}
}

func (f *fixture) setPrice(price int64, publish time.Time) {
	f.source.SetPrice(feedBTC, price, 1*e6, -6, publish)
}

func (f *fixture) fund(t *testing.T, balance uint64) *state.InsuranceFund {
	t.Helper()
	fund := state.InsuranceFund{Authority: uuid.New()}
	if balance > 0 {
		var err error
		fund, err = fund.WithContribution(balance)
		require.NoError(t, err)
		require.NoError(t, f.tracker.Deposit(f.accounts, f.accounts.InsuranceFund(), balance, "seed-insurance"))
	}
	return &fund
}

func (f *fixture) deps() core.Deps {
	return core.Deps{Transfers: f.tracker, Records: f.records, Balances: f.tracker, Events: f.sink}
}

func (f *fixture) request(pos *state.Position, fund *state.InsuranceFund) core.Request {
	return core.Request{
		Position:   pos,
		Fund:       fund,
		Feed:       feedBTC,
		Liquidator: liquidator,
		Now:        now,
	}
}

// workedExample: entry 50000, size 2, collateral 1000, leverage 50, long.
func workedExample() *state.Position {
	return &state.Position{
		Owner:               trader,
		Symbol:              "BTC-USD",
		Size:                2 * e6,
		EntryPrice:          50_000 * e6,
		Collateral:          1_000 * e6,
		IsLong:              true,
		Leverage:            50,
		LastUpdateTimestamp: now.Add(-time.Hour).Unix(),
		Version:             3,
	}
}

// ============================================================================
// Healthy / rejection paths
// ============================================================================

func TestEngine_HealthyIsNoop(t *testing.T) {
	f := newFixture(t)
	f.setPrice(50_000*e6, now)

	pos := workedExample()
	pos.Collateral = 5_000 * e6
	before := *pos
	fund := f.fund(t, 0)

	for _, liquidate := range []func(context.Context, core.Request, core.Deps) (*core.Outcome, error){
		f.engine.Liquidate, f.engine.LiquidateFull,
	} {
		out, err := liquidate(context.Background(), f.request(pos, fund), f.deps())
		require.NoError(t, err)
		assert.False(t, out.Executed)
		assert.Equal(t, state.LiquidationStateHealthy, out.State)
		assert.Nil(t, out.Record)
	}

	assert.Equal(t, before, *pos)
	assert.Empty(t, f.records.records)
	assert.Empty(t, f.sink.events)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LiquidationsTotal.WithLabelValues("partial", "noop"))+
		testutil.ToFloat64(f.metrics.LiquidationsTotal.WithLabelValues("full", "noop")))
}

func TestEngine_StaleOracleFailsBeforeAnyLogic(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now.Add(-120*time.Second))

	pos := workedExample()
	before := *pos
	fund := f.fund(t, 5_000*e6)

	_, err := f.engine.LiquidateFull(context.Background(), f.request(pos, fund), f.deps())
	require.ErrorIs(t, err, liqerr.ErrStaleOraclePrice)

	assert.Equal(t, before, *pos)
	assert.Equal(t, uint64(5_000*e6), fund.Balance)
	assert.Empty(t, f.records.records)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OracleRejections.WithLabelValues("StaleOraclePrice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LiquidationRejections.WithLabelValues("full", "StaleOraclePrice")))
}

func TestEngine_MissingLiquidatorIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	req := f.request(workedExample(), f.fund(t, 0))
	req.Liquidator = uuid.Nil

	_, err := f.engine.Liquidate(context.Background(), req, f.deps())
	require.ErrorIs(t, err, liqerr.ErrUnauthorized)
}

func TestEngine_TooSmallToPartial(t *testing.T) {
	tests := []struct {
		name       string
		size       uint64
		collateral int64
	}{
		{"size one", 1, 0},
		{"size zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setPrice(40_000*e6, now)

			pos := workedExample()
			pos.Size = tt.size
			pos.Collateral = tt.collateral
			before := *pos

			_, err := f.engine.Liquidate(context.Background(), f.request(pos, f.fund(t, 0)), f.deps())
			require.ErrorIs(t, err, liqerr.ErrTooSmallToPartial)
			assert.Equal(t, before, *pos)
			assert.Len(t, f.tracker.Journals(), 1) // vault seed only
		})
	}
}

func TestEngine_FullOnClosedPositionIsZeroPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	pos.Size = 0
	pos.Collateral = 0

	_, err := f.engine.LiquidateFull(context.Background(), f.request(pos, f.fund(t, 0)), f.deps())
	require.ErrorIs(t, err, liqerr.ErrZeroPosition)
}

// ============================================================================
// Partial liquidation
// ============================================================================

func TestEngine_PartialRestoresHealth(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	fund := f.fund(t, 0)
	fundBefore := *fund

	out, err := f.engine.Liquidate(context.Background(), f.request(pos, fund), f.deps())
	require.NoError(t, err)
	require.True(t, out.Executed)
	assert.Equal(t, state.LiquidationStatePartialExecuted, out.State)

	// Closing 1 unit at 40000 yields 40000 proceeds, 200 reward, 39800 net.
	// Collateral 1000 + 39800 - 10000 loss on the remaining unit = 30800.
	assert.Equal(t, int64(-19_000*e6), out.Health.Margin)
	assert.Equal(t, int64(30_800*e6), out.Post.Margin)
	assert.True(t, out.Post.Healthy)

	assert.Equal(t, uint64(1*e6), pos.Size)
	assert.Equal(t, int64(30_800*e6), pos.Collateral)
	assert.Equal(t, uint64(40_000*e6), pos.EntryPrice)
	assert.Equal(t, now.Unix(), pos.LastUpdateTimestamp)
	assert.Equal(t, int64(4), pos.Version)
	assert.Equal(t, now.UnixMilli(), out.Record.Timestamp)
	assert.Equal(t, fundBefore, *fund)

	rec := out.Record
	assert.Equal(t, event.LiquidationKindPartial, rec.Kind)
	assert.Equal(t, uint64(1*e6), rec.LiquidatedSize)
	assert.Equal(t, uint64(40_000*e6), rec.LiquidationPrice)
	assert.Equal(t, int64(-19_000*e6), rec.MarginBefore)
	assert.Equal(t, int64(30_800*e6), rec.MarginAfter)
	assert.Equal(t, uint64(200*e6), rec.LiquidatorReward)
	assert.Zero(t, rec.BadDebt)
	assert.Equal(t, rec.ID.String(), out.RecordID)

	assert.Equal(t, int64(200*e6), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
	assert.Equal(t, int64(39_800*e6), f.tracker.GetBalance(f.accounts.PositionCollateral(trader)))

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, event.EventTypeLiquidation, f.sink.events[0].EventType())
}

func TestEngine_PartialInsufficientLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.setPrice(20_000*e6, now)

	// Loss on the remaining half exceeds collateral plus net proceeds.
	pos := workedExample()
	before := *pos
	fund := f.fund(t, 0)
	journals := len(f.tracker.Journals())

	_, err := f.engine.Liquidate(context.Background(), f.request(pos, fund), f.deps())
	require.ErrorIs(t, err, liqerr.ErrPartialInsufficient)

	code, ok := liqerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, liqerr.CategoryPolicy, code.Category())

	assert.Equal(t, before, *pos)
	assert.Len(t, f.tracker.Journals(), journals)
	assert.Empty(t, f.records.records)
	assert.Empty(t, f.sink.events)
}

// ============================================================================
// Full liquidation
// ============================================================================

func TestEngine_FullSettledPaysRewardAndRemainder(t *testing.T) {
	f := newFixture(t)
	f.setPrice(49_000*e6, now)

	pos := workedExample()
	pos.Collateral = 2_500 * e6 // margin 500 at 49000, ratio 51 bps < 100
	fund := f.fund(t, 1_000*e6)
	fundBefore := *fund

	out, err := f.engine.LiquidateFull(context.Background(), f.request(pos, fund), f.deps())
	require.NoError(t, err)
	assert.Equal(t, state.LiquidationStateFullSettled, out.State)

	assert.Equal(t, int64(2_500_000), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
	assert.Equal(t, int64(497_500_000), f.tracker.GetBalance(f.accounts.Wallet(trader)))

	assert.Equal(t, uint64(0), pos.Size)
	assert.Equal(t, int64(0), pos.Collateral)
	assert.Equal(t, fundBefore, *fund)

	assert.Equal(t, int64(500*e6), out.Record.MarginBefore)
	assert.Equal(t, int64(0), out.Record.MarginAfter)
	assert.Equal(t, uint64(2_500_000), out.Record.LiquidatorReward)
	assert.Zero(t, out.Record.BadDebt)
}

func TestEngine_FullWithBadDebtWaterfall(t *testing.T) {
	tests := []struct {
		name       string
		fund       uint64
		covered    uint64
		leftover   uint64
		reward     uint64
		newBalance uint64
		insolvency bool
	}{
		{"fund covers fully", 20_000 * e6, 19_000 * e6, 0, 95 * e6, 1_000 * e6, false},
		{"fund 5000 covers partially", 5_000 * e6, 5_000 * e6, 14_000 * e6, 25 * e6, 0, true},
		{"fund 1000 covers partially", 1_000 * e6, 1_000 * e6, 18_000 * e6, 5 * e6, 0, true},
		{"empty fund", 0, 0, 19_000 * e6, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setPrice(40_000*e6, now)

			pos := workedExample()
			fund := f.fund(t, tt.fund)
			coveredBefore := fund.TotalBadDebtCovered
			vaultBefore := f.tracker.GetBalance(f.accounts.Vault())

			out, err := f.engine.LiquidateFull(context.Background(), f.request(pos, fund), f.deps())
			require.NoError(t, err)
			assert.Equal(t, state.LiquidationStateFullWithBadDebt, out.State)

			rec := out.Record
			assert.Equal(t, uint64(19_000*e6), rec.BadDebt)
			assert.Equal(t, tt.covered, rec.InsuranceCovered)
			assert.Equal(t, tt.leftover, rec.Uncovered)
			assert.Equal(t, rec.BadDebt, rec.InsuranceCovered+rec.Uncovered)
			assert.Equal(t, tt.reward, rec.LiquidatorReward)
			assert.LessOrEqual(t, rec.LiquidatorReward, rec.InsuranceCovered)
			assert.Equal(t, int64(-19_000*e6), rec.MarginBefore)
			assert.Equal(t, int64(0), rec.MarginAfter)

			assert.Equal(t, tt.newBalance, fund.Balance)
			assert.Equal(t, coveredBefore+tt.covered, fund.TotalBadDebtCovered)
			assert.Equal(t, uint64(0), pos.Size)

			// Insurance account mirrors the fund after settlement.
			validator := ledger.NewInvariantValidator(f.tracker)
			require.NoError(t, validator.ValidateInsuranceMirror(context.Background(), f.accounts, fund.Balance))
			assert.Equal(t, int64(tt.reward), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
			assert.Equal(t, vaultBefore+int64(tt.covered-tt.reward), f.tracker.GetBalance(f.accounts.Vault()))

			if tt.insolvency {
				require.Len(t, f.sink.events, 2)
				ins, ok := f.sink.events[1].(*event.InsolvencyEvent)
				require.True(t, ok)
				assert.Equal(t, tt.leftover, ins.Amount)
				assert.Equal(t, rec.ID, ins.RecordID)
			} else {
				require.Len(t, f.sink.events, 1)
			}
		})
	}
}

func TestEngine_RecordsChainPerOwner(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	fund := f.fund(t, 0)
	_, err := f.engine.Liquidate(context.Background(), f.request(pos, fund), f.deps())
	require.NoError(t, err)

	// Price collapses further; the remaining unit is closed a second later.
	f.setPrice(1_000*e6, now.Add(time.Second))
	req := f.request(pos, fund)
	req.Now = now.Add(time.Second)
	_, err = f.engine.LiquidateFull(context.Background(), req, f.deps())
	require.NoError(t, err)

	require.Len(t, f.records.records, 2)
	assert.Equal(t, core.GenesisHash(), f.records.records[0].PrevHash)
	assert.Equal(t, f.records.records[0].Hash, f.records.records[1].PrevHash)
	require.NoError(t, core.VerifyChain(f.records.records))

	f.records.records[0].LiquidatorReward++
	assert.Error(t, core.VerifyChain(f.records.records))
}

func TestEngine_FullAfterPartialReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	fund := f.fund(t, 0)
	vaultBefore := f.tracker.GetBalance(f.accounts.Vault())
	escrow := f.accounts.PositionCollateral(trader)

	_, err := f.engine.Liquidate(context.Background(), f.request(pos, fund), f.deps())
	require.NoError(t, err)
	require.Equal(t, int64(39_800*e6), f.tracker.GetBalance(escrow))

	// 1 unit at entry 40000 with collateral 30800: at 9250 the margin is 50,
	// 54 bps of notional.
	later := now.Add(2 * time.Second)
	f.setPrice(9_250*e6, later)
	req := f.request(pos, fund)
	req.Now = later

	out, err := f.engine.LiquidateFull(context.Background(), req, f.deps())
	require.NoError(t, err)
	assert.Equal(t, state.LiquidationStateFullSettled, out.State)
	assert.Equal(t, int64(50*e6), out.Record.MarginBefore)
	assert.Equal(t, uint64(250_000), out.Record.LiquidatorReward)

	require.NotEmpty(t, out.Transfers)
	release := out.Transfers[0]
	assert.Equal(t, ledger.JournalTypeCollateralRelease, release.Type)
	assert.Equal(t, escrow, release.From)
	assert.Equal(t, f.accounts.Vault(), release.To)
	assert.Equal(t, uint64(39_800*e6), release.Amount)

	// The trader ends with the closing margin less the reward, nothing more.
	assert.Zero(t, f.tracker.GetBalance(escrow))
	assert.Equal(t, int64(49_750_000), f.tracker.GetBalance(f.accounts.Wallet(trader)))
	assert.Equal(t, int64(200_250_000), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
	assert.Equal(t, vaultBefore-250*e6, f.tracker.GetBalance(f.accounts.Vault()))

	v := ledger.NewInvariantValidator(f.tracker)
	require.NoError(t, v.ValidatePositionEscrow(context.Background(), f.accounts, trader, !pos.IsFlat()))
	require.NoError(t, v.ValidateGlobalBalance(context.Background()))
	assert.True(t, pos.IsFlat())
}

func TestEngine_FullRequiresBalanceReader(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	before := *pos
	deps := f.deps()
	deps.Balances = nil

	_, err := f.engine.LiquidateFull(context.Background(), f.request(pos, f.fund(t, 0)), deps)
	require.Error(t, err)
	assert.Equal(t, before, *pos)
	assert.Empty(t, f.records.records)
}

func TestEngine_ZeroLeverageUsesFallbackRequirement(t *testing.T) {
	f := newFixture(t)
	f.setPrice(49_000*e6, now)

	// Margin 2000 on notional 98000 is 204 bps: above the 100 bps tier that
	// leverage 50 gets, below the 250 bps fallback.
	pos := workedExample()
	pos.Collateral = 4_000 * e6
	pos.Leverage = 0

	a, err := f.engine.Assess(*pos, 49_000*e6)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), a.Health.MaintenanceBps)
	assert.False(t, a.Health.Healthy)

	out, err := f.engine.LiquidateFull(context.Background(), f.request(pos, f.fund(t, 0)), f.deps())
	require.NoError(t, err)
	assert.Equal(t, state.LiquidationStateFullSettled, out.State)
	assert.True(t, pos.IsFlat())
}

// ============================================================================
// Overflow
// ============================================================================

func TestEngine_OverflowLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		full   bool
		mutate func(*state.Position)
	}{
		{
			// Margin is about -1000, but collateral plus the net proceeds of
			// the closed half does not fit in int64.
			name: "partial collateral plus net proceeds",
			mutate: func(p *state.Position) {
				p.Collateral = math.MaxInt64 - 1_000*e6
				p.EntryPrice = 40_000*e6 + (math.MaxInt64-1)/2
			},
		},
		{
			// Price at entry leaves margin at MinInt64; bad debt cannot be negated.
			name: "full bad debt of min int64",
			full: true,
			mutate: func(p *state.Position) {
				p.Collateral = math.MinInt64
				p.EntryPrice = 40_000 * e6
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setPrice(40_000*e6, now)

			pos := workedExample()
			tt.mutate(pos)
			before := *pos
			fund := f.fund(t, 5_000*e6)
			fundBefore := *fund
			balances := f.tracker.Snapshot()
			journals := len(f.tracker.Journals())

			liquidate := f.engine.Liquidate
			if tt.full {
				liquidate = f.engine.LiquidateFull
			}
			_, err := liquidate(context.Background(), f.request(pos, fund), f.deps())
			require.ErrorIs(t, err, liqerr.ErrArithmeticOverflow)
			code, ok := liqerr.CodeOf(err)
			require.True(t, ok)
			assert.Equal(t, liqerr.CodeArithmeticOverflow, code)

			assert.Equal(t, before, *pos)
			assert.Equal(t, fundBefore, *fund)
			assert.Empty(t, f.records.records)
			assert.Empty(t, f.sink.events)
			assert.Len(t, f.tracker.Journals(), journals)
			for key, amount := range balances {
				assert.Equal(t, amount, f.tracker.GetBalance(key), key.AccountPath())
			}
		})
	}
}

// ============================================================================
// Rollback
// ============================================================================

func TestEngine_TransferFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	before := *pos
	fund := f.fund(t, 0)
	balances := f.tracker.Snapshot()

	deps := f.deps()
	deps.Transfers = &flakyExecutor{inner: f.tracker, failOn: 2}

	_, err := f.engine.Liquidate(context.Background(), f.request(pos, fund), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor unavailable")

	assert.Equal(t, before, *pos)
	assert.Empty(t, f.records.records)
	assert.Empty(t, f.sink.events)
	for key, amount := range balances {
		assert.Equal(t, amount, f.tracker.GetBalance(key), key.AccountPath())
	}
	assert.Equal(t, int64(0), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
}

func TestEngine_AppendFailureCompensatesAllTransfers(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	pos := workedExample()
	before := *pos
	fund := f.fund(t, 5_000*e6)
	fundBefore := *fund
	f.records.err = errors.New("disk full")

	_, err := f.engine.LiquidateFull(context.Background(), f.request(pos, fund), f.deps())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append record")

	assert.Equal(t, before, *pos)
	assert.Equal(t, fundBefore, *fund)
	assert.Equal(t, int64(5_000*e6), f.tracker.GetBalance(f.accounts.InsuranceFund()))
	assert.Equal(t, int64(0), f.tracker.GetBalance(f.accounts.Wallet(liquidator)))
	assert.Zero(t, testutil.ToFloat64(f.metrics.CompensationFailures))
}

// ============================================================================
// Evaluate
// ============================================================================

func TestEngine_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		price  uint64
		mutate func(*state.Position)
		action core.Action
	}{
		{"healthy", 50_000 * e6, func(p *state.Position) { p.Collateral = 5_000 * e6 }, core.ActionNone},
		{"partial restores", 40_000 * e6, nil, core.ActionPartial},
		{"partial insufficient", 20_000 * e6, nil, core.ActionFull},
		{"too small", 40_000 * e6, func(p *state.Position) { p.Size, p.Collateral = 1, 0 }, core.ActionFull},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := workedExample()
			if tt.mutate != nil {
				tt.mutate(pos)
			}
			before := *pos

			a, err := f.engine.Assess(*pos, tt.price)
			require.NoError(t, err)
			assert.Equal(t, tt.action, a.Action)
			assert.Equal(t, before, *pos)
		})
	}
}

func TestEngine_EvaluateUsesOracle(t *testing.T) {
	f := newFixture(t)
	f.setPrice(40_000*e6, now)

	a, err := f.engine.Evaluate(context.Background(), *workedExample(), feedBTC, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000*e6), a.Price)
	assert.Equal(t, int64(-2375), a.Health.RatioBps)
	assert.Equal(t, uint64(100), a.Health.MaintenanceBps)
	require.NotNil(t, a.Post)
	assert.True(t, a.Post.Healthy)
}

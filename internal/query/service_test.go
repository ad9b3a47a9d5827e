package query_test

import (
	"context"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/lock"
	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/query"
	"PerpLiquidator/internal/service"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e6 = 1_000_000

var (
	now    = time.Unix(1_700_000_000, 0)
	trader = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	market = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	keeper = uuid.MustParse("00000000-0000-0000-0000-00000000beef")
)

type fixture struct {
	qs      *query.QueryService
	liq     *service.Liquidator
	backend *service.MemoryBackend
	source  *oracle.StaticSource
}

// tamperedBackend serves records whose hashes no longer verify.
type tamperedBackend struct {
	service.Backend
}

func (b tamperedBackend) Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error) {
	recs, err := b.Backend.Records(ctx, owner, limit)
	for _, rec := range recs {
		rec.LiquidatorReward++
	}
	return recs, err
}

// closedBackend reports every position as already closed.
type closedBackend struct {
	service.Backend
}

func (b closedBackend) Positions(ctx context.Context) ([]state.Position, error) {
	positions, err := b.Backend.Positions(ctx)
	for i := range positions {
		positions[i] = positions[i].Closed(now.Unix())
	}
	return positions, err
}

func newFixture(t *testing.T, wrap func(service.Backend) service.Backend) *fixture {
	t.Helper()

	accounts, err := ledger.NewAccounts("USDC")
	require.NoError(t, err)
	source := oracle.NewStaticSource()
	adapter, err := oracle.NewAdapter(source, oracle.DefaultConfig())
	require.NoError(t, err)
	engine, err := core.NewEngine(adapter, state.DefaultRiskParams(), accounts, zerolog.Nop(), nil)
	require.NoError(t, err)

	backend := service.NewMemoryBackend(accounts)
	var b service.Backend = backend
	if wrap != nil {
		b = wrap(backend)
	}
	liq, err := service.NewLiquidator(engine, b, lock.NewKeyedMutex(), nil, nil, service.Options{
		Feeds: map[string]string{"BTC-USD": "btc-usd"},
		Clock: func() time.Time { return now },
	}, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, backend.OpenPosition(ctx, state.Position{
		Owner: market, Symbol: "BTC-USD", Size: 100 * e6, EntryPrice: 40_000 * e6,
		Collateral: 1_000_000 * e6, IsLong: false, Leverage: 5,
	}))
	require.NoError(t, backend.OpenPosition(ctx, state.Position{
		Owner: trader, Symbol: "BTC-USD", Size: 2 * e6, EntryPrice: 50_000 * e6,
		Collateral: 1_000 * e6, IsLong: true, Leverage: 50,
	}))
	source.SetPrice("btc-usd", 40_000*e6, 1*e6, -6, now)

	return &fixture{qs: query.NewQueryService(liq, accounts), liq: liq, backend: backend, source: source}
}

func TestGetPosition_DerivesHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.qs.GetPosition(context.Background(), trader)
	require.NoError(t, err)

	assert.Equal(t, "long", resp.Side)
	assert.Equal(t, "2", resp.Size)
	assert.Equal(t, "50000", resp.EntryPrice)
	assert.Equal(t, "1000", resp.Collateral)
	require.NotNil(t, resp.Health)
	assert.Empty(t, resp.HealthError)
	assert.Equal(t, "40000", resp.Health.Price)
	assert.Equal(t, "80000", resp.Health.Notional)
	assert.Equal(t, "-20000", resp.Health.UnrealizedPnl)
	assert.Equal(t, "-19000", resp.Health.Margin)
	assert.Equal(t, int64(-2375), resp.Health.RatioBps)
	assert.Equal(t, uint64(100), resp.Health.MaintenanceBps)
	assert.Equal(t, "Liquidatable", resp.Health.Status)
	assert.Equal(t, "partial", resp.Health.Action)
	assert.NotNil(t, resp.Health.PostRatioBps)
}

func TestGetPosition_OracleFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.source.SetPrice("btc-usd", 40_000*e6, 1*e6, -6, now.Add(-2*time.Minute))

	resp, err := f.qs.GetPosition(context.Background(), trader)
	require.NoError(t, err)
	assert.Nil(t, resp.Health)
	assert.Contains(t, resp.HealthError, "StaleOraclePrice")
}

func TestGetPosition_UnknownOwner(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.qs.GetPosition(context.Background(), uuid.New())
	assert.ErrorIs(t, err, service.ErrPositionNotFound)
}

func TestListPositions_SortedByOwner(t *testing.T) {
	f := newFixture(t, nil)
	positions, err := f.qs.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, trader, positions[0].Owner)
	assert.Equal(t, market, positions[1].Owner)
	assert.Nil(t, positions[0].Health)
}

func TestGetRecordsFundAndBalance_AfterPartial(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.backend.Contribute(ctx, keeper, 5_000*e6, "seed")
	require.NoError(t, err)

	_, err = f.liq.Execute(ctx, service.Command{Kind: event.LiquidationKindPartial, Owner: trader, Liquidator: keeper})
	require.NoError(t, err)

	records, err := f.qs.GetRecords(ctx, trader, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "partial", records[0].Kind)
	assert.Equal(t, "1", records[0].LiquidatedSize)
	assert.Equal(t, "40000", records[0].LiquidationPrice)
	assert.Equal(t, "200", records[0].LiquidatorReward)
	assert.Equal(t, "0", records[0].BadDebt)
	assert.Len(t, records[0].Hash, 64)

	fund, err := f.qs.GetFund(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5000", fund.Balance)
	assert.Equal(t, "5000", fund.LedgerBalance)
	assert.Equal(t, keeper, fund.Authority)

	bal, err := f.qs.GetBalance(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, "USDC", bal.Asset)
	assert.Equal(t, "200", bal.Wallet)
	assert.Equal(t, "0", bal.PositionCollateral)
}

func TestVerifyIntegrity(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		_, err := f.liq.Execute(ctx, service.Command{Kind: event.LiquidationKindPartial, Owner: trader, Liquidator: keeper})
		require.NoError(t, err)

		report, err := f.qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy)
		assert.Equal(t, 2, report.OwnersChecked)
		assert.Equal(t, 1, report.RecordsChecked)
		assert.Empty(t, report.HashChainBreaks)
		assert.Empty(t, report.EscrowViolations)
		assert.Empty(t, report.UnbalancedAssets)
		assert.Empty(t, report.SystemAccounts)
		assert.Empty(t, report.InsuranceMirror)
	})

	t.Run("escrow behind a closed position", func(t *testing.T) {
		f := newFixture(t, func(b service.Backend) service.Backend { return closedBackend{b} })
		ctx := context.Background()
		_, err := f.liq.Execute(ctx, service.Command{Kind: event.LiquidationKindPartial, Owner: trader, Liquidator: keeper})
		require.NoError(t, err)

		report, err := f.qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsHealthy)
		require.Len(t, report.EscrowViolations, 1)
		assert.Equal(t, trader, report.EscrowViolations[0].Owner)
		assert.Contains(t, report.EscrowViolations[0].Error, "closed position still holds")
		assert.Empty(t, report.HashChainBreaks)
	})

	t.Run("tampered record", func(t *testing.T) {
		f := newFixture(t, func(b service.Backend) service.Backend { return tamperedBackend{b} })
		ctx := context.Background()
		_, err := f.liq.Execute(ctx, service.Command{Kind: event.LiquidationKindPartial, Owner: trader, Liquidator: keeper})
		require.NoError(t, err)

		report, err := f.qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsHealthy)
		require.Len(t, report.HashChainBreaks, 1)
		assert.Equal(t, trader, report.HashChainBreaks[0].Owner)
		assert.Contains(t, report.HashChainBreaks[0].Error, "hash mismatch")
	})
}

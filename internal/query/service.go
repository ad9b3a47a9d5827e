package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/service"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// DefaultRecordLimit caps record listings when the caller gives no limit.
const DefaultRecordLimit = 100

// QueryService provides read-only views over the liquidator's backend.
// Health is derived at query time from the current oracle price, the same
// way the engine sees it.
type QueryService struct {
	liq      *service.Liquidator
	backend  service.Backend
	accounts ledger.Accounts
	decimals int
}

func NewQueryService(liq *service.Liquidator, accounts ledger.Accounts) *QueryService {
	return &QueryService{
		liq:      liq,
		backend:  liq.Backend(),
		accounts: accounts,
		decimals: liq.Engine().Params().Price.DecimalPrecision,
	}
}

// GetPosition returns the owner's position and its health at the current
// oracle price. Oracle and validation failures do not fail the query; they
// are reported in HealthError.
func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID) (*PositionResponse, error) {
	pos, a, err := qs.liq.Evaluate(ctx, owner)
	if errors.Is(err, service.ErrPositionNotFound) {
		return nil, err
	}

	resp := qs.position(pos)
	if err != nil {
		resp.HealthError = err.Error()
		return resp, nil
	}
	resp.Health = qs.health(pos, a)
	return resp, nil
}

// ListPositions returns every stored position without health.
func (qs *QueryService) ListPositions(ctx context.Context) ([]PositionResponse, error) {
	positions, err := qs.backend.Positions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Owner.String() < positions[j].Owner.String()
	})

	out := make([]PositionResponse, 0, len(positions))
	for _, pos := range positions {
		out = append(out, *qs.position(pos))
	}
	return out, nil
}

// GetRecords returns up to limit of the owner's most recent audit records,
// oldest first.
func (qs *QueryService) GetRecords(ctx context.Context, owner uuid.UUID, limit int) ([]RecordResponse, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	records, err := qs.backend.Records(ctx, owner, limit)
	if err != nil {
		return nil, err
	}

	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, qs.record(rec))
	}
	return out, nil
}

// GetFund returns the insurance fund alongside its ledger account balance.
func (qs *QueryService) GetFund(ctx context.Context) (*FundResponse, error) {
	fund, err := qs.backend.Fund(ctx)
	if err != nil {
		return nil, err
	}
	ledgerBalance, err := qs.backend.Balance(ctx, qs.accounts.InsuranceFund())
	if err != nil {
		return nil, fmt.Errorf("insurance account: %w", err)
	}

	return &FundResponse{
		Authority:           fund.Authority,
		Balance:             qs.formatUint(fund.Balance),
		TotalBadDebtCovered: qs.formatUint(fund.TotalBadDebtCovered),
		TotalContributions:  qs.formatUint(fund.TotalContributions),
		UtilizationRatioBps: fund.UtilizationRatioBps,
		LedgerBalance:       qs.format(ledgerBalance),
		Version:             fund.Version,
	}, nil
}

// GetBalance returns the owner's wallet and position collateral balances.
func (qs *QueryService) GetBalance(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error) {
	wallet, err := qs.backend.Balance(ctx, qs.accounts.Wallet(owner))
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	held, err := qs.backend.Balance(ctx, qs.accounts.PositionCollateral(owner))
	if err != nil {
		return nil, fmt.Errorf("position collateral balance: %w", err)
	}

	asset, _ := ledger.GetAssetName(qs.accounts.Asset)
	return &BalanceResponse{
		Owner:              owner,
		Asset:              asset,
		Wallet:             qs.format(wallet),
		PositionCollateral: qs.format(held),
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity re-hashes every owner's record chain and checks the
// ledger invariants: zero-sum per asset, system accounts not overdrawn, the
// fund mirroring its account and no escrow left behind a closed position.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	validator := ledger.NewInvariantValidator(qs.backend)

	positions, err := qs.backend.Positions(ctx)
	if err != nil {
		return nil, err
	}
	for _, pos := range positions {
		records, err := qs.backend.Records(ctx, pos.Owner, 0)
		if err != nil {
			return nil, fmt.Errorf("records of %s: %w", pos.Owner, err)
		}
		report.OwnersChecked++
		report.RecordsChecked += len(records)
		if err := core.VerifyChain(records); err != nil {
			report.HashChainBreaks = append(report.HashChainBreaks, ChainBreak{Owner: pos.Owner, Error: err.Error()})
		}
		if err := validator.ValidatePositionEscrow(ctx, qs.accounts, pos.Owner, !pos.IsFlat()); err != nil {
			report.EscrowViolations = append(report.EscrowViolations, ChainBreak{Owner: pos.Owner, Error: err.Error()})
		}
	}

	imbalances, err := validator.Imbalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("global balance: %w", err)
	}
	for assetID, total := range imbalances {
		name, _ := ledger.GetAssetName(assetID)
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   uint16(assetID),
			Asset:     name,
			Imbalance: total,
		})
	}
	sort.Slice(report.UnbalancedAssets, func(i, j int) bool {
		return report.UnbalancedAssets[i].AssetID < report.UnbalancedAssets[j].AssetID
	})

	if err := validator.ValidateSystemNonNegative(ctx, qs.accounts); err != nil {
		report.SystemAccounts = err.Error()
	}

	fund, err := qs.backend.Fund(ctx)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateInsuranceMirror(ctx, qs.accounts, fund.Balance); err != nil {
		report.InsuranceMirror = err.Error()
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.EscrowViolations) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		report.SystemAccounts == "" &&
		report.InsuranceMirror == ""
	return report, nil
}

// Liquidation renders a settled command.
func (qs *QueryService) Liquidation(res *service.Result) *LiquidationResponse {
	if res.Duplicate {
		return &LiquidationResponse{Duplicate: true}
	}

	o := res.Outcome
	resp := &LiquidationResponse{
		Executed:    o.Executed,
		State:       o.State.String(),
		Price:       qs.formatUint(o.Price),
		RatioBefore: o.Health.RatioBps,
		RecordID:    o.RecordID,
		Position:    qs.position(res.Position),
	}
	if o.Record != nil {
		rec := qs.record(o.Record)
		resp.Record = &rec
	}
	if o.Coverage.BadDebt > 0 {
		resp.Coverage = &CoverageResponse{
			BadDebt:  qs.formatUint(o.Coverage.BadDebt),
			Covered:  qs.formatUint(o.Coverage.Covered),
			Leftover: qs.formatUint(o.Coverage.Leftover),
		}
	}
	return resp
}

// Decimals is the number of fractional digits amounts are rendered with.
func (qs *QueryService) Decimals() int {
	return qs.decimals
}

// --- helpers ---

func (qs *QueryService) position(pos state.Position) *PositionResponse {
	return &PositionResponse{
		Owner:      pos.Owner,
		Symbol:     pos.Symbol,
		Side:       pos.Side(),
		Size:       qs.formatUint(pos.Size),
		EntryPrice: qs.formatUint(pos.EntryPrice),
		Collateral: qs.format(pos.Collateral),
		Leverage:   pos.Leverage,
		LastUpdate: pos.LastUpdateTimestamp,
		Version:    pos.Version,
	}
}

func (qs *QueryService) health(pos state.Position, a core.Assessment) *HealthResponse {
	h := &HealthResponse{
		Price:          qs.formatUint(a.Price),
		Notional:       qs.formatUint(a.Health.Notional),
		UnrealizedPnl:  qs.format(a.Health.UnrealizedPnl),
		Margin:         qs.format(a.Health.Margin),
		RatioBps:       a.Health.RatioBps,
		MaintenanceBps: a.Health.MaintenanceBps,
		Status:         a.Health.Status(pos.Size).String(),
		Action:         a.Action.String(),
	}
	if a.Post != nil {
		ratio := a.Post.RatioBps
		h.PostRatioBps = &ratio
	}
	return h
}

func (qs *QueryService) record(rec *event.LiquidationRecord) RecordResponse {
	return RecordResponse{
		ID:               rec.ID,
		Owner:            rec.PositionOwner,
		Liquidator:       rec.Liquidator,
		Symbol:           rec.Symbol,
		Kind:             rec.Kind.String(),
		LiquidatedSize:   qs.formatUint(rec.LiquidatedSize),
		LiquidationPrice: qs.formatUint(rec.LiquidationPrice),
		MarginBefore:     qs.format(rec.MarginBefore),
		MarginAfter:      qs.format(rec.MarginAfter),
		LiquidatorReward: qs.formatUint(rec.LiquidatorReward),
		BadDebt:          qs.formatUint(rec.BadDebt),
		InsuranceCovered: qs.formatUint(rec.InsuranceCovered),
		Uncovered:        qs.formatUint(rec.Uncovered),
		Timestamp:        rec.Timestamp,
		PrevHash:         rec.PrevHash.String(),
		Hash:             rec.Hash.String(),
	}
}

func (qs *QueryService) format(v int64) string {
	return fpmath.ToDecimal(v, qs.decimals).String()
}

func (qs *QueryService) formatUint(v uint64) string {
	return fpmath.ToDecimalUint(v, qs.decimals).String()
}

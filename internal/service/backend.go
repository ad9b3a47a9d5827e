package service

import (
	"context"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// Tx is one settlement unit. Everything written through it becomes visible
// together when the enclosing Settle returns nil, or not at all.
type Tx interface {
	core.TransferExecutor
	core.RecordStore
	core.BalanceReader

	LoadPosition(ctx context.Context, owner uuid.UUID) (state.Position, error)
	// LoadFund locks the fund for writing; ReadFund does not.
	LoadFund(ctx context.Context) (state.InsuranceFund, error)
	ReadFund(ctx context.Context) (state.InsuranceFund, error)
	SavePosition(ctx context.Context, pos state.Position, expectedVersion int64) error
	SaveFund(ctx context.Context, fund state.InsuranceFund, expectedVersion int64) error
	MarkProcessed(ctx context.Context, kind, key, recordID string) error
}

// Backend is where positions, the fund, ledger balances and records live.
type Backend interface {
	Settle(ctx context.Context, fn func(tx Tx) error) error

	Position(ctx context.Context, owner uuid.UUID) (state.Position, error)
	Positions(ctx context.Context) ([]state.Position, error)
	Fund(ctx context.Context) (state.InsuranceFund, error)
	Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error)
	Balance(ctx context.Context, key ledger.AccountKey) (int64, error)
	GlobalBalance(ctx context.Context) (map[ledger.AssetID]int64, error)

	OpenPosition(ctx context.Context, pos state.Position) error
	Contribute(ctx context.Context, authority uuid.UUID, amount uint64, ref string) (state.InsuranceFund, error)
	Ping(ctx context.Context) error
}

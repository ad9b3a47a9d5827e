package service

import (
	"context"
	"errors"
	"fmt"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// SQLBackend runs settlements as database transactions.
type SQLBackend struct {
	store *persistence.Store
}

func NewSQLBackend(store *persistence.Store) *SQLBackend {
	return &SQLBackend{store: store}
}

func (b *SQLBackend) Settle(ctx context.Context, fn func(tx Tx) error) error {
	st, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer st.Rollback()

	if err := fn(st); err != nil {
		return err
	}
	return st.Commit()
}

func (b *SQLBackend) Position(ctx context.Context, owner uuid.UUID) (state.Position, error) {
	pos, err := b.store.GetPosition(ctx, owner)
	if errors.Is(err, persistence.ErrNotFound) {
		return state.Position{}, fmt.Errorf("position %s: %w", owner, ErrPositionNotFound)
	}
	return pos, err
}

func (b *SQLBackend) Positions(ctx context.Context) ([]state.Position, error) {
	return b.store.ListPositions(ctx)
}

func (b *SQLBackend) Fund(ctx context.Context) (state.InsuranceFund, error) {
	return b.store.GetFund(ctx)
}

func (b *SQLBackend) Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error) {
	return b.store.Records(ctx, owner, limit)
}

func (b *SQLBackend) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	return b.store.Balance(ctx, key)
}

func (b *SQLBackend) GlobalBalance(ctx context.Context) (map[ledger.AssetID]int64, error) {
	return b.store.GlobalBalance(ctx)
}

func (b *SQLBackend) OpenPosition(ctx context.Context, pos state.Position) error {
	return b.store.CreatePosition(ctx, pos)
}

func (b *SQLBackend) Contribute(ctx context.Context, authority uuid.UUID, amount uint64, ref string) (state.InsuranceFund, error) {
	return b.store.Contribute(ctx, authority, amount, ref)
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

var _ Backend = (*SQLBackend)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// MemoryBackend keeps all state in process. Settlements run one at a time.
type MemoryBackend struct {
	settleMu sync.Mutex

	accounts  ledger.Accounts
	positions *state.PositionStore
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	records   *persistence.MemoryRecordStore

	mu        sync.RWMutex
	fund      state.InsuranceFund
	processed map[string]string // kind:key -> record id
}

func NewMemoryBackend(accounts ledger.Accounts) *MemoryBackend {
	tracker := ledger.NewBalanceTracker()
	return &MemoryBackend{
		accounts:  accounts,
		positions: state.NewPositionStore(),
		tracker:   tracker,
		validator: ledger.NewInvariantValidator(tracker),
		records:   persistence.NewMemoryRecordStore(),
		processed: make(map[string]string),
	}
}

// Tracker exposes the ledger for invariant checks.
func (b *MemoryBackend) Tracker() *ledger.BalanceTracker {
	return b.tracker
}

func (b *MemoryBackend) Settle(ctx context.Context, fn func(tx Tx) error) error {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()

	tx := &memTx{b: b}
	err := fn(tx)
	if err == nil {
		err = tx.verify(ctx)
	}
	if err != nil {
		return errors.Join(err, tx.rollback(ctx))
	}
	tx.commit()
	return nil
}

func (b *MemoryBackend) Position(ctx context.Context, owner uuid.UUID) (state.Position, error) {
	pos, ok := b.positions.Get(owner)
	if !ok {
		return state.Position{}, fmt.Errorf("position %s: %w", owner, ErrPositionNotFound)
	}
	return pos, nil
}

func (b *MemoryBackend) Positions(ctx context.Context) ([]state.Position, error) {
	return b.positions.List(), nil
}

func (b *MemoryBackend) Fund(ctx context.Context) (state.InsuranceFund, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fund, nil
}

func (b *MemoryBackend) Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error) {
	return b.records.Records(ctx, owner, limit)
}

func (b *MemoryBackend) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	return b.tracker.Balance(ctx, key)
}

func (b *MemoryBackend) GlobalBalance(ctx context.Context) (map[ledger.AssetID]int64, error) {
	return b.tracker.GlobalBalance(ctx)
}

// OpenPosition registers pos and deposits its collateral into the vault.
func (b *MemoryBackend) OpenPosition(ctx context.Context, pos state.Position) error {
	if pos.Collateral < 0 {
		return fmt.Errorf("initial collateral must be non-negative")
	}

	b.settleMu.Lock()
	defer b.settleMu.Unlock()

	if existing, ok := b.positions.Get(pos.Owner); ok && existing.IsFlat() {
		pos.Version = existing.Version + 1
		if err := b.positions.Put(pos, existing.Version); err != nil {
			return err
		}
	} else if err := b.positions.Create(pos); err != nil {
		return err
	}

	if pos.Collateral == 0 {
		return nil
	}
	return b.tracker.Deposit(b.accounts, b.accounts.Vault(), uint64(pos.Collateral), "open:"+pos.Owner.String())
}

func (b *MemoryBackend) Contribute(ctx context.Context, authority uuid.UUID, amount uint64, ref string) (state.InsuranceFund, error) {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	fund := b.fund
	if fund.Authority == uuid.Nil {
		fund.Authority = authority
	}
	next, err := fund.WithContribution(amount)
	if err != nil {
		return state.InsuranceFund{}, err
	}
	if err := b.tracker.Deposit(b.accounts, b.accounts.InsuranceFund(), amount, ref); err != nil {
		return state.InsuranceFund{}, err
	}
	b.fund = next
	return next, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// IsDuplicate reports whether a request key was settled; it backs the
// durable tier of the idempotency checker in memory mode.
func (b *MemoryBackend) IsDuplicate(ctx context.Context, kind, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.processed[kind+":"+key]
	return ok, nil
}

// memTx applies transfers and records as it goes and buffers state writes
// until commit. rollback undoes the applied part.
type memTx struct {
	b *MemoryBackend

	transfers []ledger.Transfer
	appended  []*event.LiquidationRecord

	position  *state.Position
	fund      *state.InsuranceFund
	processed map[string]string
}

func (tx *memTx) Transfer(ctx context.Context, t ledger.Transfer) error {
	if err := tx.b.tracker.Transfer(ctx, t); err != nil {
		return err
	}
	tx.transfers = append(tx.transfers, t)
	return nil
}

func (tx *memTx) Append(ctx context.Context, rec *event.LiquidationRecord) (string, error) {
	id, err := tx.b.records.Append(ctx, rec)
	if err != nil {
		return "", err
	}
	tx.appended = append(tx.appended, rec)
	return id, nil
}

func (tx *memTx) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	return tx.b.tracker.Balance(ctx, key)
}

func (tx *memTx) LoadPosition(ctx context.Context, owner uuid.UUID) (state.Position, error) {
	return tx.b.Position(ctx, owner)
}

func (tx *memTx) LoadFund(ctx context.Context) (state.InsuranceFund, error) {
	return tx.b.Fund(ctx)
}

func (tx *memTx) ReadFund(ctx context.Context) (state.InsuranceFund, error) {
	return tx.b.Fund(ctx)
}

func (tx *memTx) SavePosition(ctx context.Context, pos state.Position, expectedVersion int64) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	current, ok := tx.b.positions.Get(pos.Owner)
	if !ok {
		return fmt.Errorf("position %s: %w", pos.Owner, ErrPositionNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", state.ErrVersionConflict, current.Version, expectedVersion)
	}
	tx.position = &pos
	return nil
}

func (tx *memTx) SaveFund(ctx context.Context, fund state.InsuranceFund, expectedVersion int64) error {
	current, _ := tx.b.Fund(ctx)
	if current.Version != expectedVersion {
		return fmt.Errorf("save insurance fund: %w (expected version %d)", state.ErrVersionConflict, expectedVersion)
	}
	tx.fund = &fund
	return nil
}

func (tx *memTx) MarkProcessed(ctx context.Context, kind, key, recordID string) error {
	if tx.processed == nil {
		tx.processed = make(map[string]string)
	}
	tx.processed[kind+":"+key] = recordID
	return nil
}

// verify checks the ledger against the state about to be committed.
func (tx *memTx) verify(ctx context.Context) error {
	v, accounts := tx.b.validator, tx.b.accounts
	if err := v.ValidateGlobalBalance(ctx); err != nil {
		return err
	}
	if err := v.ValidateSystemNonNegative(ctx, accounts); err != nil {
		return err
	}
	if tx.position != nil {
		if err := v.ValidatePositionEscrow(ctx, accounts, tx.position.Owner, !tx.position.IsFlat()); err != nil {
			return err
		}
	}
	fund, _ := tx.b.Fund(ctx)
	if tx.fund != nil {
		fund = *tx.fund
	}
	return v.ValidateInsuranceMirror(ctx, accounts, fund.Balance)
}

func (tx *memTx) commit() {
	if tx.position != nil {
		// Versions were checked under settleMu; nothing else writes positions.
		current, _ := tx.b.positions.Get(tx.position.Owner)
		_ = tx.b.positions.Put(*tx.position, current.Version)
	}

	tx.b.mu.Lock()
	defer tx.b.mu.Unlock()
	if tx.fund != nil {
		tx.b.fund = *tx.fund
	}
	for k, v := range tx.processed {
		tx.b.processed[k] = v
	}
}

func (tx *memTx) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(tx.appended) - 1; i >= 0; i-- {
		rec := tx.appended[i]
		if !tx.b.records.RemoveTip(rec.PositionOwner, rec.ID) {
			errs = append(errs, fmt.Errorf("record %s is no longer the chain tip", rec.ID))
		}
	}
	for i := len(tx.transfers) - 1; i >= 0; i-- {
		if err := tx.b.tracker.Transfer(ctx, tx.transfers[i].Reverse()); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", tx.transfers[i], err))
		}
	}
	return errors.Join(errs...)
}

var _ Backend = (*MemoryBackend)(nil)

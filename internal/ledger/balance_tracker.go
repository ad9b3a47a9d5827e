package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInsufficientBalance is returned when a transfer would overdraw an account.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances and the journal log.
// It is the in-memory transfer executor of the liquidation engine.
type BalanceTracker struct {
	mu        sync.RWMutex
	balances  map[AccountKey]int64
	journals  []Journal
	generator *JournalGenerator
	now       func() time.Time
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[AccountKey]int64),
		generator: NewJournalGenerator(1),
		now:       time.Now,
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.applyLocked(j)
}

func (bt *BalanceTracker) applyLocked(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
	bt.journals = append(bt.journals, j)
}

// ApplyBatch applies all journals in a batch. Non-external credit accounts
// must cover their amounts; otherwise nothing is applied.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	outflow := make(map[AccountKey]int64)
	for _, j := range batch.Journals {
		if j.CreditAccount.IsExternal() {
			continue
		}
		outflow[j.CreditAccount] += j.Amount
		if bt.balances[j.CreditAccount]-outflow[j.CreditAccount] < 0 {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance,
				j.CreditAccount.AccountPath(), bt.balances[j.CreditAccount], outflow[j.CreditAccount])
		}
	}

	for _, j := range batch.Journals {
		bt.applyLocked(j)
	}

	return nil
}

// Transfer executes one transfer as its own batch.
func (bt *BalanceTracker) Transfer(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch, err := bt.generator.GenerateTransfer(t, bt.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("generate journal: %w", err)
	}
	return bt.ApplyBatch(batch)
}

// Deposit funds an account from the external boundary.
func (bt *BalanceTracker) Deposit(accounts Accounts, to AccountKey, amount uint64, ref string) error {
	batch, err := bt.generator.GenerateDeposit(accounts, to, amount, ref, bt.now().UnixMicro())
	if err != nil {
		return err
	}
	return bt.ApplyBatch(batch)
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// Balance is GetBalance behind a context, the shape the engine and the
// invariant validator read through.
func (bt *BalanceTracker) Balance(ctx context.Context, key AccountKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return bt.GetBalance(key), nil
}

// GlobalBalance is ComputeGlobalBalance behind a context.
func (bt *BalanceTracker) GlobalBalance(ctx context.Context) (map[AssetID]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bt.ComputeGlobalBalance(), nil
}

// Journals returns a copy of the applied journal log.
func (bt *BalanceTracker) Journals() []Journal {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	out := make([]Journal, len(bt.journals))
	copy(out, bt.journals)
	return out
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[AssetID]int64)
	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

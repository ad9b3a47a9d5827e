package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceSource is a readable ledger. *BalanceTracker satisfies it, and so
// does any store that keeps balances in a table.
type BalanceSource interface {
	Balance(ctx context.Context, key AccountKey) (int64, error)
	GlobalBalance(ctx context.Context) (map[AssetID]int64, error)
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	source BalanceSource
}

func NewInvariantValidator(source BalanceSource) *InvariantValidator {
	return &InvariantValidator{
		source: source,
	}
}

// Imbalances returns the total of every asset whose balances do not sum to
// zero.
func (v *InvariantValidator) Imbalances(ctx context.Context) (map[AssetID]int64, error) {
	totals, err := v.source.GlobalBalance(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[AssetID]int64)
	for assetID, total := range totals {
		if total != 0 {
			out[assetID] = total
		}
	}
	return out, nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance(ctx context.Context) error {
	bad, err := v.Imbalances(ctx)
	if err != nil {
		return err
	}

	if len(bad) == 0 {
		return nil
	}
	ids := make([]AssetID, 0, len(bad))
	for id := range bad {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assetName, _ := GetAssetName(ids[0])
	return fmt.Errorf("global balance for %s is non-zero: %d", assetName, bad[ids[0]])
}

// ValidateInsuranceMirror verifies the fund's bookkeeping balance equals the
// insurance_fund account balance.
func (v *InvariantValidator) ValidateInsuranceMirror(ctx context.Context, accounts Accounts, fundBalance uint64) error {
	key := accounts.InsuranceFund()
	balance, err := v.source.Balance(ctx, key)
	if err != nil {
		return err
	}

	if balance < 0 || uint64(balance) != fundBalance {
		return fmt.Errorf("insurance fund mirror %d does not match %s balance %d",
			fundBalance, key.AccountPath(), balance)
	}
	return nil
}

// ValidateSystemNonNegative checks the vault and insurance fund are not overdrawn.
func (v *InvariantValidator) ValidateSystemNonNegative(ctx context.Context, accounts Accounts) error {
	for _, key := range []AccountKey{accounts.Vault(), accounts.InsuranceFund()} {
		balance, err := v.source.Balance(ctx, key)
		if err != nil {
			return err
		}
		if balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidatePositionEscrow checks the owner's position collateral account. It
// holds partial-close proceeds while the position is open and must be empty
// once it is closed.
func (v *InvariantValidator) ValidatePositionEscrow(ctx context.Context, accounts Accounts, owner uuid.UUID, open bool) error {
	key := accounts.PositionCollateral(owner)
	balance, err := v.source.Balance(ctx, key)
	if err != nil {
		return err
	}

	switch {
	case balance < 0:
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	case !open && balance != 0:
		return fmt.Errorf("closed position still holds %d in %s", balance, key.AccountPath())
	}
	return nil
}

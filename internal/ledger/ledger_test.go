package ledger_test

import (
	"context"
	"errors"
	"testing"

	"PerpLiquidator/internal/ledger"

	"github.com/google/uuid"
)

func usdc(t *testing.T) ledger.Accounts {
	t.Helper()
	accounts, err := ledger.NewAccounts("USDC")
	if err != nil {
		t.Fatalf("NewAccounts: %v", err)
	}
	return accounts
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	accounts := usdc(t)

	path := accounts.PositionCollateral(userID).AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:position_collateral:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPaths(t *testing.T) {
	accounts := usdc(t)

	if path := accounts.InsuranceFund().AccountPath(); path != "system:insurance_fund:USDC" {
		t.Errorf("got %q, want %q", path, "system:insurance_fund:USDC")
	}
	if path := accounts.Vault().AccountPath(); path != "system:vault:USDC" {
		t.Errorf("got %q, want %q", path, "system:vault:USDC")
	}
	if path := accounts.Deposits().AccountPath(); path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestNewAccounts_Unknown(t *testing.T) {
	if _, err := ledger.NewAccounts("DOGE"); err == nil {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker as transfer executor
// ============================================================================

func TestBalanceTracker_TransferMovesFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)
	liquidator := uuid.New()

	if err := bt.Deposit(accounts, accounts.Vault(), 1_000, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	err := bt.Transfer(context.Background(), ledger.Transfer{
		From:   accounts.Vault(),
		To:     accounts.Wallet(liquidator),
		Amount: 250,
		Type:   ledger.JournalTypeLiquidatorReward,
		Ref:    "rec-1",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if got := bt.GetBalance(accounts.Vault()); got != 750 {
		t.Errorf("vault: got %d, want 750", got)
	}
	if got := bt.GetBalance(accounts.Wallet(liquidator)); got != 250 {
		t.Errorf("liquidator: got %d, want 250", got)
	}

	journals := bt.Journals()
	if len(journals) != 2 {
		t.Fatalf("got %d journals, want 2", len(journals))
	}
	last := journals[1]
	if last.DebitAccount != accounts.Wallet(liquidator) || last.CreditAccount != accounts.Vault() {
		t.Errorf("debit/credit sides wrong: %+v", last)
	}
	if last.Sequence <= journals[0].Sequence {
		t.Errorf("sequence not increasing: %d then %d", journals[0].Sequence, last.Sequence)
	}
}

func TestBalanceTracker_TransferRejectsOverdraft(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)

	err := bt.Transfer(context.Background(), ledger.Transfer{
		From:   accounts.InsuranceFund(),
		To:     accounts.Vault(),
		Amount: 1,
		Type:   ledger.JournalTypeInsuranceCoverage,
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(bt.Journals()) != 0 {
		t.Error("rejected transfer must not be journaled")
	}
}

func TestBalanceTracker_TransferRejectsZeroAndCancelled(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)
	tr := ledger.Transfer{From: accounts.Deposits(), To: accounts.Vault(), Amount: 0}

	if err := bt.Transfer(context.Background(), tr); err == nil {
		t.Error("zero transfer should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Amount = 1
	if err := bt.Transfer(ctx, tr); err == nil {
		t.Error("cancelled context should fail")
	}
}

func TestBalanceTracker_ReverseRestoresBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)
	trader := uuid.New()
	ctx := context.Background()

	if err := bt.Deposit(accounts, accounts.Vault(), 500, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	before := bt.Snapshot()

	tr := ledger.Transfer{From: accounts.Vault(), To: accounts.Wallet(trader), Amount: 300, Type: ledger.JournalTypeTraderPayout}
	if err := bt.Transfer(ctx, tr); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := bt.Transfer(ctx, tr.Reverse()); err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	after := bt.Snapshot()
	for k, v := range before {
		if after[k] != v {
			t.Errorf("%s: got %d, want %d", k.AccountPath(), after[k], v)
		}
	}
	if after[accounts.Wallet(trader)] != 0 {
		t.Errorf("trader wallet should be back to 0")
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	ctx := context.Background()
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(ctx); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	if err := bt.Deposit(accounts, accounts.Vault(), 1_000_000, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := bt.Transfer(ctx, ledger.Transfer{
		From: accounts.Vault(), To: accounts.InsuranceFund(), Amount: 300_000, Type: ledger.JournalTypeInsuranceContribution,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if err := v.ValidateGlobalBalance(ctx); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
	if bad, err := v.Imbalances(ctx); err != nil || len(bad) != 0 {
		t.Errorf("Imbalances = %v, %v; want none", bad, err)
	}
	if err := v.ValidateSystemNonNegative(ctx, accounts); err != nil {
		t.Errorf("system accounts should be non-negative: %v", err)
	}
	if err := v.ValidateInsuranceMirror(ctx, accounts, 300_000); err != nil {
		t.Errorf("mirror should match: %v", err)
	}
	if err := v.ValidateInsuranceMirror(ctx, accounts, 1); err == nil {
		t.Error("mirror mismatch should fail")
	}
}

// skewedSource reports fixed global totals.
type skewedSource struct {
	*ledger.BalanceTracker
	totals map[ledger.AssetID]int64
}

func (s skewedSource) GlobalBalance(context.Context) (map[ledger.AssetID]int64, error) {
	return s.totals, nil
}

func TestInvariantValidator_Imbalances(t *testing.T) {
	ctx := context.Background()
	accounts := usdc(t)
	v := ledger.NewInvariantValidator(skewedSource{
		BalanceTracker: ledger.NewBalanceTracker(),
		totals:         map[ledger.AssetID]int64{accounts.Vault().AssetID: 5},
	})

	bad, err := v.Imbalances(ctx)
	if err != nil {
		t.Fatalf("Imbalances: %v", err)
	}
	if len(bad) != 1 || bad[accounts.Vault().AssetID] != 5 {
		t.Errorf("Imbalances = %v, want USDC off by 5", bad)
	}
	if err := v.ValidateGlobalBalance(ctx); err == nil {
		t.Error("unbalanced ledger should fail")
	}
}

func TestInvariantValidator_PositionEscrow(t *testing.T) {
	ctx := context.Background()
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)
	v := ledger.NewInvariantValidator(bt)
	owner := uuid.New()

	if err := v.ValidatePositionEscrow(ctx, accounts, owner, false); err != nil {
		t.Errorf("empty escrow on a closed position should pass: %v", err)
	}

	if err := bt.Deposit(accounts, accounts.Vault(), 1_000, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := bt.Transfer(ctx, ledger.Transfer{
		From: accounts.Vault(), To: accounts.PositionCollateral(owner), Amount: 400, Type: ledger.JournalTypeNetProceeds,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if err := v.ValidatePositionEscrow(ctx, accounts, owner, true); err != nil {
		t.Errorf("open position may hold escrow: %v", err)
	}
	if err := v.ValidatePositionEscrow(ctx, accounts, owner, false); err == nil {
		t.Error("closed position holding escrow should fail")
	}

	if err := bt.Transfer(ctx, ledger.Transfer{
		From: accounts.PositionCollateral(owner), To: accounts.Vault(), Amount: 400, Type: ledger.JournalTypeCollateralRelease,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := v.ValidatePositionEscrow(ctx, accounts, owner, false); err != nil {
		t.Errorf("released escrow should pass: %v", err)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := usdc(t)

	if err := bt.Deposit(accounts, accounts.Vault(), 999, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetBalance(accounts.Vault()) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate(t *testing.T) {
	accounts := usdc(t)
	other, _ := ledger.NewAccounts("USDT")
	user := accounts.Wallet(uuid.New())

	tests := []struct {
		name    string
		mutate  func(b *ledger.Batch)
		wantErr bool
	}{
		{"valid", func(b *ledger.Batch) {}, false},
		{"empty", func(b *ledger.Batch) { b.Journals = nil }, true},
		{"zero amount", func(b *ledger.Batch) { b.Journals[0].Amount = 0 }, true},
		{"negative amount", func(b *ledger.Batch) { b.Journals[0].Amount = -100 }, true},
		{"self transfer", func(b *ledger.Batch) { b.Journals[0].CreditAccount = user }, true},
		{"mismatched batch id", func(b *ledger.Batch) { b.Journals[0].BatchID = uuid.New() }, true},
		{"mixed assets", func(b *ledger.Batch) { b.Journals[0].CreditAccount = other.Deposits() }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batchID := uuid.New()
			batch := &ledger.Batch{
				BatchID: batchID,
				Journals: []ledger.Journal{{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  user,
					CreditAccount: accounts.Deposits(),
					AssetID:       accounts.Asset,
					Amount:        1_000_000,
				}},
			}
			tt.mutate(batch)

			err := batch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestJournalGenerator_RejectsCrossAsset(t *testing.T) {
	accounts := usdc(t)
	other, _ := ledger.NewAccounts("USDT")
	jg := ledger.NewJournalGenerator(1)

	_, err := jg.GenerateTransfer(ledger.Transfer{From: accounts.Vault(), To: other.Vault(), Amount: 1}, 0)
	if err == nil {
		t.Error("cross-asset transfer should fail")
	}
	if jg.Sequence() != 1 {
		t.Errorf("failed generation must not consume a sequence, got %d", jg.Sequence())
	}
}

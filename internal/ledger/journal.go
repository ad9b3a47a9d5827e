package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeInsuranceContribution
	JournalTypeLiquidatorReward
	JournalTypeNetProceeds
	JournalTypeTraderPayout
	JournalTypeInsuranceCoverage
	JournalTypeReversal
	JournalTypeCollateralRelease
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeInsuranceContribution:
		return "insurance_contribution"
	case JournalTypeLiquidatorReward:
		return "liquidator_reward"
	case JournalTypeNetProceeds:
		return "net_proceeds"
	case JournalTypeTraderPayout:
		return "trader_payout"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeReversal:
		return "reversal"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	default:
		return "unknown"
	}
}

// Transfer moves Amount from one account to another. It is the unit the
// liquidation engine asks the executor to perform.
type Transfer struct {
	From   AccountKey
	To     AccountKey
	Amount uint64
	Type   JournalType
	Ref    string // Record or request reference
}

// Reverse returns the compensating transfer.
func (t Transfer) Reverse() Transfer {
	return Transfer{
		From:   t.To,
		To:     t.From,
		Amount: t.Amount,
		Type:   JournalTypeReversal,
		Ref:    t.Ref,
	}
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %d %s -> %s", t.Type, t.Amount, t.From.AccountPath(), t.To.AccountPath())
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Reference of the originating transfer
	Sequence      int64       // Ledger sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

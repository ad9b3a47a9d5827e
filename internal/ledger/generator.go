package ledger

import (
	"fmt"
	"sync"

	fpmath "PerpLiquidator/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator turns transfers into balanced journal batches and
// assigns ledger sequence numbers.
type JournalGenerator struct {
	mu       sync.Mutex
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Sequence returns the next sequence to be assigned.
func (jg *JournalGenerator) Sequence() int64 {
	jg.mu.Lock()
	defer jg.mu.Unlock()
	return jg.sequence
}

// GenerateTransfer creates a one-entry batch for t.
// Moves funds: t.From (credit) → t.To (debit)
func (jg *JournalGenerator) GenerateTransfer(t Transfer, timestamp int64) (*Batch, error) {
	if t.Amount == 0 {
		return nil, fmt.Errorf("transfer amount must be > 0")
	}
	if t.From.AssetID != t.To.AssetID {
		return nil, fmt.Errorf("transfer crosses assets: %s -> %s", t.From.AccountPath(), t.To.AccountPath())
	}
	amount, err := fpmath.ToInt64(t.Amount)
	if err != nil {
		return nil, fmt.Errorf("transfer amount %d: %w", t.Amount, err)
	}

	jg.mu.Lock()
	seq := jg.sequence
	jg.sequence++
	jg.mu.Unlock()

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  t.Ref,
		Sequence:  seq,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      t.Ref,
			Sequence:      seq,
			DebitAccount:  t.To,
			CreditAccount: t.From,
			AssetID:       t.To.AssetID,
			Amount:        amount,
			JournalType:   t.Type,
			Timestamp:     timestamp,
		}},
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// GenerateDeposit funds a user account from the external boundary.
func (jg *JournalGenerator) GenerateDeposit(accounts Accounts, to AccountKey, amount uint64, ref string, timestamp int64) (*Batch, error) {
	return jg.GenerateTransfer(Transfer{
		From:   accounts.Deposits(),
		To:     to,
		Amount: amount,
		Type:   JournalTypeDeposit,
		Ref:    ref,
	}, timestamp)
}

// GenerateInsuranceContribution capitalizes the insurance fund.
func (jg *JournalGenerator) GenerateInsuranceContribution(accounts Accounts, amount uint64, ref string, timestamp int64) (*Batch, error) {
	return jg.GenerateTransfer(Transfer{
		From:   accounts.Deposits(),
		To:     accounts.InsuranceFund(),
		Amount: amount,
		Type:   JournalTypeInsuranceContribution,
		Ref:    ref,
	}, timestamp)
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// Settlement is one database transaction around a liquidation. Rows it loads
// stay locked until Commit or Rollback; transfers, records and the final
// position and fund writes all land in the same transaction.
//
// Each Transfer and Append runs under a savepoint so a failed statement
// leaves the transaction usable for the engine's compensating transfers.
type Settlement struct {
	tx    *sql.Tx
	store *Store
	done  bool
}

// Begin opens a settlement.
func (s *Store) Begin(ctx context.Context) (*Settlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.persistError("tx_begin", fmt.Errorf("begin settlement: %w", err))
	}
	return &Settlement{tx: tx, store: s}, nil
}

func (st *Settlement) rebind(q string) string {
	return st.store.dialect.Rebind(q)
}

// LoadPosition reads and locks the owner's position.
func (st *Settlement) LoadPosition(ctx context.Context, owner uuid.UUID) (state.Position, error) {
	row := st.tx.QueryRowContext(ctx, st.rebind(
		`SELECT `+positionColumns+` FROM positions WHERE owner = ?`+st.store.dialect.ForUpdate), owner.String())
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Position{}, fmt.Errorf("position %s: %w", owner, ErrNotFound)
	}
	return pos, err
}

// LoadFund reads and locks the insurance fund. An uninitialized fund is empty.
func (st *Settlement) LoadFund(ctx context.Context) (state.InsuranceFund, error) {
	row := st.tx.QueryRowContext(ctx,
		`SELECT `+fundColumns+` FROM insurance_fund WHERE id = 1`+st.store.dialect.ForUpdate)
	fund, err := scanFund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.InsuranceFund{}, nil
	}
	return fund, err
}

// ReadFund reads the fund without locking it. Settlements that never write
// the fund use it so they do not queue behind full liquidations.
func (st *Settlement) ReadFund(ctx context.Context) (state.InsuranceFund, error) {
	row := st.tx.QueryRowContext(ctx, `SELECT `+fundColumns+` FROM insurance_fund WHERE id = 1`)
	fund, err := scanFund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.InsuranceFund{}, nil
	}
	return fund, err
}

func (st *Settlement) insertPosition(ctx context.Context, pos state.Position) error {
	nums, err := toInt64s(pos.Size, pos.EntryPrice)
	if err != nil {
		return err
	}
	_, err = st.tx.ExecContext(ctx, st.rebind(
		`INSERT INTO positions (`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pos.Owner.String(), pos.Symbol, nums[0], nums[1], pos.Collateral,
		pos.IsLong, int64(pos.Leverage), pos.LastUpdateTimestamp, pos.Version,
	)
	if err != nil {
		return st.store.persistError("insert_position", fmt.Errorf("insert position %s: %w", pos.Owner, err))
	}
	return nil
}

// SavePosition writes pos if the stored version still equals expectedVersion.
func (st *Settlement) SavePosition(ctx context.Context, pos state.Position, expectedVersion int64) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	nums, err := toInt64s(pos.Size, pos.EntryPrice)
	if err != nil {
		return err
	}

	res, err := st.tx.ExecContext(ctx, st.rebind(`
		UPDATE positions
		SET symbol = ?, size = ?, entry_price = ?, collateral = ?, is_long = ?,
		    leverage = ?, last_update_timestamp = ?, version = ?
		WHERE owner = ? AND version = ?`),
		pos.Symbol, nums[0], nums[1], pos.Collateral, pos.IsLong,
		int64(pos.Leverage), pos.LastUpdateTimestamp, pos.Version,
		pos.Owner.String(), expectedVersion,
	)
	if err != nil {
		return st.store.persistError("save_position", fmt.Errorf("save position %s: %w", pos.Owner, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("save position %s: %w (expected version %d)", pos.Owner, state.ErrVersionConflict, expectedVersion)
	}
	return nil
}

// SaveFund upserts the fund if the stored version still equals expectedVersion.
func (st *Settlement) SaveFund(ctx context.Context, fund state.InsuranceFund, expectedVersion int64) error {
	nums, err := toInt64s(fund.Balance, fund.TotalBadDebtCovered, fund.TotalContributions, fund.UtilizationRatioBps)
	if err != nil {
		return err
	}

	res, err := st.tx.ExecContext(ctx, st.rebind(`
		INSERT INTO insurance_fund (id, `+fundColumns+`)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			authority = excluded.authority,
			balance = excluded.balance,
			total_bad_debt_covered = excluded.total_bad_debt_covered,
			total_contributions = excluded.total_contributions,
			utilization_ratio_bps = excluded.utilization_ratio_bps,
			version = excluded.version
		WHERE insurance_fund.version = ?`),
		fund.Authority.String(), nums[0], nums[1], nums[2], nums[3], fund.Version,
		expectedVersion,
	)
	if err != nil {
		return st.store.persistError("save_fund", fmt.Errorf("save insurance fund: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("save insurance fund: %w (expected version %d)", state.ErrVersionConflict, expectedVersion)
	}
	return nil
}

// Balance reads an account inside the settlement, so it sees the
// settlement's own transfers (0 if never touched).
func (st *Settlement) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := st.tx.QueryRowContext(ctx, st.rebind(
		`SELECT balance FROM account_balances WHERE account_path = ?`), key.AccountPath()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Transfer journals t and moves the balances. Non-external accounts are
// never overdrawn.
func (st *Settlement) Transfer(ctx context.Context, t ledger.Transfer) error {
	batch, err := st.store.gen.GenerateTransfer(t, st.store.now().UnixMicro())
	if err != nil {
		return err
	}

	return st.savepoint(ctx, func() error {
		for _, j := range batch.Journals {
			if err := st.applyJournal(ctx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (st *Settlement) applyJournal(ctx context.Context, j ledger.Journal) error {
	if _, err := st.tx.ExecContext(ctx, st.rebind(`
		INSERT INTO journal (journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		                     asset_id, amount, journal_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.JournalID.String(), j.BatchID.String(), j.EventRef, j.Sequence,
		j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(),
		int64(j.AssetID), j.Amount, int64(j.JournalType), j.Timestamp,
	); err != nil {
		return st.store.persistError("write_journal", fmt.Errorf("insert journal: %w", err))
	}

	// Credit side (balance decreases)
	if j.CreditAccount.IsExternal() {
		if err := st.addBalance(ctx, j.CreditAccount, -j.Amount); err != nil {
			return err
		}
	} else {
		res, err := st.tx.ExecContext(ctx, st.rebind(
			`UPDATE account_balances SET balance = balance - ? WHERE account_path = ? AND balance >= ?`),
			j.Amount, j.CreditAccount.AccountPath(), j.Amount)
		if err != nil {
			return st.store.persistError("write_balance", fmt.Errorf("debit %s: %w", j.CreditAccount.AccountPath(), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s cannot cover %d", ledger.ErrInsufficientBalance, j.CreditAccount.AccountPath(), j.Amount)
		}
	}

	// Debit side (balance increases)
	return st.addBalance(ctx, j.DebitAccount, j.Amount)
}

func (st *Settlement) addBalance(ctx context.Context, key ledger.AccountKey, delta int64) error {
	_, err := st.tx.ExecContext(ctx, st.rebind(`
		INSERT INTO account_balances (account_path, asset_id, balance) VALUES (?, ?, ?)
		ON CONFLICT (account_path) DO UPDATE SET balance = account_balances.balance + excluded.balance`),
		key.AccountPath(), int64(key.AssetID), delta)
	if err != nil {
		return st.store.persistError("write_balance", fmt.Errorf("credit %s: %w", key.AccountPath(), err))
	}
	return nil
}

// Append seals rec onto the owner's record chain and inserts it. The owner's
// position row must already be locked by this settlement.
func (st *Settlement) Append(ctx context.Context, rec *event.LiquidationRecord) (string, error) {
	nums, err := toInt64s(rec.LiquidatedSize, rec.LiquidationPrice, rec.LiquidatorReward,
		rec.BadDebt, rec.InsuranceCovered, rec.Uncovered)
	if err != nil {
		return "", err
	}

	err = st.savepoint(ctx, func() error {
		var exists int
		err := st.tx.QueryRowContext(ctx, st.rebind(
			`SELECT 1 FROM liquidation_records WHERE position_owner = ? AND timestamp = ?`),
			rec.PositionOwner.String(), rec.Timestamp).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.UniqueKey())
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var tip event.Hash
		var last []byte
		err = st.tx.QueryRowContext(ctx, st.rebind(
			`SELECT hash FROM liquidation_records WHERE position_owner = ? ORDER BY seq DESC LIMIT 1`),
			rec.PositionOwner.String()).Scan(&last)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			copy(tip[:], last)
		}
		core.Seal(tip, rec)

		_, err = st.tx.ExecContext(ctx, st.rebind(`
			INSERT INTO liquidation_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID.String(), rec.PositionOwner.String(), rec.Liquidator.String(), rec.Symbol,
			int64(rec.Kind), nums[0], nums[1], rec.MarginBefore, rec.MarginAfter,
			nums[2], nums[3], nums[4], nums[5], rec.Timestamp, rec.PrevHash[:], rec.Hash[:],
		)
		return err
	})
	if err != nil {
		rec.PrevHash, rec.Hash = event.Hash{}, event.Hash{}
		return "", st.store.persistError("append_record", fmt.Errorf("append record %s: %w", rec.ID, err))
	}
	return rec.ID.String(), nil
}

// MarkProcessed remembers a request key for durable deduplication.
func (st *Settlement) MarkProcessed(ctx context.Context, kind, key, recordID string) error {
	_, err := st.tx.ExecContext(ctx, st.rebind(`
		INSERT INTO processed_requests (kind, idempotency_key, record_id) VALUES (?, ?, ?)
		ON CONFLICT (kind, idempotency_key) DO NOTHING`), kind, key, recordID)
	if err != nil {
		return st.store.persistError("mark_processed", err)
	}
	return nil
}

func (st *Settlement) savepoint(ctx context.Context, fn func() error) error {
	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT liq_op"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT liq_op"); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	_, err := st.tx.ExecContext(ctx, "RELEASE SAVEPOINT liq_op")
	return err
}

// Commit makes the settlement durable.
func (st *Settlement) Commit() error {
	if st.done {
		return fmt.Errorf("settlement already finished")
	}
	st.done = true
	if err := st.tx.Commit(); err != nil {
		return st.store.persistError("tx_commit", fmt.Errorf("commit settlement: %w", err))
	}
	return nil
}

// Rollback discards the settlement. It is a no-op after Commit.
func (st *Settlement) Rollback() error {
	if st.done {
		return nil
	}
	st.done = true
	return st.tx.Rollback()
}

// compile-time checks
var (
	_ core.TransferExecutor = (*Settlement)(nil)
	_ core.RecordStore      = (*Settlement)(nil)
)

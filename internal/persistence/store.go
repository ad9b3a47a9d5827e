package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRecord is returned when a record for the same
// (position_owner, timestamp) already exists.
var ErrDuplicateRecord = errors.New("liquidation record already exists for owner and timestamp")

const positionColumns = `owner, symbol, size, entry_price, collateral, is_long, leverage, last_update_timestamp, version`

const fundColumns = `authority, balance, total_bad_debt_covered, total_contributions, utilization_ratio_bps, version`

const recordColumns = `id, position_owner, liquidator, symbol, kind, liquidated_size, liquidation_price,
	margin_before, margin_after, liquidator_reward, bad_debt, insurance_covered, uncovered,
	timestamp, prev_hash, hash`

// Store is the SQL-backed state of the liquidator: positions, the insurance
// fund, ledger balances with their journal, and the audit records.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	accounts ledger.Accounts
	gen      *ledger.JournalGenerator
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewStore wraps an open, migrated database.
func NewStore(ctx context.Context, db *sql.DB, dialect Dialect, accounts ledger.Accounts, logger zerolog.Logger, metrics *observability.Metrics) (*Store, error) {
	var lastSeq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM journal`).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("read journal sequence: %w", err)
	}

	return &Store{
		db:       db,
		dialect:  dialect,
		accounts: accounts,
		gen:      ledger.NewJournalGenerator(lastSeq + 1),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks connectivity (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) persistError(op string, err error) error {
	if s.metrics != nil {
		s.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
	return err
}

// --- Reads ---

// GetPosition returns the owner's position or ErrNotFound.
func (s *Store) GetPosition(ctx context.Context, owner uuid.UUID) (state.Position, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+positionColumns+` FROM positions WHERE owner = ?`), owner.String())
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Position{}, fmt.Errorf("position %s: %w", owner, ErrNotFound)
	}
	return pos, err
}

// ListPositions returns all positions ordered by owner.
func (s *Store) ListPositions(ctx context.Context) ([]state.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []state.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// GetFund returns the insurance fund. An uninitialized fund is empty.
func (s *Store) GetFund(ctx context.Context) (state.InsuranceFund, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fundColumns+` FROM insurance_fund WHERE id = 1`)
	fund, err := scanFund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.InsuranceFund{}, nil
	}
	return fund, err
}

// Balance returns the ledger balance of an account (0 if never touched).
func (s *Store) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT balance FROM account_balances WHERE account_path = ?`), key.AccountPath()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// GlobalBalance sums balances per asset; every asset must net to zero.
func (s *Store) GlobalBalance(ctx context.Context) (map[ledger.AssetID]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset_id, SUM(balance) FROM account_balances GROUP BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[ledger.AssetID]int64)
	for rows.Next() {
		var asset int64
		var total int64
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		totals[ledger.AssetID(asset)] = total
	}
	return totals, rows.Err()
}

// Records returns up to limit of the owner's most recent records, oldest
// first. limit <= 0 returns all.
func (s *Store) Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM liquidation_records WHERE position_owner = ? ORDER BY seq DESC`
	args := []interface{}{owner.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*event.LiquidationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the query; callers get chain order
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// --- Writes outside the liquidation path ---

// CreatePosition stores a new position and moves its collateral from
// external deposits into the system vault. A flat position row for the same
// owner is replaced.
func (s *Store) CreatePosition(ctx context.Context, pos state.Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	if pos.Collateral < 0 {
		return fmt.Errorf("initial collateral must be non-negative")
	}

	return s.withSettlement(ctx, func(st *Settlement) error {
		existing, err := st.LoadPosition(ctx, pos.Owner)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := st.insertPosition(ctx, pos); err != nil {
				return err
			}
		case err != nil:
			return err
		case !existing.IsFlat():
			return fmt.Errorf("owner %s already has an open position", pos.Owner)
		default:
			pos.Version = existing.Version + 1
			if err := st.SavePosition(ctx, pos, existing.Version); err != nil {
				return err
			}
		}

		if pos.Collateral == 0 {
			return nil
		}
		return st.Transfer(ctx, ledger.Transfer{
			From:   s.accounts.Deposits(),
			To:     s.accounts.Vault(),
			Amount: uint64(pos.Collateral),
			Type:   ledger.JournalTypeDeposit,
			Ref:    "open:" + pos.Owner.String(),
		})
	})
}

// Contribute capitalizes the insurance fund.
func (s *Store) Contribute(ctx context.Context, authority uuid.UUID, amount uint64, ref string) (state.InsuranceFund, error) {
	var result state.InsuranceFund
	err := s.withSettlement(ctx, func(st *Settlement) error {
		fund, err := st.LoadFund(ctx)
		if err != nil {
			return err
		}
		if fund.Authority == uuid.Nil {
			fund.Authority = authority
		}
		next, err := fund.WithContribution(amount)
		if err != nil {
			return err
		}
		if err := st.SaveFund(ctx, next, fund.Version); err != nil {
			return err
		}
		if err := st.Transfer(ctx, ledger.Transfer{
			From:   s.accounts.Deposits(),
			To:     s.accounts.InsuranceFund(),
			Amount: amount,
			Type:   ledger.JournalTypeInsuranceContribution,
			Ref:    ref,
		}); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Store) withSettlement(ctx context.Context, fn func(*Settlement) error) error {
	st, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer st.Rollback()

	if err := fn(st); err != nil {
		return err
	}
	return st.Commit()
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scanner) (state.Position, error) {
	var (
		owner      string
		pos        state.Position
		size       int64
		entryPrice int64
		leverage   int64
	)
	if err := row.Scan(&owner, &pos.Symbol, &size, &entryPrice, &pos.Collateral,
		&pos.IsLong, &leverage, &pos.LastUpdateTimestamp, &pos.Version); err != nil {
		return state.Position{}, err
	}

	var err error
	if pos.Owner, err = uuid.Parse(owner); err != nil {
		return state.Position{}, fmt.Errorf("position owner %q: %w", owner, err)
	}
	if pos.Size, err = fpmath.ToUint64(size); err != nil {
		return state.Position{}, err
	}
	if pos.EntryPrice, err = fpmath.ToUint64(entryPrice); err != nil {
		return state.Position{}, err
	}
	if leverage < 0 || leverage > int64(^uint32(0)) {
		return state.Position{}, fmt.Errorf("leverage %d out of range", leverage)
	}
	pos.Leverage = uint32(leverage)
	return pos, nil
}

func scanFund(row scanner) (state.InsuranceFund, error) {
	var (
		authority                             string
		balance, covered, contributions, util int64
		fund                                  state.InsuranceFund
	)
	if err := row.Scan(&authority, &balance, &covered, &contributions, &util, &fund.Version); err != nil {
		return state.InsuranceFund{}, err
	}

	var err error
	if fund.Authority, err = uuid.Parse(authority); err != nil {
		return state.InsuranceFund{}, fmt.Errorf("fund authority %q: %w", authority, err)
	}
	for _, f := range []struct {
		dst *uint64
		src int64
	}{
		{&fund.Balance, balance},
		{&fund.TotalBadDebtCovered, covered},
		{&fund.TotalContributions, contributions},
		{&fund.UtilizationRatioBps, util},
	} {
		if *f.dst, err = fpmath.ToUint64(f.src); err != nil {
			return state.InsuranceFund{}, err
		}
	}
	return fund, nil
}

func scanRecord(row scanner) (*event.LiquidationRecord, error) {
	var (
		id, owner, liquidator                           string
		rec                                             event.LiquidationRecord
		kind                                            int64
		size, price, reward, badDebt, covered, leftover int64
		prevHash, hash                                  []byte
	)
	if err := row.Scan(&id, &owner, &liquidator, &rec.Symbol, &kind, &size, &price,
		&rec.MarginBefore, &rec.MarginAfter, &reward, &badDebt, &covered, &leftover,
		&rec.Timestamp, &prevHash, &hash); err != nil {
		return nil, err
	}

	var err error
	for _, f := range []struct {
		dst *uuid.UUID
		src string
	}{
		{&rec.ID, id},
		{&rec.PositionOwner, owner},
		{&rec.Liquidator, liquidator},
	} {
		if *f.dst, err = uuid.Parse(f.src); err != nil {
			return nil, fmt.Errorf("record uuid %q: %w", f.src, err)
		}
	}
	for _, f := range []struct {
		dst *uint64
		src int64
	}{
		{&rec.LiquidatedSize, size},
		{&rec.LiquidationPrice, price},
		{&rec.LiquidatorReward, reward},
		{&rec.BadDebt, badDebt},
		{&rec.InsuranceCovered, covered},
		{&rec.Uncovered, leftover},
	} {
		if *f.dst, err = fpmath.ToUint64(f.src); err != nil {
			return nil, err
		}
	}
	rec.Kind = event.LiquidationKind(kind)
	if len(prevHash) != len(rec.PrevHash) || len(hash) != len(rec.Hash) {
		return nil, fmt.Errorf("record %s: malformed hash columns", id)
	}
	copy(rec.PrevHash[:], prevHash)
	copy(rec.Hash[:], hash)
	return &rec, nil
}

// toInt64s narrows unsigned amounts for storage in BIGINT columns.
func toInt64s(values ...uint64) ([]int64, error) {
	out := make([]int64, len(values))
	for i, v := range values {
		n, err := fpmath.ToInt64(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

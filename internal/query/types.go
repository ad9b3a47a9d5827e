package query

import "github.com/google/uuid"

// Amounts and prices are decimal strings at the configured price precision,
// so clients never see raw fixed-point integers.

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Owner      uuid.UUID `json:"owner"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Size       string    `json:"size"`
	EntryPrice string    `json:"entry_price"`
	Collateral string    `json:"collateral"`
	Leverage   uint32    `json:"leverage"`
	LastUpdate int64     `json:"last_update"`
	Version    int64     `json:"version"`

	// Derived at query time from the current oracle price. HealthError is
	// set instead when the price could not be used.
	Health      *HealthResponse `json:"health,omitempty"`
	HealthError string          `json:"health_error,omitempty"`
}

// HealthResponse is a position's margin metrics at one price.
type HealthResponse struct {
	Price          string `json:"price"`
	Notional       string `json:"notional"`
	UnrealizedPnl  string `json:"unrealized_pnl"`
	Margin         string `json:"margin"`
	RatioBps       int64  `json:"ratio_bps"`
	MaintenanceBps uint64 `json:"maintenance_bps"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	PostRatioBps   *int64 `json:"post_partial_ratio_bps,omitempty"`
}

// RecordResponse represents one audit record.
type RecordResponse struct {
	ID               uuid.UUID `json:"id"`
	Owner            uuid.UUID `json:"owner"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Symbol           string    `json:"symbol"`
	Kind             string    `json:"kind"`
	LiquidatedSize   string    `json:"liquidated_size"`
	LiquidationPrice string    `json:"liquidation_price"`
	MarginBefore     string    `json:"margin_before"`
	MarginAfter      string    `json:"margin_after"`
	LiquidatorReward string    `json:"liquidator_reward"`
	BadDebt          string    `json:"bad_debt"`
	InsuranceCovered string    `json:"insurance_covered"`
	Uncovered        string    `json:"uncovered"`
	Timestamp        int64     `json:"timestamp"` // unix milliseconds
	PrevHash         string    `json:"prev_hash"`
	Hash             string    `json:"hash"`
}

// FundResponse represents the insurance fund.
type FundResponse struct {
	Authority           uuid.UUID `json:"authority"`
	Balance             string    `json:"balance"`
	TotalBadDebtCovered string    `json:"total_bad_debt_covered"`
	TotalContributions  string    `json:"total_contributions"`
	UtilizationRatioBps uint64    `json:"utilization_ratio_bps"`
	LedgerBalance       string    `json:"ledger_balance"`
	Version             int64     `json:"version"`
}

// BalanceResponse represents an owner's ledger balances.
type BalanceResponse struct {
	Owner              uuid.UUID `json:"owner"`
	Asset              string    `json:"asset"`
	Wallet             string    `json:"wallet"`              // rewards and withdrawable funds
	PositionCollateral string    `json:"position_collateral"` // held against the open position
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	OwnersChecked    int               `json:"owners_checked"`
	RecordsChecked   int               `json:"records_checked"`
	HashChainBreaks  []ChainBreak      `json:"hash_chain_breaks,omitempty"`
	EscrowViolations []ChainBreak      `json:"escrow_violations,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	SystemAccounts   string            `json:"system_accounts_error,omitempty"`
	InsuranceMirror  string            `json:"insurance_mirror_error,omitempty"`
}

// ChainBreak is an owner whose records or ledger accounts fail a check.
type ChainBreak struct {
	Owner uuid.UUID `json:"owner"`
	Error string    `json:"error"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}

// LiquidationResponse is the result of one liquidation command.
type LiquidationResponse struct {
	Duplicate   bool              `json:"duplicate"`
	Executed    bool              `json:"executed"`
	State       string            `json:"state,omitempty"`
	Price       string            `json:"price,omitempty"`
	RatioBefore int64             `json:"ratio_bps_before"`
	RecordID    string            `json:"record_id,omitempty"`
	Record      *RecordResponse   `json:"record,omitempty"`
	Coverage    *CoverageResponse `json:"coverage,omitempty"`
	Position    *PositionResponse `json:"position,omitempty"`
}

// CoverageResponse is how bad debt was split between the fund and the
// protocol.
type CoverageResponse struct {
	BadDebt  string `json:"bad_debt"`
	Covered  string `json:"covered"`
	Leftover string `json:"leftover"`
}

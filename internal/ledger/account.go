package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypePositionCollateral

	// System sub-types
	SubTypeSystemVault
	SubTypeSystemInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsExternal reports whether the account sits outside the ledger boundary.
// External accounts may go negative; every other account may not.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypePositionCollateral:
		return "position_collateral"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

// Accounts names the settlement accounts of one collateral asset.
type Accounts struct {
	Asset AssetID
}

// NewAccounts resolves the asset symbol.
func NewAccounts(asset string) (Accounts, error) {
	id, ok := GetAssetID(asset)
	if !ok {
		return Accounts{}, fmt.Errorf("unknown asset %q", asset)
	}
	return Accounts{Asset: id}, nil
}

// Vault holds every position's collateral.
func (a Accounts) Vault() AccountKey {
	return NewSystemAccountKey("vault", SubTypeSystemVault, a.Asset)
}

// InsuranceFund backs bad debt.
func (a Accounts) InsuranceFund() AccountKey {
	return NewSystemAccountKey("insurance", SubTypeSystemInsuranceFund, a.Asset)
}

// Wallet is a party's free collateral (liquidator rewards, trader payouts).
func (a Accounts) Wallet(user uuid.UUID) AccountKey {
	return NewUserAccountKey(user, SubTypeCollateral, a.Asset)
}

// PositionCollateral is collateral credited back to a live position.
func (a Accounts) PositionCollateral(user uuid.UUID) AccountKey {
	return NewUserAccountKey(user, SubTypePositionCollateral, a.Asset)
}

// Deposits is the external boundary used to fund the ledger.
func (a Accounts) Deposits() AccountKey {
	return NewExternalAccountKey(SubTypeExternalDeposits, a.Asset)
}

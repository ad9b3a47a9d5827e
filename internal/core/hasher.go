package core

import (
	"crypto/sha256"
	"fmt"

	"PerpLiquidator/internal/event"
)

const GenesisHashSeed = "PerpLiquidator:genesis:v1"

// GenesisHash is the PrevHash of an owner's first record.
func GenesisHash() event.Hash {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash calculates hash[N] = SHA-256(prev_hash || canonical_bytes[N]).
func ChainHash(prev event.Hash, rec *event.LiquidationRecord) event.Hash {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(prev[:])

	// Write record digest
	hasher.Write(rec.CanonicalBytes())

	var hash event.Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Seal links rec to prev and stamps its hash. Stores call it while holding
// whatever guards the owner's chain tip.
func Seal(prev event.Hash, rec *event.LiquidationRecord) {
	if prev.IsZero() {
		prev = GenesisHash()
	}
	rec.PrevHash = prev
	rec.Hash = ChainHash(prev, rec)
}

// VerifyChain checks one owner's records, oldest first.
func VerifyChain(records []*event.LiquidationRecord) error {
	prev := GenesisHash()
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("record %d (%s): prev_hash %s does not match chain tip %s", i, rec.ID, rec.PrevHash, prev)
		}
		if want := ChainHash(prev, rec); rec.Hash != want {
			return fmt.Errorf("record %d (%s): hash mismatch", i, rec.ID)
		}
		prev = rec.Hash
	}
	return nil
}

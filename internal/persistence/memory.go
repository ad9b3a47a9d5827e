package persistence

import (
	"context"
	"fmt"
	"sync"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"

	"github.com/google/uuid"
)

// MemoryRecordStore is an in-process append-only record store with the same
// chaining and uniqueness rules as the SQL store.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	byOwner map[uuid.UUID][]*event.LiquidationRecord
	keys    map[string]struct{}
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		byOwner: make(map[uuid.UUID][]*event.LiquidationRecord),
		keys:    make(map[string]struct{}),
	}
}

// Append seals rec onto its owner's chain and stores a copy.
func (m *MemoryRecordStore) Append(ctx context.Context, rec *event.LiquidationRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.UniqueKey()
	if _, dup := m.keys[key]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRecord, key)
	}

	var tip event.Hash
	if chain := m.byOwner[rec.PositionOwner]; len(chain) > 0 {
		tip = chain[len(chain)-1].Hash
	}
	core.Seal(tip, rec)

	stored := *rec
	m.byOwner[rec.PositionOwner] = append(m.byOwner[rec.PositionOwner], &stored)
	m.keys[key] = struct{}{}
	return rec.ID.String(), nil
}

// RemoveTip drops the record with id if it is still its owner's newest
// record. It undoes an Append whose surrounding settlement failed.
func (m *MemoryRecordStore) RemoveTip(owner, id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.byOwner[owner]
	if len(chain) == 0 || chain[len(chain)-1].ID != id {
		return false
	}
	delete(m.keys, chain[len(chain)-1].UniqueKey())
	m.byOwner[owner] = chain[:len(chain)-1]
	return true
}

// Records returns up to limit of the owner's most recent records, oldest
// first. limit <= 0 returns all.
func (m *MemoryRecordStore) Records(ctx context.Context, owner uuid.UUID, limit int) ([]*event.LiquidationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.byOwner[owner]
	if limit > 0 && len(chain) > limit {
		chain = chain[len(chain)-limit:]
	}

	out := make([]*event.LiquidationRecord, len(chain))
	for i, rec := range chain {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// Len returns the total number of stored records.
func (m *MemoryRecordStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

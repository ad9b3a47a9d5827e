package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned when a write races a concurrent update.
var ErrVersionConflict = fmt.Errorf("position version conflict")

// PositionStore keeps positions in memory, one per owner.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]*Position
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[uuid.UUID]*Position),
	}
}

// Get returns a copy of the owner's position.
func (s *PositionStore) Get(owner uuid.UUID) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[owner]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Create registers a new position. An existing open position for the same
// owner is never overwritten.
func (s *PositionStore) Create(pos Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[pos.Owner]; ok && !existing.IsFlat() {
		return fmt.Errorf("owner %s already has an open position", pos.Owner)
	}

	stored := pos
	s.positions[pos.Owner] = &stored
	return nil
}

// Put replaces the owner's position if the stored version still equals
// expectedVersion.
func (s *PositionStore) Put(pos Position, expectedVersion int64) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[pos.Owner]
	if !ok {
		return fmt.Errorf("position not found: %s", pos.Owner)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, existing.Version, expectedVersion)
	}

	stored := pos
	s.positions[pos.Owner] = &stored
	return nil
}

// List returns copies of all positions ordered by owner.
func (s *PositionStore) List() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Owner.String() < result[j].Owner.String()
	})
	return result
}

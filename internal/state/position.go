package state

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidationState is the engine's progress over one position within one call.
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateEvaluatingPartial
	LiquidationStatePartialExecuted
	LiquidationStateFallbackToFull
	LiquidationStateEvaluatingFull
	LiquidationStateFullSettled
	LiquidationStateFullWithBadDebt
)

// Position is one leveraged position. Prices are fixed-point at the price
// scale; Collateral may be transiently negative before settlement.
type Position struct {
	Owner               uuid.UUID
	Symbol              string
	Size                uint64
	EntryPrice          uint64
	Collateral          int64
	IsLong              bool
	Leverage            uint32
	LastUpdateTimestamp int64 // unix seconds
	Version             int64 // Optimistic concurrency control
}

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateEvaluatingPartial:
		return "EvaluatingPartial"
	case LiquidationStatePartialExecuted:
		return "PartialExecuted"
	case LiquidationStateFallbackToFull:
		return "FallbackToFull"
	case LiquidationStateEvaluatingFull:
		return "EvaluatingFull"
	case LiquidationStateFullSettled:
		return "FullSettled"
	case LiquidationStateFullWithBadDebt:
		return "FullWithBadDebt"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition is possible in this call.
func (ls LiquidationState) IsTerminal() bool {
	switch ls {
	case LiquidationStatePartialExecuted, LiquidationStateFullSettled, LiquidationStateFullWithBadDebt:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateEvaluatingPartial,
			LiquidationStateEvaluatingFull, // Direct full entry point
		},
		LiquidationStateEvaluatingPartial: {
			LiquidationStatePartialExecuted,
			LiquidationStateFallbackToFull,
		},
		LiquidationStateFallbackToFull: {
			LiquidationStateEvaluatingFull,
		},
		LiquidationStateEvaluatingFull: {
			LiquidationStateFullSettled,
			LiquidationStateFullWithBadDebt,
		},
	}

	allowed, ok := validTransitions[ls]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// Side returns "long" or "short"
func (p *Position) Side() string {
	if p.IsLong {
		return "long"
	}
	return "short"
}

// Validate checks the structural invariants of a stored position. Leverage
// 0 is allowed; the margin calculator gives it the top-tier requirement.
func (p *Position) Validate() error {
	if p.Owner == uuid.Nil {
		return fmt.Errorf("position owner is required")
	}
	if p.Symbol == "" {
		return fmt.Errorf("position symbol is required")
	}
	if p.Size == 0 && p.Collateral != 0 {
		return fmt.Errorf("closed position carries collateral %d", p.Collateral)
	}
	return nil
}

// Closed returns a copy of the position with all exposure zeroed and the
// version bumped.
func (p Position) Closed(timestamp int64) Position {
	p.Size = 0
	p.EntryPrice = 0
	p.Collateral = 0
	p.LastUpdateTimestamp = timestamp
	p.Version++
	return p
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// symbol (length-prefixed)
	buf = append(buf, byte(len(p.Symbol)))
	buf = append(buf, []byte(p.Symbol)...)

	buf = appendUint64LE(buf, p.Size)
	buf = appendUint64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Collateral)

	// side (1 byte)
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendUint64LE(buf, uint64(p.Leverage))
	buf = appendInt64LE(buf, p.LastUpdateTimestamp)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

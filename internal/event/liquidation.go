package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LiquidationKind distinguishes the two entry points.
type LiquidationKind int32

const (
	LiquidationKindPartial LiquidationKind = iota + 1
	LiquidationKindFull
)

func (k LiquidationKind) String() string {
	switch k {
	case LiquidationKindPartial:
		return "partial"
	case LiquidationKindFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseLiquidationKind is the inverse of String.
func ParseLiquidationKind(s string) (LiquidationKind, error) {
	switch strings.ToLower(s) {
	case "partial":
		return LiquidationKindPartial, nil
	case "full":
		return LiquidationKindFull, nil
	default:
		return 0, fmt.Errorf("unknown liquidation kind %q", s)
	}
}

func (k LiquidationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *LiquidationKind) UnmarshalText(text []byte) error {
	parsed, err := ParseLiquidationKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// LiquidationRecord is the append-only audit entry of one successful
// liquidation call. Amounts are fixed-point at the price scale.
type LiquidationRecord struct {
	ID               uuid.UUID       `json:"id"`
	PositionOwner    uuid.UUID       `json:"position_owner"`
	Liquidator       uuid.UUID       `json:"liquidator"`
	Symbol           string          `json:"symbol"`
	Kind             LiquidationKind `json:"kind"`
	LiquidatedSize   uint64          `json:"liquidated_size"`
	LiquidationPrice uint64          `json:"liquidation_price"`
	MarginBefore     int64           `json:"margin_before"`
	MarginAfter      int64           `json:"margin_after"`
	LiquidatorReward uint64          `json:"liquidator_reward"`
	BadDebt          uint64          `json:"bad_debt"`
	InsuranceCovered uint64          `json:"insurance_covered"`
	Uncovered        uint64          `json:"uncovered"`
	Timestamp        int64           `json:"timestamp"` // unix milliseconds
	PrevHash         Hash            `json:"prev_hash"`
	Hash             Hash            `json:"hash"`
}

// UniqueKey is the store's uniqueness key: (positionOwner, timestamp).
func (r *LiquidationRecord) UniqueKey() string {
	return fmt.Sprintf("%s:%d", r.PositionOwner, r.Timestamp)
}

// CanonicalBytes returns deterministic serialization for hashing.
// Hash itself is excluded; PrevHash is included to chain records.
func (r *LiquidationRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, r.ID[:]...)
	buf = append(buf, r.PositionOwner[:]...)
	buf = append(buf, r.Liquidator[:]...)

	// symbol (length-prefixed)
	buf = append(buf, byte(len(r.Symbol)))
	buf = append(buf, []byte(r.Symbol)...)

	buf = append(buf, byte(r.Kind))
	buf = appendUint64LE(buf, r.LiquidatedSize)
	buf = appendUint64LE(buf, r.LiquidationPrice)
	buf = appendUint64LE(buf, uint64(r.MarginBefore))
	buf = appendUint64LE(buf, uint64(r.MarginAfter))
	buf = appendUint64LE(buf, r.LiquidatorReward)
	buf = appendUint64LE(buf, r.BadDebt)
	buf = appendUint64LE(buf, r.InsuranceCovered)
	buf = appendUint64LE(buf, r.Uncovered)
	buf = appendUint64LE(buf, uint64(r.Timestamp))
	buf = append(buf, r.PrevHash[:]...)

	return buf
}

// LiquidationEvent mirrors the record for external subscribers.
type LiquidationEvent struct {
	RecordID         uuid.UUID       `json:"record_id"`
	PositionOwner    uuid.UUID       `json:"position_owner"`
	Liquidator       uuid.UUID       `json:"liquidator"`
	SymbolName       string          `json:"symbol"`
	Kind             LiquidationKind `json:"kind"`
	LiquidatedSize   uint64          `json:"liquidated_size"`
	LiquidationPrice uint64          `json:"liquidation_price"`
	MarginBefore     int64           `json:"margin_before"`
	MarginAfter      int64           `json:"margin_after"`
	LiquidatorReward uint64          `json:"liquidator_reward"`
	BadDebt          uint64          `json:"bad_debt"`
	Timestamp        int64           `json:"timestamp"`
}

// NewLiquidationEvent copies the record's key fields.
func NewLiquidationEvent(r *LiquidationRecord) *LiquidationEvent {
	return &LiquidationEvent{
		RecordID:         r.ID,
		PositionOwner:    r.PositionOwner,
		Liquidator:       r.Liquidator,
		SymbolName:       r.Symbol,
		Kind:             r.Kind,
		LiquidatedSize:   r.LiquidatedSize,
		LiquidationPrice: r.LiquidationPrice,
		MarginBefore:     r.MarginBefore,
		MarginAfter:      r.MarginAfter,
		LiquidatorReward: r.LiquidatorReward,
		BadDebt:          r.BadDebt,
		Timestamp:        r.Timestamp,
	}
}

func (l *LiquidationEvent) IdempotencyKey() string {
	return l.RecordID.String()
}

func (l *LiquidationEvent) EventType() EventType {
	return EventTypeLiquidation
}

func (l *LiquidationEvent) Symbol() string {
	return l.SymbolName
}

// InsolvencyEvent reports bad debt the insurance fund could not absorb.
type InsolvencyEvent struct {
	RecordID      uuid.UUID `json:"record_id"`
	PositionOwner uuid.UUID `json:"position_owner"`
	SymbolName    string    `json:"symbol"`
	Amount        uint64    `json:"amount"`
	Timestamp     int64     `json:"timestamp"`
}

func (i *InsolvencyEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:insolvency", i.RecordID)
}

func (i *InsolvencyEvent) EventType() EventType {
	return EventTypeProtocolInsolvency
}

func (i *InsolvencyEvent) Symbol() string {
	return i.SymbolName
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

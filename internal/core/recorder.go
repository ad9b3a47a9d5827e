package core

import (
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
)

// RecordEntry carries the final numbers of one liquidation.
type RecordEntry struct {
	Position     state.Position // before mutation
	Liquidator   uuid.UUID
	Kind         event.LiquidationKind
	Size         uint64
	Price        uint64
	MarginBefore int64
	MarginAfter  int64
	Reward       uint64
	Coverage     state.Coverage
	Timestamp    int64
}

// Recorder builds audit records and the notifications that mirror them.
type Recorder struct {
	newID func() uuid.UUID
}

func NewRecorder() *Recorder {
	return &Recorder{newID: uuid.New}
}

// Build returns a record for entry. PrevHash and Hash are left for the store.
func (r *Recorder) Build(entry RecordEntry) *event.LiquidationRecord {
	return &event.LiquidationRecord{
		ID:               r.newID(),
		PositionOwner:    entry.Position.Owner,
		Liquidator:       entry.Liquidator,
		Symbol:           entry.Position.Symbol,
		Kind:             entry.Kind,
		LiquidatedSize:   entry.Size,
		LiquidationPrice: entry.Price,
		MarginBefore:     entry.MarginBefore,
		MarginAfter:      entry.MarginAfter,
		LiquidatorReward: entry.Reward,
		BadDebt:          entry.Coverage.BadDebt,
		InsuranceCovered: entry.Coverage.Covered,
		Uncovered:        entry.Coverage.Leftover,
		Timestamp:        entry.Timestamp,
	}
}

// Events returns the notifications for a stored record: always one
// LiquidationEvent, plus an InsolvencyEvent when bad debt was left uncovered.
func (r *Recorder) Events(rec *event.LiquidationRecord) []event.Event {
	events := []event.Event{event.NewLiquidationEvent(rec)}
	if rec.Uncovered > 0 {
		events = append(events, &event.InsolvencyEvent{
			RecordID:      rec.ID,
			PositionOwner: rec.PositionOwner,
			SymbolName:    rec.Symbol,
			Amount:        rec.Uncovered,
			Timestamp:     rec.Timestamp,
		})
	}
	return events
}

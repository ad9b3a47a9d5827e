package event_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"PerpLiquidator/internal/event"

	"github.com/google/uuid"
)

func TestLiquidationKind_Text(t *testing.T) {
	for _, k := range []event.LiquidationKind{event.LiquidationKindPartial, event.LiquidationKindFull} {
		parsed, err := event.ParseLiquidationKind(k.String())
		if err != nil {
			t.Fatalf("parse %q: %v", k, err)
		}
		if parsed != k {
			t.Errorf("got %v, want %v", parsed, k)
		}
	}

	if _, err := event.ParseLiquidationKind("adl"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestLiquidationRecord_JSONHashIsHex(t *testing.T) {
	rec := event.LiquidationRecord{
		ID:            uuid.New(),
		PositionOwner: uuid.New(),
		Kind:          event.LiquidationKindFull,
		Hash:          event.Hash{0xab, 0xcd},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"hash":"abcd00`)) {
		t.Errorf("hash not hex encoded: %s", data)
	}
	if !bytes.Contains(data, []byte(`"kind":"full"`)) {
		t.Errorf("kind not text encoded: %s", data)
	}

	var decoded event.LiquidationRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Hash != rec.Hash || decoded.Kind != rec.Kind {
		t.Errorf("got %+v, want %+v", decoded, rec)
	}
}

func TestLiquidationRecord_CanonicalBytesCoverEveryAmount(t *testing.T) {
	base := event.LiquidationRecord{
		ID:               uuid.New(),
		PositionOwner:    uuid.New(),
		Liquidator:       uuid.New(),
		Symbol:           "BTC-USD",
		Kind:             event.LiquidationKindPartial,
		LiquidatedSize:   1,
		LiquidationPrice: 2,
		MarginBefore:     -3,
		MarginAfter:      4,
		LiquidatorReward: 5,
		Timestamp:        6,
	}

	mutations := map[string]func(r *event.LiquidationRecord){
		"size":      func(r *event.LiquidationRecord) { r.LiquidatedSize++ },
		"price":     func(r *event.LiquidationRecord) { r.LiquidationPrice++ },
		"before":    func(r *event.LiquidationRecord) { r.MarginBefore++ },
		"after":     func(r *event.LiquidationRecord) { r.MarginAfter++ },
		"reward":    func(r *event.LiquidationRecord) { r.LiquidatorReward++ },
		"bad_debt":  func(r *event.LiquidationRecord) { r.BadDebt++ },
		"covered":   func(r *event.LiquidationRecord) { r.InsuranceCovered++ },
		"uncovered": func(r *event.LiquidationRecord) { r.Uncovered++ },
		"prev_hash": func(r *event.LiquidationRecord) { r.PrevHash[0] = 1 },
	}

	for name, mutate := range mutations {
		changed := base
		mutate(&changed)
		if bytes.Equal(base.CanonicalBytes(), changed.CanonicalBytes()) {
			t.Errorf("%s change not reflected in canonical bytes", name)
		}
	}
}

func TestEvents_IdempotencyKeys(t *testing.T) {
	rec := &event.LiquidationRecord{ID: uuid.New(), Symbol: "ETH-USD"}
	liq := event.NewLiquidationEvent(rec)
	ins := &event.InsolvencyEvent{RecordID: rec.ID, SymbolName: rec.Symbol}

	if liq.IdempotencyKey() == ins.IdempotencyKey() {
		t.Error("liquidation and insolvency events must not share a dedup key")
	}
	if liq.EventType().Subject() != "liquidation" || ins.EventType().Subject() != "insolvency" {
		t.Errorf("unexpected subjects %q / %q", liq.EventType().Subject(), ins.EventType().Subject())
	}
	if liq.Symbol() != "ETH-USD" {
		t.Errorf("got %q, want %q", liq.Symbol(), "ETH-USD")
	}
}

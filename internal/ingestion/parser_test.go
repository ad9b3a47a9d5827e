package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ingestion"
)

const (
	ownerID      = "550e8400-e29b-41d4-a716-446655440000"
	liquidatorID = "660e8400-e29b-41d4-a716-446655440001"
)

func rawFromJSON(t *testing.T, subject, kind string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseRequest_Full(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "req-1",
		"owner":      ownerID,
		"liquidator": liquidatorID,
	}

	cmd, err := ingestion.ParseRequest(rawFromJSON(t, "liq.requests.full."+ownerID, "full", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cmd.Kind != event.LiquidationKindFull {
		t.Errorf("kind: got %s, want full", cmd.Kind)
	}
	if cmd.Owner.String() != ownerID {
		t.Errorf("owner: got %s, want %s", cmd.Owner, ownerID)
	}
	if cmd.Liquidator.String() != liquidatorID {
		t.Errorf("liquidator: got %s, want %s", cmd.Liquidator, liquidatorID)
	}
	if cmd.IdempotencyKey != "req-1" {
		t.Errorf("idempotency key: got %q, want req-1", cmd.IdempotencyKey)
	}
}

func TestParseRequest_OwnerFromSubject(t *testing.T) {
	raw := rawFromJSON(t, "liq.requests.partial."+ownerID, "partial", map[string]interface{}{
		"liquidator": liquidatorID,
	})
	raw.MsgID = "msg-7"

	cmd, err := ingestion.ParseRequest(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Kind != event.LiquidationKindPartial {
		t.Errorf("kind: got %s, want partial", cmd.Kind)
	}
	if cmd.Owner.String() != ownerID {
		t.Errorf("owner: got %s, want %s", cmd.Owner, ownerID)
	}
	if cmd.IdempotencyKey != "msg-7" {
		t.Errorf("idempotency key should fall back to the message id, got %q", cmd.IdempotencyKey)
	}
}

func TestParseRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		kind    string
		payload interface{}
	}{
		{"unknown kind", "liq.requests.x." + ownerID, "liquidate", map[string]string{"liquidator": liquidatorID}},
		{"bad owner", "liq.requests.full.nobody", "full", map[string]string{"liquidator": liquidatorID}},
		{"bad liquidator", "liq.requests.full." + ownerID, "full", map[string]string{"liquidator": "keeper"}},
		{"owner mismatch", "liq.requests.full." + liquidatorID, "full", map[string]string{"owner": ownerID, "liquidator": liquidatorID}},
		{"not json", "liq.requests.full." + ownerID, "full", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawFromJSON(t, tt.subject, tt.kind, tt.payload)
			if tt.name == "not json" {
				raw.Data = []byte("{")
			}
			if _, err := ingestion.ParseRequest(raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

package event

import (
	"encoding/hex"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidation
	EventTypeProtocolInsolvency
)

// Hash is a SHA-256 digest rendered as hex in JSON.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// EventEnvelope wraps every outbound event
type EventEnvelope struct {
	// Monotonic per-publisher sequence
	Sequence int64 `json:"sequence"`

	// Stable dedup key for subscribers
	IdempotencyKey string `json:"idempotency_key"`

	// Event type discriminator
	EventType string `json:"event_type"`

	// Instrument context (empty for global events)
	Symbol string `json:"symbol,omitempty"`

	PublishedAt time.Time `json:"published_at"`

	// JSON-encoded event-specific data
	Payload []byte `json:"payload"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Symbol returns the instrument context (empty for global events)
	Symbol() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeProtocolInsolvency:
		return "ProtocolInsolvency"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject suffix for the event type.
func (et EventType) Subject() string {
	switch et {
	case EventTypeLiquidation:
		return "liquidation"
	case EventTypeProtocolInsolvency:
		return "insolvency"
	default:
		return "unknown"
	}
}

package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/service"

	"github.com/google/uuid"
)

// ParseRequest converts a RawEvent into a liquidation command. The owner is
// taken from the payload, or from the subject's trailing token when the
// payload omits it.
func ParseRequest(raw RawEvent) (service.Command, error) {
	kind, err := event.ParseLiquidationKind(raw.Kind)
	if err != nil {
		return service.Command{}, err
	}

	var j requestJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return service.Command{}, fmt.Errorf("parse liquidation request: %w", err)
	}

	ownerText := j.Owner
	if ownerText == "" {
		ownerText = lastToken(raw.Subject)
	}
	owner, err := uuid.Parse(ownerText)
	if err != nil {
		return service.Command{}, fmt.Errorf("parse owner: %w", err)
	}
	if j.Owner != "" && lastToken(raw.Subject) != "" {
		if token, err := uuid.Parse(lastToken(raw.Subject)); err == nil && token != owner {
			return service.Command{}, fmt.Errorf("subject owner %s does not match payload owner %s", token, owner)
		}
	}

	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return service.Command{}, fmt.Errorf("parse liquidator: %w", err)
	}

	key := j.RequestID
	if key == "" {
		key = raw.MsgID
	}

	return service.Command{
		Kind:           kind,
		Owner:          owner,
		Liquidator:     liquidator,
		IdempotencyKey: key,
	}, nil
}

// --- JSON wire format ---

type requestJSON struct {
	RequestID  string `json:"request_id"`
	Owner      string `json:"owner"`
	Liquidator string `json:"liquidator"`
}

func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return ""
}

package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
)

// Envelope is the wire format every message on the bus carries. The field
// names are a cross-service contract; do not change them.
type Envelope struct {
	Source     string           `json:"source"`
	DetailType events.EventType `json:"detail-type"`
	Detail     json.RawMessage  `json:"detail"`
}

// SerializeEventEnvelope wraps a domain payload in the wire envelope.
func SerializeEventEnvelope(source string, eventType events.EventType, payload any) ([]byte, error) {
	detail, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling detail for %s: %w", eventType, err)
	}

	raw, err := json.Marshal(Envelope{Source: source, DetailType: eventType, Detail: detail})
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope for %s: %w", eventType, err)
	}
	return raw, nil
}

// UnmarshalEventEnvelope splits a wire message into its detail type and raw
// detail, leaving payload decoding to the registry.
func UnmarshalEventEnvelope(data []byte) (events.EventType, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshaling event envelope: %w", err)
	}
	if env.DetailType == "" {
		return "", nil, fmt.Errorf("event envelope missing detail-type")
	}
	return env.DetailType, env.Detail, nil
}

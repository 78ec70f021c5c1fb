// Package serialization provides a registry-based system for serializing and
// deserializing domain events in the event bus infrastructure. It acts as a
// translation layer between domain objects and the JSON wire envelope
// `{source, detail-type, detail}` that every message on the bus carries.
//
// The package implements a registry pattern where a deserialization function
// is registered per detail type. This approach:
//   - Maintains a clean separation between domain models and their wire format
//   - Centralizes all serialization logic in one place
//   - Enables easy addition of new event types without modifying existing code
package serialization

import (
	"fmt"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
)

// DeserializeFunc converts a raw detail payload back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// deserializerRegistry maps detail types to their deserialization functions,
// allowing dynamic dispatch based on event type at runtime.
var deserializerRegistry = map[events.EventType]DeserializeFunc{}

// RegisterDeserializeFunc registers a deserialization function for a given
// event type so consumed messages decode into their typed domain payloads.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// DeserializePayload converts a raw detail back into a domain object using
// the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

func init() { registerEventDeserializers() }

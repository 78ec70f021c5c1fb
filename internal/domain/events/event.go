package events

import "time"

// DomainEvent encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a tenant id that events can be partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created, enabling temporal tracking
	// and debugging of event flows.
	Timestamp time.Time

	// Payload contains the actual event data (e.g., a JitEvent or a
	// TriggerExecutionEvent). The concrete type depends on the EventType.
	Payload any
}

// EventMetadata carries transport-level positioning for a consumed event.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope is the bus-facing wrapper around a domain event. Consumers
// receive envelopes; the Metadata block lets handlers report their position
// for acknowledgment and diagnostics.
type EventEnvelope struct {
	Type      EventType
	Key       string
	Timestamp time.Time
	Payload   any
	Metadata  EventMetadata
}

package events

import "context"

// EventHandler is implemented by the trigger pipeline stages that consume
// events off the bus. A handler declares the event types it owns and the
// dispatcher routes matching envelopes to it. Handlers call ack themselves
// once the message outcome is decided, so a handler that drops a duplicate
// still acknowledges it.
type EventHandler interface {
	// HandleEvent processes one envelope. Returning an error leaves the
	// message unacknowledged for redelivery.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler owns.
	SupportedEvents() []EventType
}

package kafka

import (
	"context"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements the domain-level publisher on top of the
// Kafka event bus. It adapts domain events to bus envelopes so callers stay
// decoupled from the transport.
type DomainEventPublisher struct {
	eventBus   events.EventBus
	translator *events.DomainEventTranslator
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus, translator *events.DomainEventTranslator) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus, translator: translator}
}

// PublishDomainEvent sends a domain event through the Kafka event bus,
// converting domain-level publishing options to bus options.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	envelope := events.EventEnvelope{
		Type:      event.Type,
		Key:       event.Key,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}

	busOpts := pub.translator.ConvertDomainOptions(opts)
	if event.Key != "" {
		busOpts = append(busOpts, events.WithKey(event.Key))
	}
	return pub.eventBus.Publish(ctx, envelope, busOpts...)
}

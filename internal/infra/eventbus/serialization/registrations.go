package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
)

// jsonDeserializer builds a DeserializeFunc that decodes into a fresh T.
func jsonDeserializer[T any](eventType events.EventType) DeserializeFunc {
	return func(data []byte) (any, error) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", eventType, err)
		}
		return &payload, nil
	}
}

// jitEventDeserializer decodes the polymorphic jit event payloads through the
// variant dispatch.
func jitEventDeserializer(data []byte) (any, error) {
	return trigger.ParseJitEvent(data)
}

// webhookDeserializer decodes the raw webhook envelope; the body stays raw
// until the translator classifies the event type.
func webhookDeserializer(data []byte) (any, error) {
	var payload trigger.WebhookEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("deserializing webhook event: %w", err)
	}
	return &payload, nil
}

// registerEventDeserializers wires every consumed detail type to its typed
// payload. Must run before any event processing.
func registerEventDeserializers() {
	RegisterDeserializeFunc(events.EventTypeHandleJitEvent, jitEventDeserializer)
	RegisterDeserializeFunc(events.EventTypeHandleEvent, webhookDeserializer)

	RegisterDeserializeFunc(events.EventTypeRunJitEventOnAssetsByIDs,
		jsonDeserializer[trigger.JitEventProcessingResources](events.EventTypeRunJitEventOnAssetsByIDs))
	RegisterDeserializeFunc(events.EventTypeRunJitEventOnAssetsByTypes,
		jsonDeserializer[trigger.JitEventProcessingResources](events.EventTypeRunJitEventOnAssetsByTypes))
	RegisterDeserializeFunc(events.EventTypeRunJitEventOnAssetsByDeploymentEnv,
		jsonDeserializer[trigger.JitEventProcessingResources](events.EventTypeRunJitEventOnAssetsByDeploymentEnv))

	RegisterDeserializeFunc(events.EventTypePublishedPrepareForExecution,
		jsonDeserializer[trigger.PrepareForExecutionEvent](events.EventTypePublishedPrepareForExecution))
	RegisterDeserializeFunc(events.EventTypeTriggerEvent,
		jsonDeserializer[trigger.BulkTriggerExecutionEvent](events.EventTypeTriggerEvent))
	RegisterDeserializeFunc(events.EventTypeTriggerScheme,
		jsonDeserializer[trigger.BulkTriggerSchemeEvent](events.EventTypeTriggerScheme))

	RegisterDeserializeFunc(events.EventTypeJobCompleted,
		jsonDeserializer[execution.Execution](events.EventTypeJobCompleted))
	RegisterDeserializeFunc(events.EventTypeEnrichmentCompleted,
		jsonDeserializer[enrichment.CompletedEvent](events.EventTypeEnrichmentCompleted))

	RegisterDeserializeFunc(events.EventTypePRWatchdog,
		jsonDeserializer[lifecycle.WatchdogTickEvent](events.EventTypePRWatchdog))

	RegisterDeserializeFunc(events.EventTypeAssetNotCovered,
		jsonDeserializer[execution.AssetRemovedEvent](events.EventTypeAssetNotCovered))
	RegisterDeserializeFunc(events.EventTypePlanItemsIsActive,
		jsonDeserializer[execution.PlanItemDeactivatedEvent](events.EventTypePlanItemsIsActive))
}

package events

// EventType represents a domain event category, enabling type-safe event
// routing and handling. The string values double as the wire "detail-type"
// and must not change; downstream services match on them verbatim.
type EventType string

// SourceTriggerService is the fixed "source" field stamped on every outbound
// bus envelope.
const SourceTriggerService = "trigger-service"

// Operational detail-types on the trigger-execution bus.
const (
	// EventTypeHandleEvent is a raw third-party webhook awaiting translation.
	EventTypeHandleEvent EventType = "handle-event"
	// EventTypeHandleJitEvent is a normalized jit event awaiting resolution.
	EventTypeHandleJitEvent EventType = "handle-jit-event"
	// EventTypeTriggerEvent carries a bulk of fully resolved execution events.
	EventTypeTriggerEvent EventType = "trigger-event"
	// EventTypeTriggerScheme describes the expected execution graph for
	// pipeline bookkeeping.
	EventTypeTriggerScheme EventType = "trigger-scheme"
	// EventTypePublishedPrepareForExecution carries resolved jit event
	// resources from the resolver to the asset orchestrator.
	EventTypePublishedPrepareForExecution EventType = "published-prepare-for-execution"

	EventTypeRunJitEventOnAssetsByIDs           EventType = "run-jit-event-on-assets-by-ids"
	EventTypeRunJitEventOnAssetsByTypes         EventType = "run-jit-event-on-assets-by-types"
	EventTypeRunJitEventOnAssetsByDeploymentEnv EventType = "run-jit-event-on-assets-by-deployment-env"

	// EventTypePRWatchdog fans out one bucket index per scheduled tick.
	EventTypePRWatchdog EventType = "pr-watchdog"

	// EventTypeJobCompleted is the runner callback reporting a finished
	// execution for lifecycle accounting.
	EventTypeJobCompleted EventType = "job-completed"

	// EventTypeEnrichmentCompleted resumes a suspended enrichment flow run
	// with the enrich job's output.
	EventTypeEnrichmentCompleted EventType = "enrichment-completed"
)

// Lifecycle bus detail-types.
const (
	EventTypeJitEventStarted   EventType = "jit-event-started"
	EventTypeJitEventCompleted EventType = "jit-event-completed"
)

// Cancellation detail-types consumed from upstream services.
const (
	EventTypeAssetNotCovered   EventType = "asset-not-covered"
	EventTypePlanItemsIsActive EventType = "plan-items-is-active"
)

// EventTypeNotification carries internal Slack notifications to the
// notification queue.
const EventTypeNotification EventType = "notification"

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through
// functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
// The key helps ensure related events are processed in order by the same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

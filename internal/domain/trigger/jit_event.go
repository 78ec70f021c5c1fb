// Package trigger holds the core domain model for jit events: the normalized
// reasons to scan, the filters they carry, and the execution payloads derived
// from them.
package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/jitsecurity/trigger-service/internal/domain/shared"
)

// JitEventName discriminates the jit event variants. The string values are
// wire-level and must not change.
type JitEventName string

const (
	JitEventNamePullRequestCreated      JitEventName = "pull_request_created"
	JitEventNamePullRequestUpdated      JitEventName = "pull_request_updated"
	JitEventNameMergeDefaultBranch      JitEventName = "merge_default_branch"
	JitEventNameOpenFixPullRequest      JitEventName = "open_fix_pull_request"
	JitEventNameNonProductionDeployment JitEventName = "non_production_deployment"
	JitEventNameProductionDeployment    JitEventName = "production_deployment"
	JitEventNameItemActivated           JitEventName = "item_activated"
	JitEventNameResourceAdded           JitEventName = "resource_added"
	JitEventNameManualExecution         JitEventName = "manual_execution"
	JitEventNameTriggerScheduledTask    JitEventName = "trigger_scheduled_task"
)

// PRRelatedJitEvents are the events carrying a live pull-request context.
// These qualify for diff-based enrichment and for the PR watchdog.
var PRRelatedJitEvents = shared.NewStringSet(
	string(JitEventNamePullRequestCreated),
	string(JitEventNamePullRequestUpdated),
)

// DiffBasedEnrichmentJitEvents are events whose enrichment is computed from a
// change list rather than a full repository clone. Full-repo enrichment
// results are only cached for events outside this set.
var DiffBasedEnrichmentJitEvents = shared.NewStringSet(
	string(JitEventNamePullRequestCreated),
	string(JitEventNamePullRequestUpdated),
	string(JitEventNameMergeDefaultBranch),
)

// IsPRRelated reports whether the event name carries a pull-request context.
func (n JitEventName) IsPRRelated() bool { return PRRelatedJitEvents.Has(string(n)) }

// TriggerFilterAttributes narrow which plan items, workflows, jobs and assets
// a jit event applies to. An empty set means "unconstrained".
type TriggerFilterAttributes struct {
	PlanItemSlugs shared.StringSet `json:"plan_item_slugs,omitempty"`
	WorkflowSlugs shared.StringSet `json:"workflow_slugs,omitempty"`
	JobNames      shared.StringSet `json:"job_names,omitempty"`
	AssetIDs      shared.StringSet `json:"asset_ids,omitempty"`
	AssetEnvs     shared.StringSet `json:"asset_envs,omitempty"`
	Triggers      shared.StringSet `json:"triggers,omitempty"`

	// CreateTriggerEventFromJitEvent marks events whose trigger-execution
	// payloads are derived directly from the jit event (scheduled tasks).
	CreateTriggerEventFromJitEvent bool `json:"create_trigger_event_from_jit_event,omitempty"`
}

// CommonJitEvent carries the fields shared by every jit event variant.
type CommonJitEvent struct {
	TenantID     string       `json:"tenant_id"`
	JitEventID   string       `json:"jit_event_id"`
	JitEventName JitEventName `json:"jit_event_name"`
}

// Common returns the embedded common block; it makes every variant satisfy
// the JitEvent interface.
func (c *CommonJitEvent) Common() *CommonJitEvent { return c }

// JitEvent is the normalized, typed description of a reason to scan.
type JitEvent interface {
	Common() *CommonJitEvent
	// Filters derives the trigger filter attributes this event imposes on
	// plan resolution and asset selection.
	Filters() TriggerFilterAttributes
}

// Commits identifies the change range a code-related event refers to.
type Commits struct {
	HeadSHA *string `json:"head_sha"`
	BaseSHA string  `json:"base_sha"`
}

// CodeRelatedJitEvent is a jit event originating from an SCM webhook.
// It is used for the pull-request family and for merges to the default
// branch.
type CodeRelatedJitEvent struct {
	CommonJitEvent

	Vendor             string   `json:"vendor"`
	Owner              string   `json:"owner"`
	OriginalRepository string   `json:"original_repository"`
	AssetID            string   `json:"asset_id,omitempty"`
	PullRequestNumber  *string  `json:"pull_request_number"`
	PullRequestTitle   *string  `json:"pull_request_title,omitempty"`
	Commits            Commits  `json:"commits"`
	InstallationID     string   `json:"installation_id"`
	AppID              string   `json:"app_id"`
	Branch             string   `json:"branch"`
	SourceBranch       string   `json:"source_branch,omitempty"`
	Sender             string   `json:"sender,omitempty"`
	Languages          []string `json:"languages,omitempty"`

	CentralizedRepoAssetID   string `json:"centralized_repo_asset_id,omitempty"`
	CentralizedRepoAssetName string `json:"centralized_repo_asset_name,omitempty"`
	UserVendorID             string `json:"user_vendor_id,omitempty"`
	UserVendorName           string `json:"user_vendor_name,omitempty"`
	URL                      string `json:"url,omitempty"`
	CreatedAt                string `json:"created_at,omitempty"`
	UpdatedAt                string `json:"updated_at,omitempty"`
}

// Filters implements JitEvent. A code-related event constrains assets to the
// originating repository and workflows to its own trigger name.
func (e *CodeRelatedJitEvent) Filters() TriggerFilterAttributes {
	attrs := TriggerFilterAttributes{Triggers: shared.NewStringSet(string(e.JitEventName))}
	if e.AssetID != "" {
		attrs.AssetIDs = shared.NewStringSet(e.AssetID)
	}
	return attrs
}

// ClearPullRequestFields drops the PR-only fields. A merge to the default
// branch is a full-branch scan, so carrying the PR details forward would
// mis-scope downstream diff handling.
func (e *CodeRelatedJitEvent) ClearPullRequestFields() {
	e.PullRequestNumber = nil
	e.PullRequestTitle = nil
	e.Commits.HeadSHA = nil
	e.Commits.BaseSHA = ""
}

// DeploymentJitEvent is a jit event fired on a deployment status change.
type DeploymentJitEvent struct {
	CodeRelatedJitEvent

	Environment    string `json:"environment"`
	DeploymentID   string `json:"deployment_id"`
	DeploymentType string `json:"deployment_type"`
}

// Filters implements JitEvent, additionally constraining assets to the
// deployment environment.
func (e *DeploymentJitEvent) Filters() TriggerFilterAttributes {
	attrs := e.CodeRelatedJitEvent.Filters()
	attrs.AssetEnvs = shared.NewStringSet(e.Environment)
	return attrs
}

// ManualExecutionJitEvent is produced by the manual-execution API.
type ManualExecutionJitEvent struct {
	CommonJitEvent

	AssetIDsFilter []string `json:"asset_ids_filter"`
	PlanItemSlug   string   `json:"plan_item_slug"`
	Priority       *int     `json:"priority,omitempty"`
}

// Filters implements JitEvent.
func (e *ManualExecutionJitEvent) Filters() TriggerFilterAttributes {
	return TriggerFilterAttributes{
		PlanItemSlugs: shared.NewStringSet(e.PlanItemSlug),
		AssetIDs:      shared.NewStringSet(e.AssetIDsFilter...),
		Triggers:      shared.NewStringSet(string(JitEventNameManualExecution)),
	}
}

// ItemActivatedJitEvent fires when plan items are activated for a tenant.
type ItemActivatedJitEvent struct {
	CommonJitEvent

	ActivatedPlanSlug      string   `json:"activated_plan_slug"`
	ActivatedPlanItemSlugs []string `json:"activated_plan_item_slugs"`
}

// Filters implements JitEvent.
func (e *ItemActivatedJitEvent) Filters() TriggerFilterAttributes {
	return TriggerFilterAttributes{
		PlanItemSlugs: shared.NewStringSet(e.ActivatedPlanItemSlugs...),
		Triggers:      shared.NewStringSet(string(JitEventNameItemActivated)),
	}
}

// ResourceAddedJitEvent fires when new assets become covered.
type ResourceAddedJitEvent struct {
	CommonJitEvent

	AssetIDs []string `json:"asset_ids"`
}

// Filters implements JitEvent.
func (e *ResourceAddedJitEvent) Filters() TriggerFilterAttributes {
	return TriggerFilterAttributes{
		AssetIDs: shared.NewStringSet(e.AssetIDs...),
		Triggers: shared.NewStringSet(string(JitEventNameResourceAdded)),
	}
}

// ScheduledTaskJitEvent fires on a cron-style schedule defined per plan item.
type ScheduledTaskJitEvent struct {
	CommonJitEvent

	PlanItemSlug   string `json:"plan_item_slug,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
}

// Filters implements JitEvent. Scheduled tasks build their trigger events
// straight from the jit event.
func (e *ScheduledTaskJitEvent) Filters() TriggerFilterAttributes {
	attrs := TriggerFilterAttributes{
		Triggers:                       shared.NewStringSet(string(JitEventNameTriggerScheduledTask)),
		CreateTriggerEventFromJitEvent: true,
	}
	if e.PlanItemSlug != "" {
		attrs.PlanItemSlugs = shared.NewStringSet(e.PlanItemSlug)
	}
	return attrs
}

// jitEventFactories dispatches jit_event_name to its concrete variant.
var jitEventFactories = map[JitEventName]func(name JitEventName) JitEvent{
	JitEventNamePullRequestCreated:      newCodeRelated,
	JitEventNamePullRequestUpdated:      newCodeRelated,
	JitEventNameMergeDefaultBranch:      newCodeRelated,
	JitEventNameOpenFixPullRequest:      newCodeRelated,
	JitEventNameNonProductionDeployment: newDeployment,
	JitEventNameProductionDeployment:    newDeployment,
	JitEventNameItemActivated: func(JitEventName) JitEvent {
		return new(ItemActivatedJitEvent)
	},
	JitEventNameResourceAdded: func(JitEventName) JitEvent {
		return new(ResourceAddedJitEvent)
	},
	JitEventNameManualExecution: func(JitEventName) JitEvent {
		return new(ManualExecutionJitEvent)
	},
	JitEventNameTriggerScheduledTask: func(JitEventName) JitEvent {
		return new(ScheduledTaskJitEvent)
	},
}

func newCodeRelated(JitEventName) JitEvent { return new(CodeRelatedJitEvent) }
func newDeployment(JitEventName) JitEvent  { return new(DeploymentJitEvent) }

// UnknownJitEventNameError indicates a payload whose jit_event_name has no
// registered variant.
type UnknownJitEventNameError struct{ Name JitEventName }

func (e *UnknownJitEventNameError) Error() string {
	return fmt.Sprintf("unknown jit event name: %s", e.Name)
}

// ParseJitEvent decodes a raw jit event payload into its concrete variant
// using the jit_event_name discriminator.
func ParseJitEvent(data []byte) (JitEvent, error) {
	var probe struct {
		JitEventName JitEventName `json:"jit_event_name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding jit event discriminator: %w", err)
	}

	factory, ok := jitEventFactories[probe.JitEventName]
	if !ok {
		return nil, &UnknownJitEventNameError{Name: probe.JitEventName}
	}

	evt := factory(probe.JitEventName)
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decoding jit event %s: %w", probe.JitEventName, err)
	}
	return evt, nil
}

// ParseJitEventFromMap restores a concrete jit event variant from its
// generic map form, as embedded in lifecycle records.
func ParseJitEventFromMap(m map[string]any) (JitEvent, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling jit event map: %w", err)
	}
	return ParseJitEvent(raw)
}

// AsCodeRelated returns the code-related view of a jit event when the variant
// carries one.
func AsCodeRelated(e JitEvent) (*CodeRelatedJitEvent, bool) {
	switch v := e.(type) {
	case *CodeRelatedJitEvent:
		return v, true
	case *DeploymentJitEvent:
		return &v.CodeRelatedJitEvent, true
	default:
		return nil, false
	}
}

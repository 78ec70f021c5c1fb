package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
)

// EnrichedData maps enrichment attribute names (languages, frameworks, ...)
// to the values discovered on the asset.
type EnrichedData map[string][]string

// PrepareForExecutionEvent is the per-asset fan-out unit: everything the
// prepare stage needs to turn one asset's filtered jobs into trigger
// execution events.
type PrepareForExecutionEvent struct {
	JitEvent                    JitEvent                `json:"jit_event"`
	TriggerFilterAttributes     TriggerFilterAttributes `json:"trigger_filter_attributes"`
	Asset                       tenant.Asset            `json:"asset"`
	Installations               []tenant.Installation   `json:"installations"`
	FilteredJobs                []JobTemplateWrapper    `json:"filtered_jobs"`
	ShouldEnrich                bool                    `json:"should_enrich"`
	DependsOnWorkflowsTemplates []plan.WorkflowTemplate `json:"depends_on_workflows_templates,omitempty"`
	EnrichedData                EnrichedData            `json:"enriched_data,omitempty"`
}

// UnmarshalJSON decodes the jit_event field through the variant dispatch so
// the interface field gets its concrete type back.
func (e *PrepareForExecutionEvent) UnmarshalJSON(data []byte) error {
	type alias PrepareForExecutionEvent
	var raw struct {
		alias
		JitEvent json.RawMessage `json:"jit_event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding prepare-for-execution event: %w", err)
	}

	jitEvent, err := ParseJitEvent(raw.JitEvent)
	if err != nil {
		return err
	}

	*e = PrepareForExecutionEvent(raw.alias)
	e.JitEvent = jitEvent
	return nil
}

// RelevantInstallation returns the installation matching the asset's vendor
// and owner, or nil when none applies.
func (e *PrepareForExecutionEvent) RelevantInstallation() *tenant.Installation {
	for i := range e.Installations {
		inst := &e.Installations[i]
		if e.Asset.Vendor == inst.Vendor && e.Asset.Owner == inst.Owner {
			return inst
		}
	}
	return nil
}

// JitEventProcessingResources is everything resolved for a jit event before
// the asset fan-out: the SCM installations, the fully filtered jobs, and the
// plan's shared depends-on (enrichment) workflows.
type JitEventProcessingResources struct {
	JitEvent               JitEvent                         `json:"jit_event"`
	Installations          []tenant.Installation            `json:"installations"`
	Jobs                   []JobTemplateWrapper             `json:"jobs"`
	PlanDependsOnWorkflows map[string]plan.WorkflowTemplate `json:"plan_depends_on_workflows"`
}

// UnmarshalJSON restores the concrete jit event variant behind the interface
// field.
func (r *JitEventProcessingResources) UnmarshalJSON(data []byte) error {
	type alias JitEventProcessingResources
	var raw struct {
		alias
		JitEvent json.RawMessage `json:"jit_event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding jit event processing resources: %w", err)
	}

	jitEvent, err := ParseJitEvent(raw.JitEvent)
	if err != nil {
		return err
	}

	*r = JitEventProcessingResources(raw.alias)
	r.JitEvent = jitEvent
	return nil
}

// NewJitEventProcessingResources builds the resolved resources for a jit
// event. A merge to the default branch is a full-branch scan, so the PR-only
// fields of the originating event are dropped here.
func NewJitEventProcessingResources(
	jitEvent JitEvent,
	installations []tenant.Installation,
	jobs []JobTemplateWrapper,
	dependsOn map[string]plan.WorkflowTemplate,
) JitEventProcessingResources {
	if code, ok := AsCodeRelated(jitEvent); ok &&
		jitEvent.Common().JitEventName == JitEventNameMergeDefaultBranch {
		code.ClearPullRequestFields()
	}
	return JitEventProcessingResources{
		JitEvent:               jitEvent,
		Installations:          installations,
		Jobs:                   jobs,
		PlanDependsOnWorkflows: dependsOn,
	}
}

// OrchestratorStatus is the outcome of the asset fan-out.
type OrchestratorStatus string

const (
	OrchestratorStatusSuccess          OrchestratorStatus = "success"
	OrchestratorStatusAllAssetsDropped OrchestratorStatus = "all assets were filtered from the event"
)

package trigger

import (
	"encoding/json"
	"fmt"
)

// Trigger schemes describe the graph of executions a jit event is about to
// create (workflow → asset → job). They feed pipeline bookkeeping downstream
// and never run anything themselves.

// JobTriggerScheme is the leaf of the scheme graph.
type JobTriggerScheme struct {
	JobName      string `json:"job_name"`
	Runner       string `json:"runner"`
	SecurityTool string `json:"security_tool,omitempty"`
}

// AssetTriggerScheme groups the jobs triggered on one asset.
type AssetTriggerScheme struct {
	AssetID           string                      `json:"asset_id"`
	AssetName         string                      `json:"asset_name"`
	AssetType         string                      `json:"asset_type"`
	Vendor            string                      `json:"vendor"`
	Owner             string                      `json:"owner"`
	Environment       string                      `json:"environment,omitempty"`
	InstallationID    *string                     `json:"installation_id,omitempty"`
	JobTriggerSchemes map[string]JobTriggerScheme `json:"job_trigger_schemes"`
}

// WorkflowTriggerScheme groups the assets triggered under one workflow.
type WorkflowTriggerScheme struct {
	WorkflowSlug        string                         `json:"workflow_slug"`
	WorkflowName        string                         `json:"workflow_name"`
	PlanItemSlug        string                         `json:"plan_item_slug"`
	AssetTriggerSchemes map[string]*AssetTriggerScheme `json:"asset_trigger_schemes"`
}

// EventTriggerScheme is the full scheme graph for one jit event.
type EventTriggerScheme struct {
	WorkflowTriggerSchemes map[string]*WorkflowTriggerScheme `json:"workflow_trigger_schemes"`
}

// AmountOfTriggeredJobs counts the job leaves across the whole graph.
func (s EventTriggerScheme) AmountOfTriggeredJobs() int {
	total := 0
	for _, wf := range s.WorkflowTriggerSchemes {
		for _, asset := range wf.AssetTriggerSchemes {
			total += len(asset.JobTriggerSchemes)
		}
	}
	return total
}

// SourceAsset identifies the asset a jit event originated from, when it has
// one.
type SourceAsset struct {
	AssetID string `json:"asset_id,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Name    string `json:"name,omitempty"`
}

// TriggerScheme pairs the scheme graph with the event that produced it.
type TriggerScheme struct {
	JitEvent             JitEvent           `json:"jit_event"`
	EventExecutionScheme EventTriggerScheme `json:"event_execution_scheme"`
	SourceAsset          *SourceAsset       `json:"source_asset,omitempty"`
}

// UnmarshalJSON restores the concrete jit event variant behind the interface
// field.
func (s *TriggerScheme) UnmarshalJSON(data []byte) error {
	type alias TriggerScheme
	var raw struct {
		alias
		JitEvent json.RawMessage `json:"jit_event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding trigger scheme: %w", err)
	}

	jitEvent, err := ParseJitEvent(raw.JitEvent)
	if err != nil {
		return err
	}

	*s = TriggerScheme(raw.alias)
	s.JitEvent = jitEvent
	return nil
}

// BulkTriggerSchemeEvent batches trigger schemes for one jit event.
type BulkTriggerSchemeEvent struct {
	TenantID       string          `json:"tenant_id"`
	JitEventName   JitEventName    `json:"jit_event_name"`
	TriggerSchemes []TriggerScheme `json:"trigger_schemes"`
}

// Package execution models the execution entities owned by the execution
// service. This service reads executions for cancellation and watchdog
// decisions and publishes completion updates; it never creates them.
package execution

import "strings"

// ControlType classifies what a job does, inferred from its name.
type ControlType string

const (
	ControlTypeDetection   ControlType = "detection"
	ControlTypeEnrichment  ControlType = "enrichment"
	ControlTypeRemediation ControlType = "remediation"
	ControlTypeBackground  ControlType = "background"
)

var backgroundJobNames = []string{
	"sbom", "reporter", "software-bill-of-materials", "analyze", "pull-issues", "push-findings",
}

// GetControlType infers the control type from the job name. The substring
// rule is the only signal available before a control runs; keep the table
// here so the rule has exactly one home.
func GetControlType(jobName string) ControlType {
	if strings.Contains(jobName, "enrich") {
		return ControlTypeEnrichment
	}
	if strings.Contains(jobName, "remediation") {
		return ControlTypeRemediation
	}
	lower := strings.ToLower(jobName)
	for _, name := range backgroundJobNames {
		if strings.Contains(lower, name) {
			return ControlTypeBackground
		}
	}
	return ControlTypeDetection
}

// ExecutionStatus is the lifecycle status of one execution.
type ExecutionStatus string

const (
	StatusPending         ExecutionStatus = "pending"
	StatusDispatching     ExecutionStatus = "dispatching"
	StatusDispatched      ExecutionStatus = "dispatched"
	StatusRunning         ExecutionStatus = "running"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusCanceled        ExecutionStatus = "canceled"
	StatusControlTimeout  ExecutionStatus = "control_timeout"
	StatusWatchdogTimeout ExecutionStatus = "watchdog_timeout"
)

// IsComplete reports whether the status is a successful terminal status.
func (s ExecutionStatus) IsComplete() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// IsFailed reports whether the status is a failed terminal status.
func (s ExecutionStatus) IsFailed() bool {
	return s == StatusFailed || s == StatusControlTimeout || s == StatusWatchdogTimeout
}

// IsRunning reports whether the execution has not reached a terminal status.
func (s ExecutionStatus) IsRunning() bool { return !s.IsComplete() && !s.IsFailed() }

// ExecutionContext is the slice of an execution's context this service
// inspects (the originating jit event).
type ExecutionContext struct {
	JitEvent map[string]any `json:"jit_event,omitempty"`
}

// JitEventName extracts the originating jit event name from the context.
func (c ExecutionContext) JitEventName() string {
	name, _ := c.JitEvent["jit_event_name"].(string)
	return name
}

// ActivatedPlanItemSlugs extracts the activated plan item slugs for
// item-activated jit events.
func (c ExecutionContext) ActivatedPlanItemSlugs() []string {
	raw, _ := c.JitEvent["activated_plan_item_slugs"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Execution is one run of one control on one asset.
type Execution struct {
	TenantID          string           `json:"tenant_id"`
	JitEventID        string           `json:"jit_event_id"`
	ExecutionID       string           `json:"execution_id"`
	AssetID           string           `json:"asset_id,omitempty"`
	PlanItemSlug      string           `json:"plan_item_slug,omitempty"`
	AffectedPlanItems []string         `json:"affected_plan_items,omitempty"`
	ControlName       string           `json:"control_name,omitempty"`
	ControlType       ControlType      `json:"control_type,omitempty"`
	Status            ExecutionStatus  `json:"status,omitempty"`
	HasFindings       bool             `json:"has_findings,omitempty"`
	Context           ExecutionContext `json:"context,omitempty"`
}

// GetExecutionsFilters narrows an executions query.
type GetExecutionsFilters struct {
	Status       ExecutionStatus `json:"status,omitempty"`
	PlanItemSlug string          `json:"plan_item_slug,omitempty"`
	JitEventID   string          `json:"jit_event_id,omitempty"`
	AssetID      string          `json:"asset_id,omitempty"`
	JobName      string          `json:"job_name,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	StartKey     string          `json:"start_key,omitempty"`
}

// CompletionUpdate is the task-completion event published to mark an
// execution terminal (used by the cancellation flow).
type CompletionUpdate struct {
	TenantID     string          `json:"tenant_id"`
	JitEventID   string          `json:"jit_event_id"`
	ExecutionID  string          `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	ErrorBody    string          `json:"error_body,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// MinimalAsset is the asset slice carried on asset-not-covered events.
type MinimalAsset struct {
	TenantID string `json:"tenant_id"`
	AssetID  string `json:"asset_id"`
}

// AssetRemovedEvent is the asset-not-covered payload consumed by the
// cancellation handler.
type AssetRemovedEvent struct {
	Body MinimalAsset `json:"body"`
}

// PlanItemDeactivatedEvent is the plan-items-is-active payload consumed by
// the cancellation handler.
type PlanItemDeactivatedEvent struct {
	TenantID     string `json:"tenant_id"`
	PlanSlug     string `json:"plan_slug"`
	PlanItemSlug string `json:"plan_item_slug"`
	IsActive     bool   `json:"is_active"`
}

package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
)

// MaxBulkSize caps how many trigger events ride in one bulk message.
const MaxBulkSize = 50

// Centralized points the runner at the tenant's centralized config repo.
type Centralized struct {
	CentralizedRepoFilesLocation string `json:"centralized_repo_files_location,omitempty"`
	CIWorkflowFilesPath          string `json:"ci_workflow_files_path,omitempty"`
}

// WorkflowJob is the job slice of an execution context.
type WorkflowJob struct {
	JobName      string              `json:"job_name"`
	Runner       plan.RunnerConfig   `json:"runner"`
	Condition    map[string][]string `json:"condition,omitempty"`
	Integrations []string            `json:"integrations,omitempty"`
	Steps        []plan.Step         `json:"steps"`
}

// ContextWorkflow is the workflow slice of an execution context; the bulky
// YAML content is stripped before publish.
type ContextWorkflow struct {
	Slug      string   `json:"slug"`
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// ExecutionContext is the fully resolved bundle a runner needs to execute
// one job with no further lookups.
type ExecutionContext struct {
	JitEvent         JitEvent             `json:"jit_event"`
	Asset            tenant.Asset         `json:"asset"`
	Installation     *tenant.Installation `json:"installation,omitempty"`
	Config           map[string]any       `json:"config,omitempty"`
	Integration      map[string]any       `json:"integration,omitempty"`
	Job              WorkflowJob          `json:"job"`
	Centralized      *Centralized         `json:"centralized,omitempty"`
	Workflow         ContextWorkflow      `json:"workflow"`
	EnrichmentResult EnrichedData         `json:"enrichment_result,omitempty"`

	// TaskToken rides only on enrich executions; the enricher echoes it on
	// its completion callback so the suspended flow can resume.
	TaskToken string `json:"task_token,omitempty"`
}

// UnmarshalJSON restores the concrete jit event variant behind the interface
// field.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	type alias ExecutionContext
	var raw struct {
		alias
		JitEvent json.RawMessage `json:"jit_event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding execution context: %w", err)
	}

	jitEvent, err := ParseJitEvent(raw.JitEvent)
	if err != nil {
		return err
	}

	*c = ExecutionContext(raw.alias)
	c.JitEvent = jitEvent
	return nil
}

// TriggerExecutionEvent instructs downstream runners to execute one job on
// one asset.
type TriggerExecutionEvent struct {
	Context           ExecutionContext      `json:"context"`
	PlanSlug          string                `json:"plan_slug"`
	PlanItemSlug      string                `json:"plan_item_slug"`
	AffectedPlanItems []string              `json:"affected_plan_items"`
	WorkflowSlug      string                `json:"workflow_slug"`
	JobName           string                `json:"job_name"`
	Steps             []plan.Step           `json:"steps"`
	CreatedAt         string                `json:"created_at"`
	JobRunner         string                `json:"job_runner"`
	JitEvent          JitEvent              `json:"jit_event"`
	ControlType       execution.ControlType `json:"control_type"`
}

// UnmarshalJSON restores the concrete jit event variant behind the interface
// field.
func (e *TriggerExecutionEvent) UnmarshalJSON(data []byte) error {
	type alias TriggerExecutionEvent
	var raw struct {
		alias
		JitEvent json.RawMessage `json:"jit_event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding trigger execution event: %w", err)
	}

	jitEvent, err := ParseJitEvent(raw.JitEvent)
	if err != nil {
		return err
	}

	*e = TriggerExecutionEvent(raw.alias)
	e.JitEvent = jitEvent
	return nil
}

// BulkTriggerExecutionEvent batches trigger execution events for one jit
// event; one message per bulk, at most MaxBulkSize per bulk.
type BulkTriggerExecutionEvent struct {
	TenantID     string                  `json:"tenant_id"`
	JitEventName JitEventName            `json:"jit_event_name"`
	Executions   []TriggerExecutionEvent `json:"executions"`
}

// NowISO formats the timestamp carried on outgoing trigger events.
func NowISO(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.999999") }

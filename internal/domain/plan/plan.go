// Package plan models the tenant plan: plan items, workflow templates and the
// raw jobs inside them. Plans are owned by the plan service; this service
// fetches and filters them.
package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// JitPlanSlug is the single plan every tenant runs today.
const JitPlanSlug = "jit-plan"

// PlaceholderPlanItemSlug is used when generating enrichment trigger events;
// the enrich workflow belongs to no plan item and downstream ignores the value.
const PlaceholderPlanItemSlug = "DEPENDS_ON_PLAN_ITEM_SLUG"

// Runner labels. "jit" executions run on managed infrastructure; the rest run
// on customer CI.
const (
	RunnerJit           = "jit"
	RunnerGitHubActions = "github_actions"
)

// CIRunners are the runner labels hosted on customer CI. Executions on these
// are the ones withheld during an SCM outage.
var CIRunners = map[string]struct{}{
	RunnerGitHubActions: {},
}

// Step is one step of a job template.
type Step struct {
	Name string            `json:"name,omitempty" yaml:"name,omitempty"`
	Uses string            `json:"uses,omitempty" yaml:"uses,omitempty"`
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	With map[string]any    `json:"with,omitempty" yaml:"with,omitempty"`
}

// RawJob is one job as it appears inside a workflow template's YAML content.
type RawJob struct {
	AssetType string              `json:"asset_type,omitempty" yaml:"asset_type,omitempty"`
	Runner    RunnerConfig        `json:"runner,omitempty" yaml:"runner,omitempty"`
	Steps     []Step              `json:"steps,omitempty" yaml:"steps,omitempty"`
	If        map[string][]string `json:"if,omitempty" yaml:"if,omitempty"`
}

// SecurityTool returns the security tool tag of the job's first step, or ""
// when absent.
func (j RawJob) SecurityTool() string {
	if len(j.Steps) == 0 {
		return ""
	}
	return j.Steps[0].Tags["security_tool"]
}

// WorkflowContent is the parsed YAML body of a workflow template.
type WorkflowContent struct {
	Jobs    map[string]RawJob   `yaml:"jobs"`
	Trigger map[string][]string `yaml:"trigger,omitempty"`
}

// WorkflowTemplate is a workflow definition attached to a plan item. Content
// holds the raw YAML; ParsedContent is populated lazily and stripped before
// the template is shipped on the bus.
type WorkflowTemplate struct {
	Slug                 string              `json:"slug"`
	Name                 string              `json:"name"`
	DependsOn            []string            `json:"depends_on,omitempty"`
	Content              string              `json:"content,omitempty"`
	ParsedContent        *WorkflowContent    `json:"parsed_content,omitempty"`
	Trigger              map[string][]string `json:"trigger,omitempty"`
	Params               map[string]any      `json:"params,omitempty"`
	PlanItemTemplateSlug string              `json:"plan_item_template_slug,omitempty"`
	AssetTypes           []string            `json:"asset_types,omitempty"`
}

// ParseContent decodes the template's YAML content. An empty content body is
// an error; a content body without jobs is not.
func (w *WorkflowTemplate) ParseContent() (*WorkflowContent, error) {
	if w.ParsedContent != nil {
		return w.ParsedContent, nil
	}

	var content WorkflowContent
	if err := yaml.Unmarshal([]byte(w.Content), &content); err != nil {
		return nil, fmt.Errorf("parsing workflow %s content: %w", w.Slug, err)
	}
	if content.Jobs == nil && content.Trigger == nil {
		return nil, fmt.Errorf("workflow %s has no content", w.Slug)
	}

	w.ParsedContent = &content
	return &content, nil
}

// Triggers returns the union of the template's trigger values, preferring the
// structured trigger field over the one embedded in YAML content.
func (w *WorkflowTemplate) Triggers() ([]string, error) {
	section := w.Trigger
	if len(section) == 0 {
		content, err := w.ParseContent()
		if err != nil {
			return nil, err
		}
		section = content.Trigger
	}

	var out []string
	for _, values := range section {
		out = append(out, values...)
	}
	return out, nil
}

// StripContent drops the bulky YAML bodies before the template is marshaled
// onto the bus.
func (w *WorkflowTemplate) StripContent() {
	w.Content = ""
	w.ParsedContent = nil
}

// ItemTemplate identifies a plan item.
type ItemTemplate struct {
	Slug string `json:"slug"`
	Name string `json:"name,omitempty"`
}

// PlanItem is a plan item together with its workflow templates.
type PlanItem struct {
	ItemTemplate      ItemTemplate       `json:"item_template"`
	WorkflowTemplates []WorkflowTemplate `json:"workflow_templates"`
}

// FullPlan is the resolved plan for a tenant: active items plus the shared
// depends-on workflows (enrichment).
type FullPlan struct {
	Items     map[string]PlanItem         `json:"items"`
	DependsOn map[string]WorkflowTemplate `json:"depends_on,omitempty"`
}

// ActiveItemSlugs returns the slugs of all items in the plan.
func (p FullPlan) ActiveItemSlugs() []string {
	slugs := make([]string, 0, len(p.Items))
	for slug := range p.Items {
		slugs = append(slugs, slug)
	}
	return slugs
}

// PlanItemScope binds a (workflow, job) pair to the plan items it affects.
type PlanItemScope struct {
	WorkflowSlug string `json:"workflow_slug"`
	JobName      string `json:"job_name"`
	PlanItemSlug string `json:"plan_item_slug"`
}

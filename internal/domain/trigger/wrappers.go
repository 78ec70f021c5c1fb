package trigger

import (
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
)

// JobTemplateWrapper binds one raw job to the plan item and workflow it came
// from. This is the unit the filter chain operates on and the unit that
// ultimately becomes a trigger execution event.
type JobTemplateWrapper struct {
	PlanItemSlug     string                `json:"plan_item_slug"`
	WorkflowSlug     string                `json:"workflow_slug"`
	WorkflowName     string                `json:"workflow_name"`
	JobName          string                `json:"job_name"`
	WorkflowTemplate plan.WorkflowTemplate `json:"workflow_template"`
	RawJob           plan.RawJob           `json:"raw_job_template"`
	DependsOnSlugs   []string              `json:"depends_on_slugs,omitempty"`
}

// SecurityTool returns the security tool of the wrapped job's first step.
func (j JobTemplateWrapper) SecurityTool() string { return j.RawJob.SecurityTool() }

// Runner returns the flat runner label of the wrapped job.
func (j JobTemplateWrapper) Runner() string { return j.RawJob.Runner.Label() }

// WorkflowScheme builds the workflow-level node of a trigger scheme for this
// job's workflow, with no assets attached yet.
func (j JobTemplateWrapper) WorkflowScheme() *WorkflowTriggerScheme {
	return &WorkflowTriggerScheme{
		WorkflowSlug:        j.WorkflowSlug,
		WorkflowName:        j.WorkflowName,
		PlanItemSlug:        j.PlanItemSlug,
		AssetTriggerSchemes: map[string]*AssetTriggerScheme{},
	}
}

// JobScheme builds the job-level leaf of a trigger scheme.
func (j JobTemplateWrapper) JobScheme() JobTriggerScheme {
	return JobTriggerScheme{
		JobName:      j.JobName,
		Runner:       j.Runner(),
		SecurityTool: j.SecurityTool(),
	}
}

// WorkflowTemplateWrapper binds a workflow template to its plan item for the
// workflow-level filter pass, before jobs are expanded.
type WorkflowTemplateWrapper struct {
	PlanItemSlug   string                `json:"plan_item_slug"`
	WorkflowSlug   string                `json:"workflow_slug"`
	WorkflowName   string                `json:"workflow_name"`
	DependsOnSlugs []string              `json:"depends_on_slugs,omitempty"`
	RawWorkflow    plan.WorkflowTemplate `json:"raw_workflow_template"`
}

// Jobs expands the wrapped workflow into its job wrappers. A template with
// no content is an error; a template with no jobs yields an empty slice.
func (w WorkflowTemplateWrapper) Jobs() ([]JobTemplateWrapper, error) {
	content, err := w.RawWorkflow.ParseContent()
	if err != nil {
		return nil, err
	}

	jobs := make([]JobTemplateWrapper, 0, len(content.Jobs))
	for name, raw := range content.Jobs {
		jobs = append(jobs, JobTemplateWrapper{
			PlanItemSlug:     w.PlanItemSlug,
			WorkflowSlug:     w.WorkflowSlug,
			WorkflowName:     w.WorkflowName,
			JobName:          name,
			WorkflowTemplate: w.RawWorkflow,
			RawJob:           raw,
			DependsOnSlugs:   w.DependsOnSlugs,
		})
	}
	return jobs, nil
}

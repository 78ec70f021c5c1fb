package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWorkflowYAML = `
trigger:
  push:
    - pull_request_created
    - pull_request_updated
jobs:
  static-code-analysis:
    asset_type: repo
    runner:
      setup:
        checkout: true
    steps:
      - name: Run analyzer
        uses: registry/analyzer:latest
        tags:
          security_tool: semgrep
    if:
      languages:
        - go
        - python
`

func TestParseContent_DecodesJobsAndTrigger(t *testing.T) {
	w := WorkflowTemplate{Slug: "workflow-sast", Content: sampleWorkflowYAML}

	content, err := w.ParseContent()
	require.NoError(t, err)

	job, ok := content.Jobs["static-code-analysis"]
	require.True(t, ok)
	assert.Equal(t, "repo", job.AssetType)
	assert.Equal(t, []string{"go", "python"}, job.If["languages"])
	assert.Equal(t, "semgrep", job.SecurityTool())
	assert.Equal(t, []string{"pull_request_created", "pull_request_updated"}, content.Trigger["push"])
}

func TestParseContent_EmptyBodyFails(t *testing.T) {
	w := WorkflowTemplate{Slug: "workflow-empty", Content: ""}

	_, err := w.ParseContent()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow-empty")
}

func TestParseContent_IsCached(t *testing.T) {
	w := WorkflowTemplate{Slug: "workflow-sast", Content: sampleWorkflowYAML}

	first, err := w.ParseContent()
	require.NoError(t, err)

	// A second call returns the cached parse even if Content changes.
	w.Content = "not: yaml: ["
	second, err := w.ParseContent()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestTriggers_PrefersStructuredField(t *testing.T) {
	w := WorkflowTemplate{
		Slug:    "workflow-sast",
		Content: sampleWorkflowYAML,
		Trigger: map[string][]string{"push": {"merge_default_branch"}},
	}

	triggers, err := w.Triggers()
	require.NoError(t, err)
	assert.Equal(t, []string{"merge_default_branch"}, triggers)
}

func TestTriggers_FallsBackToContent(t *testing.T) {
	w := WorkflowTemplate{Slug: "workflow-sast", Content: sampleWorkflowYAML}

	triggers, err := w.Triggers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pull_request_created", "pull_request_updated"}, triggers)
}

func TestStripContent(t *testing.T) {
	w := WorkflowTemplate{Slug: "workflow-sast", Content: sampleWorkflowYAML}
	_, err := w.ParseContent()
	require.NoError(t, err)

	w.StripContent()
	assert.Empty(t, w.Content)
	assert.Nil(t, w.ParsedContent)
}

func TestActiveItemSlugs(t *testing.T) {
	p := FullPlan{Items: map[string]PlanItem{
		"item-sast": {},
		"item-sbom": {},
	}}

	assert.ElementsMatch(t, []string{"item-sast", "item-sbom"}, p.ActiveItemSlugs())
	assert.Empty(t, FullPlan{}.ActiveItemSlugs())
}

func TestSecurityTool_NoSteps(t *testing.T) {
	assert.Empty(t, RawJob{}.SecurityTool())
}

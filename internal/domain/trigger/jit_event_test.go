package trigger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJitEvent_DispatchesOnName(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    any
	}{
		{
			name: "pull request created",
			payload: `{"jit_event_name": "pull_request_created", "tenant_id": "tenant-1",
				"jit_event_id": "event-1", "vendor": "github", "owner": "acme",
				"original_repository": "service", "branch": "feature",
				"commits": {"base_sha": "aaa", "head_sha": "bbb"},
				"pull_request_number": "7"}`,
			want: &CodeRelatedJitEvent{},
		},
		{
			name: "production deployment",
			payload: `{"jit_event_name": "production_deployment", "tenant_id": "tenant-1",
				"jit_event_id": "event-2", "environment": "prod", "deployment_id": "d-1"}`,
			want: &DeploymentJitEvent{},
		},
		{
			name: "item activated",
			payload: `{"jit_event_name": "item_activated", "tenant_id": "tenant-1",
				"jit_event_id": "event-3", "activated_plan_item_slugs": ["item-a"]}`,
			want: &ItemActivatedJitEvent{},
		},
		{
			name: "manual execution",
			payload: `{"jit_event_name": "manual_execution", "tenant_id": "tenant-1",
				"jit_event_id": "event-4", "plan_item_slug": "item-a", "asset_ids_filter": ["asset-1"]}`,
			want: &ManualExecutionJitEvent{},
		},
		{
			name: "scheduled task",
			payload: `{"jit_event_name": "trigger_scheduled_task", "tenant_id": "tenant-1",
				"jit_event_id": "event-5", "cron_expression": "0 0 * * *"}`,
			want: &ScheduledTaskJitEvent{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := ParseJitEvent([]byte(tc.payload))
			require.NoError(t, err)
			assert.IsType(t, tc.want, evt)
			assert.Equal(t, "tenant-1", evt.Common().TenantID)
		})
	}
}

func TestParseJitEvent_UnknownNameFails(t *testing.T) {
	_, err := ParseJitEvent([]byte(`{"jit_event_name": "launch_rockets"}`))

	var unknownErr *UnknownJitEventNameError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, JitEventName("launch_rockets"), unknownErr.Name)
}

func TestParseJitEventFromMap_RestoresVariant(t *testing.T) {
	original := &CodeRelatedJitEvent{
		CommonJitEvent: CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: JitEventNamePullRequestCreated,
		},
		Vendor:             "github",
		Owner:              "acme",
		OriginalRepository: "service",
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)
	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))

	restored, err := ParseJitEventFromMap(asMap)
	require.NoError(t, err)

	code, ok := restored.(*CodeRelatedJitEvent)
	require.True(t, ok)
	assert.Equal(t, "service", code.OriginalRepository)
}

func TestCodeRelatedFilters_ConstrainAssetAndTrigger(t *testing.T) {
	evt := &CodeRelatedJitEvent{
		CommonJitEvent: CommonJitEvent{JitEventName: JitEventNamePullRequestCreated},
		AssetID:        "asset-1",
	}

	filters := evt.Filters()
	assert.True(t, filters.Triggers.Has("pull_request_created"))
	assert.True(t, filters.AssetIDs.Has("asset-1"))
	assert.False(t, filters.CreateTriggerEventFromJitEvent)
}

func TestDeploymentFilters_AddEnvironment(t *testing.T) {
	evt := &DeploymentJitEvent{
		CodeRelatedJitEvent: CodeRelatedJitEvent{
			CommonJitEvent: CommonJitEvent{JitEventName: JitEventNameProductionDeployment},
		},
		Environment: "prod",
	}

	filters := evt.Filters()
	assert.True(t, filters.AssetEnvs.Has("prod"))
	assert.True(t, filters.Triggers.Has("production_deployment"))
}

func TestScheduledTaskFilters_DeriveTriggerEventDirectly(t *testing.T) {
	evt := &ScheduledTaskJitEvent{
		CommonJitEvent: CommonJitEvent{JitEventName: JitEventNameTriggerScheduledTask},
		PlanItemSlug:   "item-sbom",
	}

	filters := evt.Filters()
	assert.True(t, filters.CreateTriggerEventFromJitEvent)
	assert.True(t, filters.PlanItemSlugs.Has("item-sbom"))
}

func TestClearPullRequestFields(t *testing.T) {
	pr := "42"
	head := "bbb"
	evt := &CodeRelatedJitEvent{
		PullRequestNumber: &pr,
		Commits:           Commits{BaseSHA: "aaa", HeadSHA: &head},
	}

	evt.ClearPullRequestFields()

	assert.Nil(t, evt.PullRequestNumber)
	assert.Nil(t, evt.Commits.HeadSHA)
	assert.Empty(t, evt.Commits.BaseSHA)
}

func TestIsPRRelated(t *testing.T) {
	assert.True(t, JitEventNamePullRequestCreated.IsPRRelated())
	assert.True(t, JitEventNamePullRequestUpdated.IsPRRelated())
	assert.False(t, JitEventNameMergeDefaultBranch.IsPRRelated())
	assert.False(t, JitEventNameManualExecution.IsPRRelated())
}

func TestAsCodeRelated(t *testing.T) {
	_, ok := AsCodeRelated(&ItemActivatedJitEvent{})
	assert.False(t, ok)

	deploy := &DeploymentJitEvent{
		CodeRelatedJitEvent: CodeRelatedJitEvent{Vendor: "github"},
	}
	code, ok := AsCodeRelated(deploy)
	require.True(t, ok)
	assert.Equal(t, "github", code.Vendor)
}

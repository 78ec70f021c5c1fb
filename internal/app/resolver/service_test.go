package resolver

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/shared"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

type fakePublisher struct{ published []events.DomainEvent }

func (p *fakePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.published = append(p.published, event)
	return nil
}

type fakeAuth struct{}

func (fakeAuth) GetAPIToken(context.Context, string) (string, error) { return "token", nil }

type fakePlanAPI struct {
	plan plan.FullPlan
	err  error
}

func (p *fakePlanAPI) GetFullPlan(context.Context, string, string) (plan.FullPlan, error) {
	return p.plan, p.err
}

type fakeTenantAPI struct{ installations []tenant.Installation }

func (t *fakeTenantAPI) GetInstallations(context.Context, string, string) ([]tenant.Installation, error) {
	return t.installations, nil
}

type fakeStatus struct{ status string }

func (s *fakeStatus) GetVendorStatus(context.Context) string {
	if s.status == "" {
		return "operational"
	}
	return s.status
}

type fakeFlags struct{ enabled map[string]bool }

func (f *fakeFlags) IsEnabled(_ context.Context, flag, _ string, defaultValue bool) bool {
	if v, ok := f.enabled[flag]; ok {
		return v
	}
	return defaultValue
}

type fakeLifecycle struct {
	started   []string
	completed []lifecycle.JitEventStatus
}

func (l *fakeLifecycle) Start(_ context.Context, jitEvent trigger.JitEvent) error {
	l.started = append(l.started, jitEvent.Common().JitEventID)
	return nil
}

func (l *fakeLifecycle) Complete(_ context.Context, _, _ string, status lifecycle.JitEventStatus) error {
	l.completed = append(l.completed, status)
	return nil
}

type fakeOrchestrator struct {
	resources []trigger.JitEventProcessingResources
	err       error
}

func (o *fakeOrchestrator) ProcessResources(_ context.Context, resources trigger.JitEventProcessingResources) error {
	o.resources = append(o.resources, resources)
	return o.err
}

type testDeps struct {
	publisher    *fakePublisher
	plans        *fakePlanAPI
	tenants      *fakeTenantAPI
	status       *fakeStatus
	flags        *fakeFlags
	lifecycle    *fakeLifecycle
	orchestrator *fakeOrchestrator
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		publisher:    &fakePublisher{},
		plans:        &fakePlanAPI{plan: testPlan()},
		tenants:      &fakeTenantAPI{installations: []tenant.Installation{testInstallation()}},
		status:       &fakeStatus{},
		flags:        &fakeFlags{enabled: map[string]bool{}},
		lifecycle:    &fakeLifecycle{},
		orchestrator: &fakeOrchestrator{},
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	svc := NewService(
		deps.publisher, fakeAuth{}, deps.plans, deps.tenants, deps.status,
		deps.flags, deps.lifecycle, deps.orchestrator,
		log, noop.NewTracerProvider().Tracer("test"),
	)
	return svc, deps
}

func testInstallation() tenant.Installation {
	return tenant.Installation{
		InstallationID: "77",
		TenantID:       "tenant-1",
		Vendor:         tenant.VendorGitHub,
		Owner:          "acme",
		AppID:          "app-1",
		IsActive:       true,
		CentralizedRepoAsset: &tenant.CentralizedRepoAsset{
			AssetID:   "central-1",
			AssetName: ".jit",
			Owner:     "acme",
		},
	}
}

func prWorkflow() plan.WorkflowTemplate {
	return plan.WorkflowTemplate{
		Slug:      "workflow-sast",
		Name:      "SAST",
		DependsOn: []string{"workflow-enrichment"},
		Content:   "jobs: {}",
		Trigger:   map[string][]string{"pull_request": {"pull_request_created", "pull_request_updated"}},
		ParsedContent: &plan.WorkflowContent{
			Jobs: map[string]plan.RawJob{
				"static-code-analysis": {
					AssetType: tenant.AssetTypeRepo,
					Runner:    plan.RunnerConfig{Type: plan.RunnerGitHubActions},
				},
				"secret-detection": {
					AssetType: tenant.AssetTypeRepo,
					Runner:    plan.RunnerConfig{Type: plan.RunnerJit},
				},
			},
		},
	}
}

func scheduleWorkflow() plan.WorkflowTemplate {
	return plan.WorkflowTemplate{
		Slug:    "workflow-cloud",
		Name:    "Cloud scan",
		Content: "jobs: {}",
		Trigger: map[string][]string{"schedule": {"trigger_scheduled_task"}},
		ParsedContent: &plan.WorkflowContent{
			Jobs: map[string]plan.RawJob{
				"cloud-scan": {
					AssetType: "aws_account",
					Runner:    plan.RunnerConfig{Type: plan.RunnerJit},
				},
			},
		},
	}
}

func testPlan() plan.FullPlan {
	return plan.FullPlan{
		Items: map[string]plan.PlanItem{
			"item-code-scanning": {
				ItemTemplate:      plan.ItemTemplate{Slug: "item-code-scanning"},
				WorkflowTemplates: []plan.WorkflowTemplate{prWorkflow()},
			},
			"item-cloud": {
				ItemTemplate:      plan.ItemTemplate{Slug: "item-cloud"},
				WorkflowTemplates: []plan.WorkflowTemplate{scheduleWorkflow()},
			},
		},
		DependsOn: map[string]plan.WorkflowTemplate{
			"workflow-enrichment": {Slug: "workflow-enrichment", Content: "jobs: {}"},
		},
	}
}

func prEvent() *trigger.CodeRelatedJitEvent {
	return &trigger.CodeRelatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: trigger.JitEventNamePullRequestCreated,
		},
		Vendor:  tenant.VendorGitHub,
		Owner:   "acme",
		AssetID: "asset-1",
	}
}

func TestResolveResources_FiltersWorkflowsByTrigger(t *testing.T) {
	svc, _ := newTestService(t)

	resources, err := svc.ResolveResources(context.Background(), prEvent())
	require.NoError(t, err)

	// Only the PR-triggered workflow survives, with both its jobs.
	require.Len(t, resources.Jobs, 2)
	for _, job := range resources.Jobs {
		assert.Equal(t, "workflow-sast", job.WorkflowSlug)
		assert.Equal(t, "item-code-scanning", job.PlanItemSlug)
		assert.Equal(t, []string{"workflow-enrichment"}, job.DependsOnSlugs)
	}
	assert.Contains(t, resources.PlanDependsOnWorkflows, "workflow-enrichment")
}

func TestResolveResources_StripsWorkflowContent(t *testing.T) {
	svc, _ := newTestService(t)

	resources, err := svc.ResolveResources(context.Background(), prEvent())
	require.NoError(t, err)

	for _, job := range resources.Jobs {
		assert.Empty(t, job.WorkflowTemplate.Content)
		assert.Nil(t, job.WorkflowTemplate.ParsedContent)
	}
	// The shared enrichment workflows keep their bodies.
	assert.NotEmpty(t, resources.PlanDependsOnWorkflows["workflow-enrichment"].Content)
}

func TestResolveResources_PlanItemAndJobNameFilters(t *testing.T) {
	svc, _ := newTestService(t)

	jitEvent := &trigger.ManualExecutionJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-2",
			JitEventName: trigger.JitEventNameManualExecution,
		},
		AssetIDsFilter: []string{"asset-1"},
		PlanItemSlug:   "item-cloud",
	}

	resources, err := svc.ResolveResources(context.Background(), jitEvent)
	require.NoError(t, err)
	require.Len(t, resources.Jobs, 0)

	// Manual execution carries no workflow trigger matching the schedule
	// workflow, so nothing survives; widening the triggers brings it back.
	svc2, deps := newTestService(t)
	workflow := scheduleWorkflow()
	workflow.Trigger = map[string][]string{"schedule": {"manual_execution"}}
	deps.plans.plan.Items["item-cloud"] = plan.PlanItem{
		ItemTemplate:      plan.ItemTemplate{Slug: "item-cloud"},
		WorkflowTemplates: []plan.WorkflowTemplate{workflow},
	}

	resources, err = svc2.ResolveResources(context.Background(), jitEvent)
	require.NoError(t, err)
	require.Len(t, resources.Jobs, 1)
	assert.Equal(t, "cloud-scan", resources.Jobs[0].JobName)
}

func TestResolveResources_NoValidInstallationFails(t *testing.T) {
	svc, deps := newTestService(t)
	deps.tenants.installations = []tenant.Installation{{
		Vendor: tenant.VendorGitHub, IsActive: false,
	}}

	_, err := svc.ResolveResources(context.Background(), prEvent())
	assert.ErrorIs(t, err, ErrNoValidInstallation)
}

func TestResolveResources_GithubOutageDropsCIJobs(t *testing.T) {
	svc, deps := newTestService(t)
	deps.flags.enabled[clients.FlagStopExecutionsOnGithubOutage] = true
	deps.status.status = clients.GithubStatusOutage

	resources, err := svc.ResolveResources(context.Background(), prEvent())
	require.NoError(t, err)

	require.Len(t, resources.Jobs, 1)
	assert.Equal(t, "secret-detection", resources.Jobs[0].JobName)
	assert.Equal(t, plan.RunnerJit, resources.Jobs[0].Runner())
}

func TestResolveResources_OutageFlagOffKeepsCIJobs(t *testing.T) {
	svc, deps := newTestService(t)
	deps.status.status = clients.GithubStatusOutage

	resources, err := svc.ResolveResources(context.Background(), prEvent())
	require.NoError(t, err)
	assert.Len(t, resources.Jobs, 2)
}

func TestResolveResources_MergeEventClearsPRFields(t *testing.T) {
	svc, _ := newTestService(t)

	prNumber := "17"
	headSHA := "abc"
	jitEvent := prEvent()
	jitEvent.JitEventName = trigger.JitEventNameMergeDefaultBranch
	jitEvent.PullRequestNumber = &prNumber
	jitEvent.Commits = trigger.Commits{HeadSHA: &headSHA, BaseSHA: "def"}

	resources, err := svc.ResolveResources(context.Background(), jitEvent)
	require.NoError(t, err)

	code, ok := trigger.AsCodeRelated(resources.JitEvent)
	require.True(t, ok)
	assert.Nil(t, code.PullRequestNumber)
	assert.Nil(t, code.Commits.HeadSHA)
	assert.Empty(t, code.Commits.BaseSHA)
}

func TestHandleJitEvent_InlineOrchestration(t *testing.T) {
	svc, deps := newTestService(t)

	require.NoError(t, svc.HandleJitEvent(context.Background(), prEvent()))

	assert.Equal(t, []string{"event-1"}, deps.lifecycle.started)
	require.Len(t, deps.orchestrator.resources, 1)
	assert.Empty(t, deps.publisher.published)
}

func TestHandleJitEvent_ResourcesFlowRoutesByAssetIDs(t *testing.T) {
	svc, deps := newTestService(t)
	deps.flags.enabled[clients.FlagFetchJitEventResources] = true

	require.NoError(t, svc.HandleJitEvent(context.Background(), prEvent()))

	assert.Empty(t, deps.orchestrator.resources)
	require.Len(t, deps.publisher.published, 1)
	published := deps.publisher.published[0]
	assert.Equal(t, events.EventTypeRunJitEventOnAssetsByIDs, published.Type)
	assert.Equal(t, "tenant-1", published.Key)
}

func TestHandleJitEvent_ResourcesFlowRouting(t *testing.T) {
	deployment := &trigger.DeploymentJitEvent{
		CodeRelatedJitEvent: trigger.CodeRelatedJitEvent{
			CommonJitEvent: trigger.CommonJitEvent{
				TenantID:     "tenant-1",
				JitEventID:   "event-3",
				JitEventName: trigger.JitEventNameNonProductionDeployment,
			},
			Vendor: tenant.VendorGitHub,
			Owner:  "acme",
		},
		Environment: "staging",
	}
	itemActivated := &trigger.ItemActivatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-4",
			JitEventName: trigger.JitEventNameItemActivated,
		},
		ActivatedPlanItemSlugs: []string{"item-code-scanning"},
	}

	cases := []struct {
		name     string
		jitEvent trigger.JitEvent
		want     events.EventType
	}{
		{"deployment env routes by deployment env", deployment, events.EventTypeRunJitEventOnAssetsByDeploymentEnv},
		{"plan item slugs route by types", itemActivated, events.EventTypeRunJitEventOnAssetsByTypes},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, deps := newTestService(t)
			deps.flags.enabled[clients.FlagFetchJitEventResources] = true

			require.NoError(t, svc.HandleJitEvent(context.Background(), tc.jitEvent))
			require.Len(t, deps.publisher.published, 1)
			assert.Equal(t, tc.want, deps.publisher.published[0].Type)
		})
	}
}

func TestHandleJitEvent_NoRoutingFailsEvent(t *testing.T) {
	svc, deps := newTestService(t)
	deps.flags.enabled[clients.FlagFetchJitEventResources] = true

	jitEvent := &trigger.ScheduledTaskJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-5",
			JitEventName: trigger.JitEventNameTriggerScheduledTask,
		},
	}

	err := svc.HandleJitEvent(context.Background(), jitEvent)
	assert.ErrorIs(t, err, ErrNoAssetRouting)
	assert.Equal(t, []lifecycle.JitEventStatus{lifecycle.StatusFailed}, deps.lifecycle.completed)
}

func TestHandleJitEvent_ResolutionFailureEndsEventFailed(t *testing.T) {
	svc, deps := newTestService(t)
	deps.plans.err = errors.New("plan service down")

	err := svc.HandleJitEvent(context.Background(), prEvent())
	require.Error(t, err)
	assert.Equal(t, []lifecycle.JitEventStatus{lifecycle.StatusFailed}, deps.lifecycle.completed)
}

func TestFiltersUnconstrainedSetMeansEverything(t *testing.T) {
	svc, _ := newTestService(t)

	jitEvent := &trigger.ResourceAddedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-6",
			JitEventName: trigger.JitEventNameResourceAdded,
		},
		AssetIDs: []string{"asset-9"},
	}

	resources, err := svc.ResolveResources(context.Background(), jitEvent)
	require.NoError(t, err)

	// resource_added matches no workflow trigger in the fixture plan.
	assert.Empty(t, resources.Jobs)
	assert.Equal(t, shared.NewStringSet("asset-9"), resources.JitEvent.Filters().AssetIDs)
}

package prepare

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

type fakePublisher struct{ published []events.DomainEvent }

func (p *fakePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) ofType(eventType events.EventType) []events.DomainEvent {
	var out []events.DomainEvent
	for _, evt := range p.published {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fakeAuth struct{}

func (fakeAuth) GetAPIToken(context.Context, string) (string, error) { return "token", nil }

type fakePlanAPI struct {
	scopes map[string][]plan.PlanItemScope
}

func (p *fakePlanAPI) GetPlanItemsScopes(_ context.Context, _, workflowSlug, jobName string) ([]plan.PlanItemScope, error) {
	return p.scopes[workflowSlug+"/"+jobName], nil
}

func (p *fakePlanAPI) GetConfigurationFile(context.Context, string, string) (map[string]any, error) {
	return map[string]any{"version": "1"}, nil
}

func (p *fakePlanAPI) GetIntegrationFile(context.Context, string, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (p *fakePlanAPI) GetCentralizedRepoFilesMetadata(context.Context, string, string) (clients.CentralizedRepoFilesMetadata, error) {
	return clients.CentralizedRepoFilesMetadata{
		CentralizedRepoFilesLocation: ".jit",
		CIWorkflowFilesPath:          ".github/workflows",
	}, nil
}

type fakeEnrichmentRepo struct {
	repoItems []enrichment.ResultsItem
	prItems   []enrichment.PRResultsItem
}

func (r *fakeEnrichmentRepo) CreateResultsForRepository(_ context.Context, item enrichment.ResultsItem) error {
	r.repoItems = append(r.repoItems, item)
	return nil
}

func (r *fakeEnrichmentRepo) GetLatestResultsForRepository(context.Context, enrichment.RepoKey) (enrichment.ResultsItem, error) {
	return enrichment.ResultsItem{}, storage.ErrNotFound
}

func (r *fakeEnrichmentRepo) CreateResultsForPR(_ context.Context, item enrichment.PRResultsItem) error {
	r.prItems = append(r.prItems, item)
	return nil
}

type fakeLifecycle struct {
	jobTotals map[string]int
}

func (l *fakeLifecycle) FilteredJobsToExecute(_ context.Context, _, _, assetID string, total int) error {
	if l.jobTotals == nil {
		l.jobTotals = map[string]int{}
	}
	l.jobTotals[assetID] = total
	return nil
}

type testDeps struct {
	publisher  *fakePublisher
	plans      *fakePlanAPI
	enrichment *fakeEnrichmentRepo
	lifecycle  *fakeLifecycle
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		publisher:  &fakePublisher{},
		plans:      &fakePlanAPI{scopes: map[string][]plan.PlanItemScope{}},
		enrichment: &fakeEnrichmentRepo{},
		lifecycle:  &fakeLifecycle{},
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	svc := NewService(
		deps.publisher, fakeAuth{}, deps.plans, deps.enrichment, deps.lifecycle,
		log, noop.NewTracerProvider().Tracer("test"),
	)
	return svc, deps
}

func repoAsset() tenant.Asset {
	return tenant.Asset{
		AssetID:   "asset-1",
		TenantID:  "tenant-1",
		AssetType: tenant.AssetTypeRepo,
		Vendor:    tenant.VendorGitHub,
		Owner:     "acme",
		AssetName: "service",
		IsActive:  true,
		IsCovered: true,
	}
}

func jobWithCondition(name string, condition map[string][]string) trigger.JobTemplateWrapper {
	return trigger.JobTemplateWrapper{
		PlanItemSlug: "item-code-scanning",
		WorkflowSlug: "workflow-sast",
		WorkflowName: "SAST",
		JobName:      name,
		RawJob: plan.RawJob{
			AssetType: tenant.AssetTypeRepo,
			Runner:    plan.RunnerConfig{Type: plan.RunnerJit},
			If:        condition,
			Steps: []plan.Step{{
				Name: "run",
				Uses: "scanner:latest",
				Tags: map[string]string{"security_tool": "semgrep"},
			}},
		},
	}
}

func basePrepareEvent(jobs ...trigger.JobTemplateWrapper) trigger.PrepareForExecutionEvent {
	jitEvent := &trigger.ItemActivatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: trigger.JitEventNameItemActivated,
		},
		ActivatedPlanItemSlugs: []string{"item-code-scanning"},
	}
	return trigger.PrepareForExecutionEvent{
		JitEvent:                jitEvent,
		TriggerFilterAttributes: jitEvent.Filters(),
		Asset:                   repoAsset(),
		Installations: []tenant.Installation{{
			InstallationID: "77",
			Vendor:         tenant.VendorGitHub,
			Owner:          "acme",
			IsActive:       true,
		}},
		FilteredJobs: jobs,
	}
}

func TestPrepareForExecution_EmptyEnrichedDataRunsAllJobs(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent(
		jobWithCondition("static-code-analysis", map[string][]string{"languages": {"python"}}),
		jobWithCondition("secret-detection", nil),
	)
	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))

	assert.Equal(t, 2, deps.lifecycle.jobTotals["asset-1"])
	bulks := deps.publisher.ofType(events.EventTypeTriggerEvent)
	require.Len(t, bulks, 1)
	bulk := bulks[0].Payload.(trigger.BulkTriggerExecutionEvent)
	assert.Len(t, bulk.Executions, 2)
}

func TestPrepareForExecution_EnrichmentFilterDropsNonMatchingJobs(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent(
		jobWithCondition("static-code-analysis", map[string][]string{"languages": {"python"}}),
		jobWithCondition("go-analysis", map[string][]string{"languages": {"go"}}),
		jobWithCondition("license-check", map[string][]string{"package_managers": {"npm"}}),
	)
	prepareEvent.EnrichedData = trigger.EnrichedData{"languages": {"python"}}

	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))

	// go-analysis is dropped: its languages key has a verdict and no
	// intersection. license-check survives: package_managers has no verdict.
	assert.Equal(t, 2, deps.lifecycle.jobTotals["asset-1"])
	bulk := deps.publisher.ofType(events.EventTypeTriggerEvent)[0].Payload.(trigger.BulkTriggerExecutionEvent)
	names := []string{bulk.Executions[0].JobName, bulk.Executions[1].JobName}
	assert.ElementsMatch(t, []string{"static-code-analysis", "license-check"}, names)
}

func TestPrepareForExecution_DedupesJobsFirstWins(t *testing.T) {
	svc, deps := newTestService(t)

	first := jobWithCondition("static-code-analysis", nil)
	duplicate := jobWithCondition("static-code-analysis", nil)
	duplicate.PlanItemSlug = "item-other"

	require.NoError(t, svc.PrepareForExecution(context.Background(), basePrepareEvent(first, duplicate)))

	assert.Equal(t, 1, deps.lifecycle.jobTotals["asset-1"])
	bulk := deps.publisher.ofType(events.EventTypeTriggerEvent)[0].Payload.(trigger.BulkTriggerExecutionEvent)
	require.Len(t, bulk.Executions, 1)
	assert.Equal(t, "item-code-scanning", bulk.Executions[0].PlanItemSlug)
}

func TestPrepareForExecution_PersistsCacheForFullRepoScans(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent(jobWithCondition("static-code-analysis", nil))
	prepareEvent.ShouldEnrich = true
	prepareEvent.EnrichedData = trigger.EnrichedData{"languages": {"go"}}

	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))

	require.Len(t, deps.enrichment.repoItems, 1)
	item := deps.enrichment.repoItems[0]
	assert.Equal(t, "service", item.Repo)
	assert.Equal(t, []string{"go"}, item.Results["languages"])
}

func TestPrepareForExecution_DiffBasedEventsSkipCacheWrite(t *testing.T) {
	svc, deps := newTestService(t)

	prNumber := "42"
	prepareEvent := basePrepareEvent(jobWithCondition("static-code-analysis", nil))
	prepareEvent.JitEvent = &trigger.CodeRelatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: trigger.JitEventNamePullRequestCreated,
		},
		Vendor:            tenant.VendorGitHub,
		Owner:             "acme",
		PullRequestNumber: &prNumber,
	}
	prepareEvent.ShouldEnrich = true
	prepareEvent.EnrichedData = trigger.EnrichedData{"languages": {"go"}}

	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))
	assert.Empty(t, deps.enrichment.repoItems)
}

func TestPrepareForExecution_SchemeExcludesBackgroundAndEnrichment(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent(
		jobWithCondition("static-code-analysis", nil),
		jobWithCondition("sbom-reporter", nil),
		jobWithCondition("enrich", nil),
	)
	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))

	schemes := deps.publisher.ofType(events.EventTypeTriggerScheme)
	require.Len(t, schemes, 1)
	bulk := schemes[0].Payload.(trigger.BulkTriggerSchemeEvent)
	require.Len(t, bulk.TriggerSchemes, 1)
	assert.Equal(t, 1, bulk.TriggerSchemes[0].EventExecutionScheme.AmountOfTriggeredJobs())

	// All three jobs still execute; only the scheme is trimmed.
	assert.Equal(t, 3, deps.lifecycle.jobTotals["asset-1"])
}

func TestPrepareForExecution_ZeroSurvivingJobsPublishesNothing(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent(
		jobWithCondition("go-analysis", map[string][]string{"languages": {"go"}}),
	)
	prepareEvent.EnrichedData = trigger.EnrichedData{"languages": {"python"}}

	require.NoError(t, svc.PrepareForExecution(context.Background(), prepareEvent))

	assert.Equal(t, 0, deps.lifecycle.jobTotals["asset-1"])
	assert.Empty(t, deps.publisher.ofType(events.EventTypeTriggerEvent))
}

func TestPrepareForExecution_BulksRespectMaxSize(t *testing.T) {
	svc, deps := newTestService(t)

	jobs := make([]trigger.JobTemplateWrapper, 0, trigger.MaxBulkSize+1)
	for i := 0; i < trigger.MaxBulkSize+1; i++ {
		jobs = append(jobs, jobWithCondition(fmt.Sprintf("job-%d", i), nil))
	}
	require.NoError(t, svc.PrepareForExecution(context.Background(), basePrepareEvent(jobs...)))

	bulks := deps.publisher.ofType(events.EventTypeTriggerEvent)
	require.Len(t, bulks, 2)
	first := bulks[0].Payload.(trigger.BulkTriggerExecutionEvent)
	second := bulks[1].Payload.(trigger.BulkTriggerExecutionEvent)
	assert.Len(t, first.Executions, trigger.MaxBulkSize)
	assert.Len(t, second.Executions, 1)
}

func TestPrepareForExecution_AffectedPlanItemsFromScopes(t *testing.T) {
	svc, deps := newTestService(t)
	deps.plans.scopes["workflow-sast/static-code-analysis"] = []plan.PlanItemScope{
		{WorkflowSlug: "workflow-sast", JobName: "static-code-analysis", PlanItemSlug: "item-code-scanning"},
		{WorkflowSlug: "workflow-sast", JobName: "static-code-analysis", PlanItemSlug: "item-supply-chain"},
	}

	require.NoError(t, svc.PrepareForExecution(context.Background(), basePrepareEvent(jobWithCondition("static-code-analysis", nil))))

	bulk := deps.publisher.ofType(events.EventTypeTriggerEvent)[0].Payload.(trigger.BulkTriggerExecutionEvent)
	assert.ElementsMatch(t, []string{"item-code-scanning", "item-supply-chain"},
		bulk.Executions[0].AffectedPlanItems)
}

func TestPrepareForExecution_InterpolatesStepConfiguration(t *testing.T) {
	svc, deps := newTestService(t)

	job := jobWithCondition("static-code-analysis", nil)
	job.RawJob.Steps[0].With = map[string]any{
		"repo":   "${{ context.asset.asset_name }}",
		"owner":  "${{ context.asset.owner }}",
		"branch": "${{ context.missing.path }}",
	}
	require.NoError(t, svc.PrepareForExecution(context.Background(), basePrepareEvent(job)))

	bulk := deps.publisher.ofType(events.EventTypeTriggerEvent)[0].Payload.(trigger.BulkTriggerExecutionEvent)
	with := bulk.Executions[0].Steps[0].With
	assert.Equal(t, "service", with["repo"])
	assert.Equal(t, "acme", with["owner"])
	// Unresolvable placeholders stay verbatim.
	assert.Equal(t, "${{ context.missing.path }}", with["branch"])
}

func TestTriggerEnrichmentJob_PublishesEnrichExecutionWithTaskToken(t *testing.T) {
	svc, deps := newTestService(t)

	prepareEvent := basePrepareEvent()
	prepareEvent.ShouldEnrich = true
	prepareEvent.DependsOnWorkflowsTemplates = []plan.WorkflowTemplate{{
		Slug: "workflow-enrichment",
		Name: "Enrichment",
		ParsedContent: &plan.WorkflowContent{
			Jobs: map[string]plan.RawJob{
				"enrich": {
					AssetType: tenant.AssetTypeRepo,
					Runner:    plan.RunnerConfig{Type: plan.RunnerJit},
				},
			},
		},
		Content: "jobs: {}",
	}}

	require.NoError(t, svc.TriggerEnrichmentJob(context.Background(), prepareEvent, "token-123"))

	bulks := deps.publisher.ofType(events.EventTypeTriggerEvent)
	require.Len(t, bulks, 1)
	bulk := bulks[0].Payload.(trigger.BulkTriggerExecutionEvent)
	require.Len(t, bulk.Executions, 1)

	enrichEvent := bulk.Executions[0]
	assert.Equal(t, "enrich", enrichEvent.JobName)
	assert.Equal(t, execution.ControlTypeEnrichment, enrichEvent.ControlType)
	assert.Equal(t, plan.PlaceholderPlanItemSlug, enrichEvent.PlanItemSlug)
	assert.Equal(t, "token-123", enrichEvent.Context.TaskToken)
}

func TestTriggerEnrichmentJob_NoWorkflowIsAnError(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.TriggerEnrichmentJob(context.Background(), basePrepareEvent(), "token-123")
	assert.ErrorIs(t, err, ErrNoEnrichmentWorkflow)
}

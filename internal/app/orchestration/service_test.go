package orchestration

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []events.DomainEvent
}

func (p *fakePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) events() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.published...)
}

type fakeAuth struct{}

func (fakeAuth) GetAPIToken(context.Context, string) (string, error) { return "token", nil }

type fakeAssetAPI struct {
	all  []tenant.Asset
	byID []tenant.Asset
}

func (a *fakeAssetAPI) GetAllAssets(context.Context, string, string) ([]tenant.Asset, error) {
	return a.all, nil
}

func (a *fakeAssetAPI) GetAssetsByIDs(context.Context, string, []string) ([]tenant.Asset, error) {
	return a.byID, nil
}

type fakeSCMAPI struct {
	files []string
	err   error
	calls int
}

func (s *fakeSCMAPI) GetPRChangeList(context.Context, string, string, string, string, int) ([]string, error) {
	s.calls++
	return s.files, s.err
}

type fakeConfigAPI struct{ config map[string]any }

func (c *fakeConfigAPI) GetConfigurationFile(context.Context, string, string) (map[string]any, error) {
	return c.config, nil
}

type fakeEnrichmentRepo struct {
	latest    map[enrichment.RepoKey]enrichment.ResultsItem
	prResults []enrichment.PRResultsItem
	repoItems []enrichment.ResultsItem
}

func (r *fakeEnrichmentRepo) CreateResultsForRepository(_ context.Context, item enrichment.ResultsItem) error {
	r.repoItems = append(r.repoItems, item)
	return nil
}

func (r *fakeEnrichmentRepo) GetLatestResultsForRepository(_ context.Context, key enrichment.RepoKey) (enrichment.ResultsItem, error) {
	item, ok := r.latest[key]
	if !ok {
		return enrichment.ResultsItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (r *fakeEnrichmentRepo) CreateResultsForPR(_ context.Context, item enrichment.PRResultsItem) error {
	r.prResults = append(r.prResults, item)
	return nil
}

type fakeLifecycle struct {
	assetTotals []int
	completed   []lifecycle.JitEventStatus
}

func (l *fakeLifecycle) FilteredAssetsToScan(_ context.Context, _, _ string, total int) error {
	l.assetTotals = append(l.assetTotals, total)
	return nil
}

func (l *fakeLifecycle) Complete(_ context.Context, _, _ string, status lifecycle.JitEventStatus) error {
	l.completed = append(l.completed, status)
	return nil
}

type testDeps struct {
	publisher  *fakePublisher
	assets     *fakeAssetAPI
	scm        *fakeSCMAPI
	config     *fakeConfigAPI
	enrichment *fakeEnrichmentRepo
	lifecycle  *fakeLifecycle
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		publisher:  &fakePublisher{},
		assets:     &fakeAssetAPI{},
		scm:        &fakeSCMAPI{err: errors.New("no change list configured")},
		config:     &fakeConfigAPI{config: map[string]any{}},
		enrichment: &fakeEnrichmentRepo{latest: map[enrichment.RepoKey]enrichment.ResultsItem{}},
		lifecycle:  &fakeLifecycle{},
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	svc := NewService(
		deps.publisher, fakeAuth{}, deps.assets, deps.scm, deps.config,
		deps.enrichment, deps.lifecycle,
		log, noop.NewTracerProvider().Tracer("test"),
	)
	return svc, deps
}

func repoAsset(id, name string) tenant.Asset {
	return tenant.Asset{
		AssetID:   id,
		TenantID:  "tenant-1",
		AssetType: tenant.AssetTypeRepo,
		Vendor:    tenant.VendorGitHub,
		Owner:     "acme",
		AssetName: name,
		IsActive:  true,
		IsCovered: true,
		Tags:      []tenant.Tag{{Name: "team", Value: "core"}},
	}
}

func sastJob(name string, dependsOn ...string) trigger.JobTemplateWrapper {
	return trigger.JobTemplateWrapper{
		PlanItemSlug:   "item-code-scanning",
		WorkflowSlug:   "workflow-sast",
		WorkflowName:   "SAST",
		JobName:        name,
		DependsOnSlugs: dependsOn,
		RawJob: plan.RawJob{
			AssetType: tenant.AssetTypeRepo,
			Runner:    plan.RunnerConfig{Type: plan.RunnerJit},
		},
	}
}

func testResources(jitEvent trigger.JitEvent, jobs ...trigger.JobTemplateWrapper) trigger.JitEventProcessingResources {
	return trigger.JitEventProcessingResources{
		JitEvent: jitEvent,
		Installations: []tenant.Installation{{
			InstallationID: "77",
			TenantID:       "tenant-1",
			Vendor:         tenant.VendorGitHub,
			Owner:          "acme",
			AppID:          "app-1",
			IsActive:       true,
		}},
		Jobs: jobs,
		PlanDependsOnWorkflows: map[string]plan.WorkflowTemplate{
			"workflow-enrichment": {Slug: "workflow-enrichment", Content: "jobs: {}"},
		},
	}
}

func prEvent(assetIDs ...string) *trigger.CodeRelatedJitEvent {
	prNumber := "42"
	headSHA := "abc123"
	assetID := ""
	if len(assetIDs) > 0 {
		assetID = assetIDs[0]
	}
	return &trigger.CodeRelatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: trigger.JitEventNamePullRequestCreated,
		},
		Vendor:             tenant.VendorGitHub,
		Owner:              "acme",
		OriginalRepository: "service",
		AssetID:            assetID,
		PullRequestNumber:  &prNumber,
		Commits:            trigger.Commits{HeadSHA: &headSHA, BaseSHA: "def456"},
	}
}

func itemActivatedEvent() *trigger.ItemActivatedJitEvent {
	return &trigger.ItemActivatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-2",
			JitEventName: trigger.JitEventNameItemActivated,
		},
		ActivatedPlanItemSlugs: []string{"item-code-scanning"},
	}
}

func TestProcessResources_FansOutOnePrepareEventPerAsset(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.all = []tenant.Asset{repoAsset("asset-1", "service"), repoAsset("asset-2", "web")}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	assert.Equal(t, []int{2}, deps.lifecycle.assetTotals)
	published := deps.publisher.events()
	require.Len(t, published, 2)
	for _, evt := range published {
		assert.Equal(t, events.EventTypePublishedPrepareForExecution, evt.Type)
		prepareEvent, ok := evt.Payload.(trigger.PrepareForExecutionEvent)
		require.True(t, ok)
		assert.Nil(t, prepareEvent.Asset.Tags)
		assert.Len(t, prepareEvent.FilteredJobs, 1)
		assert.False(t, prepareEvent.ShouldEnrich)
	}
}

func TestProcessResources_NoAssetsForRequestedIDsFails(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.byID = nil

	resources := testResources(prEvent("asset-x"), sastJob("static-code-analysis"))
	err := svc.ProcessResources(context.Background(), resources)
	assert.ErrorIs(t, err, ErrNoAssetsFound)
	assert.Equal(t, []lifecycle.JitEventStatus{lifecycle.StatusFailed}, deps.lifecycle.completed)
	assert.Empty(t, deps.publisher.events())
}

func TestProcessResources_AllAssetsFilteredCompletesEvent(t *testing.T) {
	svc, deps := newTestService(t)
	uncovered := repoAsset("asset-1", "service")
	uncovered.IsCovered = false
	deps.assets.byID = []tenant.Asset{uncovered}

	resources := testResources(prEvent("asset-1"), sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	// Zero surviving assets is recorded; the lifecycle service completes
	// the event from there.
	assert.Equal(t, []int{0}, deps.lifecycle.assetTotals)
	assert.Empty(t, deps.publisher.events())
}

func TestProcessResources_AssetWithoutInstallationIsDropped(t *testing.T) {
	svc, deps := newTestService(t)
	foreign := repoAsset("asset-1", "service")
	foreign.Owner = "someone-else"
	deps.assets.all = []tenant.Asset{foreign, repoAsset("asset-2", "web")}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.Equal(t, "asset-2", prepareEvent.Asset.AssetID)
}

func TestProcessResources_AssetWithNoMatchingJobsIsDropped(t *testing.T) {
	svc, deps := newTestService(t)
	aws := repoAsset("asset-1", "prod-account")
	aws.AssetType = tenant.AssetTypeAWSAccount
	deps.assets.all = []tenant.Asset{aws}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	assert.Equal(t, []int{0}, deps.lifecycle.assetTotals)
}

func TestProcessResources_ResourceExclusionsDropJobs(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.all = []tenant.Asset{repoAsset("asset-1", "service")}
	deps.config.config = map[string]any{
		"resource_management": map[string]any{
			"exclude": map[string]any{
				"item-code-scanning": []any{
					map[string]any{"name": "service", "type": "repo"},
				},
			},
		},
	}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	assert.Equal(t, []int{0}, deps.lifecycle.assetTotals)
}

func TestBuildPrepareEvent_DiffBasedEnrichmentShortcut(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.byID = []tenant.Asset{repoAsset("asset-1", "service")}
	deps.scm.files = []string{"app/main.py", "requirements.txt"}
	deps.scm.err = nil

	resources := testResources(prEvent("asset-1"), sastJob("static-code-analysis", "workflow-enrichment"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.False(t, prepareEvent.ShouldEnrich)
	assert.Equal(t, []string{"python"}, prepareEvent.EnrichedData["languages"])
	assert.Equal(t, []string{"pip"}, prepareEvent.EnrichedData["package_managers"])

	require.Len(t, deps.enrichment.prResults, 1)
	assert.Equal(t, 42, deps.enrichment.prResults[0].PRNumber)
	assert.Equal(t, "abc123", deps.enrichment.prResults[0].HeadSHA)
}

func TestBuildPrepareEvent_UnsupportedChangeListFallsBackToEnrichment(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.byID = []tenant.Asset{repoAsset("asset-1", "service")}
	deps.scm.files = []string{"README.md", "docs/diagram.png"}
	deps.scm.err = nil

	resources := testResources(prEvent("asset-1"), sastJob("static-code-analysis", "workflow-enrichment"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.True(t, prepareEvent.ShouldEnrich)
	assert.Empty(t, prepareEvent.EnrichedData)
	assert.Empty(t, deps.enrichment.prResults)
}

func TestBuildPrepareEvent_CacheHitSkipsEnrichment(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.all = []tenant.Asset{repoAsset("asset-1", "service")}
	deps.enrichment.latest[enrichment.RepoKey{
		TenantID: "tenant-1", Vendor: tenant.VendorGitHub, Owner: "acme", Repo: "service",
	}] = enrichment.ResultsItem{
		Results:   enrichment.Results{"languages": {"go"}},
		CreatedAt: time.Now().UTC(),
	}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis", "workflow-enrichment"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.False(t, prepareEvent.ShouldEnrich)
	assert.Equal(t, []string{"go"}, prepareEvent.EnrichedData["languages"])
	// Non-PR events never consult the change list.
	assert.Zero(t, deps.scm.calls)
}

func TestBuildPrepareEvent_CacheMissKeepsShouldEnrich(t *testing.T) {
	svc, deps := newTestService(t)
	deps.assets.all = []tenant.Asset{repoAsset("asset-1", "service")}

	resources := testResources(itemActivatedEvent(), sastJob("static-code-analysis", "workflow-enrichment"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.True(t, prepareEvent.ShouldEnrich)
	require.Len(t, prepareEvent.DependsOnWorkflowsTemplates, 1)
	assert.Equal(t, "workflow-enrichment", prepareEvent.DependsOnWorkflowsTemplates[0].Slug)
}

func TestProcessResources_DeploymentEnvironmentFilter(t *testing.T) {
	svc, deps := newTestService(t)
	staging := repoAsset("asset-1", "service")
	staging.Environment = "staging"
	prod := repoAsset("asset-2", "web")
	prod.Environment = "production"
	deps.assets.all = []tenant.Asset{staging, prod}

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

	resources := testResources(deployment, sastJob("static-code-analysis"))
	require.NoError(t, svc.ProcessResources(context.Background(), resources))

	published := deps.publisher.events()
	require.Len(t, published, 1)
	prepareEvent := published[0].Payload.(trigger.PrepareForExecutionEvent)
	assert.Equal(t, "asset-1", prepareEvent.Asset.AssetID)
}

// Package orchestration fans a resolved jit event out to its assets: fetch,
// sanitize and filter the tenant's assets, build one prepare-for-execution
// event per surviving asset and hand each to the enrichment flow.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/shared"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// payloadSizeWarnBytes is the marshaled size above which a single
// prepare-for-execution payload gets a warning log.
const payloadSizeWarnBytes = 150000

// fanOutWorkers caps concurrent prepare-event publications per jit event.
const fanOutWorkers = 8

// ErrNoAssetsFound indicates an explicit asset-id selection that matched
// nothing; the jit event cannot proceed.
var ErrNoAssetsFound = errors.New("no assets found for requested asset ids")

// AssetAPI is the slice of the asset service the orchestrator reads.
type AssetAPI interface {
	GetAllAssets(ctx context.Context, apiToken, tenantID string) ([]tenant.Asset, error)
	GetAssetsByIDs(ctx context.Context, apiToken string, assetIDs []string) ([]tenant.Asset, error)
}

// SCMAPI serves pull-request change lists for the diff-based enrichment
// shortcut.
type SCMAPI interface {
	GetPRChangeList(ctx context.Context, apiToken, vendor, owner, repo string, prNumber int) ([]string, error)
}

// ConfigAPI reads the tenant's configuration file.
type ConfigAPI interface {
	GetConfigurationFile(ctx context.Context, apiToken, tenantID string) (map[string]any, error)
}

// LifecycleManager is the slice of the lifecycle service the orchestrator
// drives.
type LifecycleManager interface {
	FilteredAssetsToScan(ctx context.Context, tenantID, jitEventID string, totalAssets int) error
	Complete(ctx context.Context, tenantID, jitEventID string, status lifecycle.JitEventStatus) error
}

// Service is the asset orchestrator.
type Service struct {
	publisher  events.DomainEventPublisher
	auth       clients.TokenProvider
	assets     AssetAPI
	scm        SCMAPI
	config     ConfigAPI
	enrichment enrichment.Repository
	lifecycle  LifecycleManager

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the orchestrator.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	assets AssetAPI,
	scm SCMAPI,
	config ConfigAPI,
	enrichmentRepo enrichment.Repository,
	lifecycleManager LifecycleManager,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher:  publisher,
		auth:       auth,
		assets:     assets,
		scm:        scm,
		config:     config,
		enrichment: enrichmentRepo,
		lifecycle:  lifecycleManager,
		logger:     log.With("component", "orchestration"),
		tracer:     tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{
		events.EventTypeRunJitEventOnAssetsByIDs,
		events.EventTypeRunJitEventOnAssetsByTypes,
		events.EventTypeRunJitEventOnAssetsByDeploymentEnv,
	}
}

// HandleEvent implements events.EventHandler for the routed resources
// events.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	resources, ok := evt.Payload.(*trigger.JitEventProcessingResources)
	if !ok {
		err := fmt.Errorf("expected *trigger.JitEventProcessingResources payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	if err := s.ProcessResources(ctx, *resources); err != nil {
		ack(err)
		return err
	}
	ack(nil)
	return nil
}

// ProcessResources runs the asset fan-out for one jit event. Any failure
// ends the jit event as failed before the error surfaces.
func (s *Service) ProcessResources(ctx context.Context, resources trigger.JitEventProcessingResources) error {
	ctx, span := s.tracer.Start(ctx, "orchestration.process_resources")
	defer span.End()

	common := resources.JitEvent.Common()
	if err := s.runFanOut(ctx, resources); err != nil {
		s.logger.Error(ctx, "asset fan-out failed",
			"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "error", err)
		if completeErr := s.lifecycle.Complete(ctx, common.TenantID, common.JitEventID, lifecycle.StatusFailed); completeErr != nil {
			s.logger.Error(ctx, "failing jit event lifecycle failed",
				"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "error", completeErr)
		}
		return err
	}
	return nil
}

func (s *Service) runFanOut(ctx context.Context, resources trigger.JitEventProcessingResources) error {
	common := resources.JitEvent.Common()
	filters := resources.JitEvent.Filters()

	apiToken, err := s.auth.GetAPIToken(ctx, common.TenantID)
	if err != nil {
		return fmt.Errorf("getting api token: %w", err)
	}

	assets, err := s.fetchAssets(ctx, apiToken, common.TenantID, filters)
	if err != nil {
		return err
	}
	assets = s.filterAssets(ctx, assets, resources, filters)

	exclusions := s.loadResourceExclusions(ctx, apiToken, common.TenantID)

	prepareEvents := make([]trigger.PrepareForExecutionEvent, 0, len(assets))
	for _, asset := range assets {
		jobs := jobsForAsset(resources.Jobs, asset, exclusions)
		if len(jobs) == 0 {
			continue
		}
		prepareEvents = append(prepareEvents, s.buildPrepareEvent(ctx, apiToken, resources, filters, asset, jobs))
	}

	if err := s.lifecycle.FilteredAssetsToScan(ctx, common.TenantID, common.JitEventID, len(prepareEvents)); err != nil {
		return fmt.Errorf("recording filtered assets: %w", err)
	}
	if len(prepareEvents) == 0 {
		s.logger.Info(ctx, "all assets filtered from jit event",
			"tenant_id", common.TenantID, "jit_event_id", common.JitEventID)
		return nil
	}

	return s.publishPrepareEvents(ctx, common, prepareEvents)
}

// fetchAssets picks the entry shape: explicit ids when the event names them,
// the whole tenant inventory otherwise.
func (s *Service) fetchAssets(ctx context.Context, apiToken, tenantID string, filters trigger.TriggerFilterAttributes) ([]tenant.Asset, error) {
	if !filters.AssetIDs.IsEmpty() {
		assets, err := s.assets.GetAssetsByIDs(ctx, apiToken, filters.AssetIDs.Values())
		if err != nil {
			return nil, err
		}
		if len(assets) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoAssetsFound, filters.AssetIDs.Values())
		}
		return assets, nil
	}
	return s.assets.GetAllAssets(ctx, apiToken, tenantID)
}

// filterAssets runs the sanitize and filter passes over the fetched assets.
func (s *Service) filterAssets(ctx context.Context, assets []tenant.Asset, resources trigger.JitEventProcessingResources, filters trigger.TriggerFilterAttributes) []tenant.Asset {
	kept := make([]tenant.Asset, 0, len(assets))
	for _, asset := range assets {
		asset.Tags = nil

		if !asset.IsActive || !asset.IsCovered {
			continue
		}
		if requiresInstallation(asset.AssetType) && !hasMatchingInstallation(asset, resources.Installations) {
			continue
		}
		if !filters.AssetIDs.IsEmpty() && !filters.AssetIDs.Has(asset.AssetID) {
			continue
		}
		if !filters.Triggers.IsEmpty() && !filters.AssetEnvs.IsEmpty() &&
			!assetMatchesEnvironments(asset, filters.Triggers, filters.AssetEnvs) {
			s.logger.Debug(ctx, "asset filtered by environment",
				"asset_id", asset.AssetID, "environment", asset.Environment)
			continue
		}
		kept = append(kept, asset)
	}
	return dedupeAssets(kept)
}

// requiresInstallation reports whether the asset type is backed by an SCM
// installation.
func requiresInstallation(assetType string) bool {
	return assetType == tenant.AssetTypeRepo || assetType == tenant.AssetTypeOrganization
}

func hasMatchingInstallation(asset tenant.Asset, installations []tenant.Installation) bool {
	for _, inst := range installations {
		if inst.Vendor == asset.Vendor && inst.Owner == asset.Owner {
			return true
		}
	}
	return false
}

// assetMatchesEnvironments is the trigger-scoped environment evaluator. All
// current triggers share the direct environment match; the indirection keeps
// room for per-trigger policies.
func assetMatchesEnvironments(asset tenant.Asset, _ shared.StringSet, envs shared.StringSet) bool {
	return envs.Has(asset.Environment)
}

func dedupeAssets(assets []tenant.Asset) []tenant.Asset {
	seen := make(map[string]struct{}, len(assets))
	out := assets[:0]
	for _, asset := range assets {
		if _, ok := seen[asset.AssetID]; ok {
			continue
		}
		seen[asset.AssetID] = struct{}{}
		out = append(out, asset)
	}
	return out
}

// resourceExclusion matches one asset inside the tenant's
// resource_management.exclude configuration block.
type resourceExclusion struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// loadResourceExclusions reads resource_management.exclude from the tenant's
// configuration file: plan item slug to the assets excluded from it. Any
// read or shape problem just disables exclusions.
func (s *Service) loadResourceExclusions(ctx context.Context, apiToken, tenantID string) map[string][]resourceExclusion {
	configFile, err := s.config.GetConfigurationFile(ctx, apiToken, tenantID)
	if err != nil {
		s.logger.Warn(ctx, "configuration file unavailable, skipping resource exclusions",
			"tenant_id", tenantID, "error", err)
		return nil
	}

	raw, err := json.Marshal(configFile)
	if err != nil {
		return nil
	}
	var parsed struct {
		ResourceManagement struct {
			Exclude map[string][]resourceExclusion `json:"exclude"`
		} `json:"resource_management"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.logger.Warn(ctx, "malformed resource_management configuration, skipping resource exclusions",
			"tenant_id", tenantID, "error", err)
		return nil
	}
	return parsed.ResourceManagement.Exclude
}

// jobsForAsset selects the jobs targeting the asset's type, minus the ones
// the tenant excluded for it.
func jobsForAsset(jobs []trigger.JobTemplateWrapper, asset tenant.Asset, exclusions map[string][]resourceExclusion) []trigger.JobTemplateWrapper {
	var out []trigger.JobTemplateWrapper
	for _, job := range jobs {
		if job.RawJob.AssetType != asset.AssetType {
			continue
		}
		if assetExcludedFromPlanItem(asset, exclusions[job.PlanItemSlug]) {
			continue
		}
		out = append(out, job)
	}
	return out
}

func assetExcludedFromPlanItem(asset tenant.Asset, exclusions []resourceExclusion) bool {
	for _, excl := range exclusions {
		if excl.Name != asset.AssetName {
			continue
		}
		if excl.Type == "" || excl.Type == asset.AssetType {
			return true
		}
	}
	return false
}

// buildPrepareEvent assembles the per-asset fan-out unit: depends-on
// resolution, the enrichment shortcut for pull requests and the cache lookup
// for full scans.
func (s *Service) buildPrepareEvent(
	ctx context.Context,
	apiToken string,
	resources trigger.JitEventProcessingResources,
	filters trigger.TriggerFilterAttributes,
	asset tenant.Asset,
	jobs []trigger.JobTemplateWrapper,
) trigger.PrepareForExecutionEvent {
	common := resources.JitEvent.Common()

	dependsOn := s.resolveDependsOnWorkflows(ctx, resources, jobs)
	shouldEnrich := len(dependsOn) > 0

	var enrichedData trigger.EnrichedData
	if shouldEnrich {
		if results, ok := s.tryDiffBasedEnrichment(ctx, apiToken, resources.JitEvent, asset); ok {
			enrichedData = trigger.EnrichedData(results)
			shouldEnrich = false
		} else if results, ok := s.tryEnrichmentCache(ctx, resources.JitEvent, asset); ok {
			enrichedData = trigger.EnrichedData(results)
			shouldEnrich = false
		}
	}

	s.logger.Info(ctx, "built prepare-for-execution event",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
		"asset_id", asset.AssetID, "jobs", len(jobs), "should_enrich", shouldEnrich)

	return trigger.PrepareForExecutionEvent{
		JitEvent:                    resources.JitEvent,
		TriggerFilterAttributes:     filters,
		Asset:                       asset,
		Installations:               resources.Installations,
		FilteredJobs:                jobs,
		ShouldEnrich:                shouldEnrich,
		DependsOnWorkflowsTemplates: dependsOn,
		EnrichedData:                enrichedData,
	}
}

// resolveDependsOnWorkflows resolves the jobs' depends-on slugs against the
// plan's shared workflows. Missing slugs are logged and skipped.
func (s *Service) resolveDependsOnWorkflows(ctx context.Context, resources trigger.JitEventProcessingResources, jobs []trigger.JobTemplateWrapper) []plan.WorkflowTemplate {
	slugs := shared.NewStringSet()
	for _, job := range jobs {
		for _, slug := range job.DependsOnSlugs {
			slugs.Add(slug)
		}
	}

	var out []plan.WorkflowTemplate
	for _, slug := range slugs.Values() {
		workflow, ok := resources.PlanDependsOnWorkflows[slug]
		if !ok {
			s.logger.Error(ctx, "depends-on workflow missing from plan", "slug", slug)
			continue
		}
		out = append(out, workflow)
	}
	return out
}

// tryDiffBasedEnrichment computes enrichment from the PR's change list,
// avoiding a full enrich run. Only pull-request events qualify.
func (s *Service) tryDiffBasedEnrichment(ctx context.Context, apiToken string, jitEvent trigger.JitEvent, asset tenant.Asset) (enrichment.Results, bool) {
	code, ok := trigger.AsCodeRelated(jitEvent)
	if !ok || !jitEvent.Common().JitEventName.IsPRRelated() {
		return nil, false
	}
	if code.PullRequestNumber == nil {
		return nil, false
	}
	prNumber, err := strconv.Atoi(*code.PullRequestNumber)
	if err != nil {
		s.logger.Warn(ctx, "non-numeric pull request number", "pr_number", *code.PullRequestNumber)
		return nil, false
	}

	changeList, err := s.scm.GetPRChangeList(ctx, apiToken, code.Vendor, code.Owner, code.OriginalRepository, prNumber)
	if err != nil {
		s.logger.Error(ctx, "getting pr change list failed, falling back to full enrichment",
			"asset_id", asset.AssetID, "error", err)
		return nil, false
	}

	results, err := enrichment.FromFileNames(changeList)
	if err != nil {
		if errors.Is(err, enrichment.ErrNotSupported) {
			s.logger.Info(ctx, "filename enrichment not supported, falling back to full enrichment",
				"asset_id", asset.AssetID)
		} else {
			s.logger.Error(ctx, "filename enrichment failed, falling back to full enrichment",
				"asset_id", asset.AssetID, "error", err)
		}
		return nil, false
	}

	common := jitEvent.Common()
	headSHA := ""
	if code.Commits.HeadSHA != nil {
		headSHA = *code.Commits.HeadSHA
	}
	item := enrichment.PRResultsItem{
		ResultsItem: enrichment.ResultsItem{
			TenantID:     common.TenantID,
			Vendor:       code.Vendor,
			Owner:        code.Owner,
			Repo:         code.OriginalRepository,
			Results:      results,
			JitEventID:   common.JitEventID,
			JitEventName: string(common.JitEventName),
			CreatedAt:    time.Now().UTC(),
		},
		PRNumber: prNumber,
		HeadSHA:  headSHA,
	}
	if err := s.enrichment.CreateResultsForPR(ctx, item); err != nil {
		s.logger.Error(ctx, "persisting pr enrichment results failed", "asset_id", asset.AssetID, "error", err)
	}
	return results, true
}

// tryEnrichmentCache serves full-repo enrichment from the latest cached
// results. Diff-based events never consult the cache, their change list is
// the source of truth.
func (s *Service) tryEnrichmentCache(ctx context.Context, jitEvent trigger.JitEvent, asset tenant.Asset) (enrichment.Results, bool) {
	common := jitEvent.Common()
	if trigger.DiffBasedEnrichmentJitEvents.Has(string(common.JitEventName)) {
		return nil, false
	}
	if asset.AssetType != tenant.AssetTypeRepo {
		return nil, false
	}

	item, err := s.enrichment.GetLatestResultsForRepository(ctx, enrichment.RepoKey{
		TenantID: common.TenantID,
		Vendor:   asset.Vendor,
		Owner:    asset.Owner,
		Repo:     asset.AssetName,
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn(ctx, "enrichment cache lookup failed", "asset_id", asset.AssetID, "error", err)
		}
		return nil, false
	}
	return item.Results, true
}

// publishPrepareEvents fans the prepare events out on the bus, one message
// per asset.
func (s *Service) publishPrepareEvents(ctx context.Context, common *trigger.CommonJitEvent, prepareEvents []trigger.PrepareForExecutionEvent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutWorkers)

	for _, prepareEvent := range prepareEvents {
		g.Go(func() error {
			if raw, err := json.Marshal(prepareEvent); err == nil && len(raw) > payloadSizeWarnBytes {
				s.logger.Warn(ctx, "prepare-for-execution payload is large",
					"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
					"asset_id", prepareEvent.Asset.AssetID, "bytes", len(raw))
			}

			if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
				Type:      events.EventTypePublishedPrepareForExecution,
				Key:       common.TenantID,
				Timestamp: time.Now().UTC(),
				Payload:   prepareEvent,
			}); err != nil {
				return fmt.Errorf("publishing prepare event for asset %s: %w", prepareEvent.Asset.AssetID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

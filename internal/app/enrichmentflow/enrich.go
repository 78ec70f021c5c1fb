package enrichmentflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// ErrAssetNotFound indicates the enrich request named a repository no covered
// asset maps to.
var ErrAssetNotFound = errors.New("no asset matches the requested repository")

// AssetAPI resolves the repository named by an enrich request to its asset.
type AssetAPI interface {
	GetAssetByRepoAttributes(ctx context.Context, apiToken, assetType, vendor, owner, name string) (tenant.Asset, error)
}

// TenantAPI lists the tenant's SCM installations.
type TenantAPI interface {
	GetInstallations(ctx context.Context, apiToken, tenantID string) ([]tenant.Installation, error)
}

// PlanAPI fetches the plan carrying the shared enrichment workflows.
type PlanAPI interface {
	GetFullPlan(ctx context.Context, apiToken, planSlug string) (plan.FullPlan, error)
}

// Enricher is the API-facing entry into the enrichment flow: it takes a bare
// code-related jit event, resolves the surrounding resources, and starts an
// enrichment-only flow run.
type Enricher struct {
	flows   *Service
	auth    clients.TokenProvider
	assets  AssetAPI
	tenants TenantAPI
	plans   PlanAPI

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEnricher builds the API-facing enrichment entry point.
func NewEnricher(
	flows *Service,
	auth clients.TokenProvider,
	assets AssetAPI,
	tenants TenantAPI,
	plans PlanAPI,
	log *logger.Logger,
	tracer trace.Tracer,
) *Enricher {
	return &Enricher{
		flows:   flows,
		auth:    auth,
		assets:  assets,
		tenants: tenants,
		plans:   plans,
		logger:  log.With("component", "enricher"),
		tracer:  tracer,
	}
}

// Enrich starts an enrichment flow for the repository the jit event points
// at, regardless of what the event itself would decide. Returns the task
// token identifying the suspended run.
func (e *Enricher) Enrich(ctx context.Context, jitEvent *trigger.CodeRelatedJitEvent) (string, error) {
	ctx, span := e.tracer.Start(ctx, "enrichment_flow.enrich")
	defer span.End()

	apiToken, err := e.auth.GetAPIToken(ctx, jitEvent.TenantID)
	if err != nil {
		return "", fmt.Errorf("getting api token: %w", err)
	}

	asset, err := e.assets.GetAssetByRepoAttributes(ctx, apiToken,
		tenant.AssetTypeRepo, jitEvent.Vendor, jitEvent.Owner, jitEvent.OriginalRepository)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrAssetNotFound
		}
		return "", fmt.Errorf("resolving asset for %s/%s: %w", jitEvent.Owner, jitEvent.OriginalRepository, err)
	}

	installations, err := e.tenants.GetInstallations(ctx, apiToken, jitEvent.TenantID)
	if err != nil {
		return "", fmt.Errorf("getting installations: %w", err)
	}

	fullPlan, err := e.plans.GetFullPlan(ctx, apiToken, plan.JitPlanSlug)
	if err != nil {
		return "", fmt.Errorf("getting full plan: %w", err)
	}
	dependsOn := make([]plan.WorkflowTemplate, 0, len(fullPlan.DependsOn))
	for _, workflow := range fullPlan.DependsOn {
		dependsOn = append(dependsOn, workflow)
	}

	prepareEvent := trigger.PrepareForExecutionEvent{
		JitEvent:                    jitEvent,
		TriggerFilterAttributes:     jitEvent.Filters(),
		Asset:                       asset,
		Installations:               installations,
		ShouldEnrich:                true,
		DependsOnWorkflowsTemplates: dependsOn,
	}

	taskToken, err := e.flows.StartFlow(ctx, prepareEvent)
	if err != nil {
		return "", err
	}

	e.logger.Info(ctx, "started enrichment-only flow",
		"tenant_id", jitEvent.TenantID, "jit_event_id", jitEvent.JitEventID,
		"asset_id", asset.AssetID, "task_token", taskToken)
	return taskToken, nil
}

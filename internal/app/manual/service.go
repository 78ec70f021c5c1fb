// Package manual turns API-initiated execution requests into jit events. The
// request is validated against the tenant's plan and assets before anything
// is published, so a bad request never reaches the pipeline.
package manual

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// Priority bounds accepted on a manual execution request.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Request is a validated manual execution ask.
type Request struct {
	TenantID     string   `json:"tenant_id" validate:"required"`
	PlanItemSlug string   `json:"plan_item_slug" validate:"required"`
	AssetIDs     []string `json:"asset_ids" validate:"required,min=1"`
	Priority     *int     `json:"priority,omitempty"`
}

// ValidationError aggregates everything wrong with a request; the API maps it
// to a 400 with the full list.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid manual execution request: " + strings.Join(e.Problems, "; ")
}

// PlanAPI confirms the requested plan item is active.
type PlanAPI interface {
	GetFullPlan(ctx context.Context, apiToken, planSlug string) (plan.FullPlan, error)
}

// AssetAPI confirms the requested assets exist and are covered.
type AssetAPI interface {
	GetAssetsByIDs(ctx context.Context, apiToken string, assetIDs []string) ([]tenant.Asset, error)
}

// Service is the manual-execution core.
type Service struct {
	publisher events.DomainEventPublisher
	auth      clients.TokenProvider
	plans     PlanAPI
	assets    AssetAPI

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the manual-execution core.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	plans PlanAPI,
	assets AssetAPI,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher: publisher,
		auth:      auth,
		plans:     plans,
		assets:    assets,
		logger:    log.With("component", "manual"),
		tracer:    tracer,
	}
}

// Execute validates the request and publishes the manual-execution jit event.
// Returns the new jit event id.
func (s *Service) Execute(ctx context.Context, req Request) (string, error) {
	ctx, span := s.tracer.Start(ctx, "manual.execute")
	defer span.End()

	if err := s.validate(ctx, req); err != nil {
		return "", err
	}

	jitEvent := &trigger.ManualExecutionJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     req.TenantID,
			JitEventID:   uuid.NewString(),
			JitEventName: trigger.JitEventNameManualExecution,
		},
		AssetIDsFilter: req.AssetIDs,
		PlanItemSlug:   req.PlanItemSlug,
		Priority:       req.Priority,
	}

	if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      events.EventTypeHandleJitEvent,
		Key:       req.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   jitEvent,
	}); err != nil {
		return "", fmt.Errorf("publishing manual execution jit event: %w", err)
	}

	s.logger.Info(ctx, "manual execution requested",
		"tenant_id", req.TenantID, "jit_event_id", jitEvent.JitEventID,
		"plan_item_slug", req.PlanItemSlug, "assets", len(req.AssetIDs))
	return jitEvent.JitEventID, nil
}

// validate collects every problem with the request instead of stopping at
// the first, so the caller sees the full list at once.
func (s *Service) validate(ctx context.Context, req Request) error {
	var problems []string

	if req.Priority != nil && (*req.Priority < MinPriority || *req.Priority > MaxPriority) {
		problems = append(problems,
			fmt.Sprintf("priority %d out of bounds [%d, %d]", *req.Priority, MinPriority, MaxPriority))
	}

	apiToken, err := s.auth.GetAPIToken(ctx, req.TenantID)
	if err != nil {
		return fmt.Errorf("getting api token: %w", err)
	}

	fullPlan, err := s.plans.GetFullPlan(ctx, apiToken, plan.JitPlanSlug)
	if err != nil {
		return fmt.Errorf("getting full plan: %w", err)
	}
	if !slices.Contains(fullPlan.ActiveItemSlugs(), req.PlanItemSlug) {
		problems = append(problems,
			fmt.Sprintf("plan item %s is not active in the tenant's plan", req.PlanItemSlug))
	}

	assets, err := s.assets.GetAssetsByIDs(ctx, apiToken, req.AssetIDs)
	if err != nil {
		return fmt.Errorf("getting assets: %w", err)
	}
	byID := make(map[string]tenant.Asset, len(assets))
	for _, asset := range assets {
		byID[asset.AssetID] = asset
	}
	for _, assetID := range req.AssetIDs {
		asset, ok := byID[assetID]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("asset %s not found", assetID))
		case !asset.IsCovered:
			problems = append(problems, fmt.Sprintf("asset %s is not covered", assetID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

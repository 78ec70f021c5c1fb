// Package cancel translates upstream cancel events into CANCELED completion
// updates for the pending executions they target. The handler is idempotent
// per cancel event, so bus redelivery produces the same side effects as a
// single delivery.
package cancel

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/idempotency"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// Cancellation reasons carried on the completion updates. Downstream surfaces
// them verbatim.
const (
	ReasonAssetNotCovered   = "Asset not covered"
	ReasonPlanItemNotActive = "Plan item not active"
)

// cancelClaimTTL bounds how long a processed cancel event blocks its
// redeliveries. Cancel events are rare, so a generous window is cheap.
const cancelClaimTTL = time.Hour

// ExecutionAPI is the slice of the execution service the handler queries.
type ExecutionAPI interface {
	GetExecutions(ctx context.Context, apiToken string, filters execution.GetExecutionsFilters) ([]execution.Execution, error)
}

// PlanAPI confirms plan item state before a deactivation cancel runs.
type PlanAPI interface {
	GetFullPlan(ctx context.Context, apiToken, planSlug string) (plan.FullPlan, error)
}

// Service is the cancellation handler.
type Service struct {
	publisher  events.DomainEventPublisher
	auth       clients.TokenProvider
	executions ExecutionAPI
	plans      PlanAPI
	guard      idempotency.Guard

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the cancellation handler.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	executions ExecutionAPI,
	plans PlanAPI,
	guard idempotency.Guard,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher:  publisher,
		auth:       auth,
		executions: executions,
		plans:      plans,
		guard:      guard,
		logger:     log.With("component", "cancel"),
		tracer:     tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{
		events.EventTypeAssetNotCovered,
		events.EventTypePlanItemsIsActive,
	}
}

// HandleEvent implements events.EventHandler for the cancel detail types.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	var err error
	switch payload := evt.Payload.(type) {
	case *execution.AssetRemovedEvent:
		err = s.CancelForRemovedAsset(ctx, *payload)
	case *execution.PlanItemDeactivatedEvent:
		err = s.CancelForDeactivatedPlanItem(ctx, *payload)
	default:
		err = fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}
	ack(err)
	return err
}

// CancelForRemovedAsset cancels every pending execution on an asset that is
// no longer covered.
func (s *Service) CancelForRemovedAsset(ctx context.Context, evt execution.AssetRemovedEvent) error {
	ctx, span := s.tracer.Start(ctx, "cancel.asset_not_covered")
	defer span.End()

	asset := evt.Body
	return s.withClaim(ctx, "cancel-asset-not-covered", evt, func(ctx context.Context) error {
		apiToken, err := s.auth.GetAPIToken(ctx, asset.TenantID)
		if err != nil {
			return fmt.Errorf("getting api token: %w", err)
		}

		pending, err := s.executions.GetExecutions(ctx, apiToken, execution.GetExecutionsFilters{
			Status:  execution.StatusPending,
			AssetID: asset.AssetID,
		})
		if err != nil {
			return fmt.Errorf("listing pending executions for asset %s: %w", asset.AssetID, err)
		}

		return s.cancelExecutions(ctx, pending, ReasonAssetNotCovered)
	})
}

// CancelForDeactivatedPlanItem cancels every pending execution belonging to
// or affected by a plan item that was switched off. The plan service is the
// source of truth: the cancel only proceeds when the slug is confirmed
// inactive there.
func (s *Service) CancelForDeactivatedPlanItem(ctx context.Context, evt execution.PlanItemDeactivatedEvent) error {
	ctx, span := s.tracer.Start(ctx, "cancel.plan_item_deactivated")
	defer span.End()

	if evt.IsActive {
		s.logger.Info(ctx, "ignoring plan item activation",
			"tenant_id", evt.TenantID, "plan_item_slug", evt.PlanItemSlug)
		return nil
	}

	return s.withClaim(ctx, "cancel-plan-item-deactivated", evt, func(ctx context.Context) error {
		apiToken, err := s.auth.GetAPIToken(ctx, evt.TenantID)
		if err != nil {
			return fmt.Errorf("getting api token: %w", err)
		}

		planSlug := evt.PlanSlug
		if planSlug == "" {
			planSlug = plan.JitPlanSlug
		}
		fullPlan, err := s.plans.GetFullPlan(ctx, apiToken, planSlug)
		if err != nil {
			return fmt.Errorf("getting full plan: %w", err)
		}
		if slices.Contains(fullPlan.ActiveItemSlugs(), evt.PlanItemSlug) {
			s.logger.Warn(ctx, "plan item still active, skipping cancellation",
				"tenant_id", evt.TenantID, "plan_item_slug", evt.PlanItemSlug)
			return nil
		}

		pending, err := s.executions.GetExecutions(ctx, apiToken, execution.GetExecutionsFilters{
			Status: execution.StatusPending,
		})
		if err != nil {
			return fmt.Errorf("listing pending executions: %w", err)
		}

		var targets []execution.Execution
		for _, exec := range pending {
			if exec.PlanItemSlug == evt.PlanItemSlug ||
				slices.Contains(exec.AffectedPlanItems, evt.PlanItemSlug) {
				targets = append(targets, exec)
			}
		}
		return s.cancelExecutions(ctx, targets, ReasonPlanItemNotActive)
	})
}

// withClaim wraps fn in an idempotency claim derived from the cancel payload.
// Redeliveries of a claimed or completed event are dropped; a failed fn
// releases the claim so redelivery retries.
func (s *Service) withClaim(ctx context.Context, operation string, payload any, fn func(ctx context.Context) error) error {
	key, err := idempotency.KeyFromPayload(operation, payload)
	if err != nil {
		return err
	}

	claim, err := s.guard.TryClaim(ctx, key, cancelClaimTTL)
	if err != nil {
		return fmt.Errorf("claiming cancel idempotency key: %w", err)
	}
	if claim != idempotency.ClaimFirstEntry {
		s.logger.Info(ctx, "dropping redelivered cancel event", "operation", operation, "claim", string(claim))
		return nil
	}

	if err := fn(ctx); err != nil {
		if releaseErr := s.guard.Release(ctx, key); releaseErr != nil {
			s.logger.Warn(ctx, "failed to release cancel idempotency key", "error", releaseErr)
		}
		return err
	}
	if err := s.guard.Commit(ctx, key); err != nil {
		return fmt.Errorf("committing cancel idempotency key: %w", err)
	}
	return nil
}

// cancelExecutions publishes one CANCELED completion update per target.
func (s *Service) cancelExecutions(ctx context.Context, targets []execution.Execution, reason string) error {
	seen := make(map[string]struct{}, len(targets))
	canceled := 0
	for _, exec := range targets {
		if _, ok := seen[exec.ExecutionID]; ok {
			continue
		}
		seen[exec.ExecutionID] = struct{}{}

		update := execution.CompletionUpdate{
			TenantID:     exec.TenantID,
			JitEventID:   exec.JitEventID,
			ExecutionID:  exec.ExecutionID,
			Status:       execution.StatusCanceled,
			ErrorMessage: reason,
		}
		if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
			Type:      events.EventTypeJobCompleted,
			Key:       exec.TenantID,
			Timestamp: time.Now().UTC(),
			Payload:   update,
		}); err != nil {
			return fmt.Errorf("publishing cancellation for execution %s: %w", exec.ExecutionID, err)
		}
		canceled++
	}

	if canceled > 0 {
		s.logger.Info(ctx, "canceled pending executions", "count", canceled, "reason", reason)
	}
	return nil
}

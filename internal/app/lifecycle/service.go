// Package lifecycle drives the countdown state machine of a jit event: one
// record per event, one per fanned-out asset, decremented as jobs and assets
// report. Terminal transitions publish lifecycle events on the bus.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// ErrNonTerminalComplete indicates an attempt to complete a jit event with a
// status that is not terminal.
var ErrNonTerminalComplete = errors.New("jit event completion requires a terminal status")

// Service owns the lifecycle records and their counters.
type Service struct {
	repo      lifecycle.Repository
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the lifecycle service.
func NewService(repo lifecycle.Repository, publisher events.DomainEventPublisher, log *logger.Logger, tracer trace.Tracer) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    log.With("component", "lifecycle"),
		tracer:    tracer,
	}
}

// Start records the jit event as started and announces it on the lifecycle
// bus. Restarting an already-tracked event is a no-op so intake redelivery
// cannot double-publish.
func (s *Service) Start(ctx context.Context, jitEvent trigger.JitEvent) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.start")
	defer span.End()

	common := jitEvent.Common()
	record, err := newJitEventRecord(jitEvent)
	if err != nil {
		return err
	}

	if err := s.repo.InsertJitEvent(ctx, record); err != nil {
		var guardErr *lifecycle.GuardError
		if errors.As(err, &guardErr) {
			s.logger.Info(ctx, "jit event already tracked, skipping start",
				"tenant_id", common.TenantID, "jit_event_id", common.JitEventID)
			return nil
		}
		return fmt.Errorf("starting jit event lifecycle: %w", err)
	}

	return s.publishLifeCycleEvent(ctx, events.EventTypeJitEventStarted, record)
}

func newJitEventRecord(jitEvent trigger.JitEvent) (lifecycle.JitEventRecord, error) {
	common := jitEvent.Common()

	raw, err := json.Marshal(jitEvent)
	if err != nil {
		return lifecycle.JitEventRecord{}, fmt.Errorf("marshaling jit event for lifecycle record: %w", err)
	}
	var embedded map[string]any
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return lifecycle.JitEventRecord{}, fmt.Errorf("normalizing jit event for lifecycle record: %w", err)
	}

	now := time.Now().UTC()
	record := lifecycle.JitEventRecord{
		TenantID:      common.TenantID,
		JitEventID:    common.JitEventID,
		JitEventName:  string(common.JitEventName),
		Status:        lifecycle.StatusStarted,
		PlanItemSlugs: jitEvent.Filters().PlanItemSlugs.Values(),
		JitEvent:      embedded,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifecycle.RecordTTL),
	}

	// Only PR-related events enter the watchdog's bucketed view.
	if common.JitEventName.IsPRRelated() {
		bucket := rand.Intn(lifecycle.WatchdogBuckets)
		record.WatchdogBucket = &bucket
	}
	return record, nil
}

// FilteredAssetsToScan sets the asset countdown after the orchestrator's
// filtering pass. Zero assets completes the event immediately.
func (s *Service) FilteredAssetsToScan(ctx context.Context, tenantID, jitEventID string, totalAssets int) error {
	if totalAssets == 0 {
		s.logger.Info(ctx, "no assets to scan, completing jit event",
			"tenant_id", tenantID, "jit_event_id", jitEventID)
		return s.Complete(ctx, tenantID, jitEventID, lifecycle.StatusCompleted)
	}

	if _, err := s.repo.SetAssetTotals(ctx, tenantID, jitEventID, totalAssets); err != nil {
		var guardErr *lifecycle.GuardError
		if errors.As(err, &guardErr) {
			s.logger.Warn(ctx, "asset totals guard failed", "error", err)
			return nil
		}
		return fmt.Errorf("setting asset totals: %w", err)
	}
	return nil
}

// FilteredJobsToExecute records the job countdown for one asset. A duplicate
// record is alerted and tolerated; zero jobs completes the asset immediately.
func (s *Service) FilteredJobsToExecute(ctx context.Context, tenantID, jitEventID, assetID string, totalJobs int) error {
	now := time.Now().UTC()
	err := s.repo.InsertAssetRecord(ctx, lifecycle.AssetRecord{
		TenantID:      tenantID,
		JitEventID:    jitEventID,
		AssetID:       assetID,
		TotalJobs:     totalJobs,
		RemainingJobs: totalJobs,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifecycle.RecordTTL),
	})
	if err != nil {
		var dupErr *lifecycle.DuplicateAssetRecordError
		if !errors.As(err, &dupErr) {
			return fmt.Errorf("inserting asset record: %w", err)
		}
		s.logger.Error(ctx, "asset record already exists, continuing",
			"tenant_id", tenantID, "jit_event_id", jitEventID, "asset_id", assetID)
	}

	if totalJobs == 0 {
		s.logger.Info(ctx, "no jobs to execute for asset, completing asset",
			"tenant_id", tenantID, "jit_event_id", jitEventID, "asset_id", assetID)
		return s.AssetCompleted(ctx, tenantID, jitEventID)
	}
	return nil
}

// JobCompleted decrements the asset's job countdown; hitting zero completes
// the asset. Guard failures mean the counter was already spent and are
// swallowed.
func (s *Service) JobCompleted(ctx context.Context, tenantID, jitEventID, assetID string) error {
	record, err := s.repo.DecrementRemainingJobs(ctx, tenantID, jitEventID, assetID)
	if err != nil {
		var guardErr *lifecycle.GuardError
		if errors.As(err, &guardErr) {
			s.logger.Warn(ctx, "job countdown guard failed, treating as already zero", "error", err)
			return nil
		}
		return fmt.Errorf("decrementing remaining jobs: %w", err)
	}

	if record.RemainingJobs == 0 {
		s.logger.Info(ctx, "all jobs completed for asset",
			"tenant_id", tenantID, "jit_event_id", jitEventID, "asset_id", assetID)
		return s.AssetCompleted(ctx, tenantID, jitEventID)
	}
	return nil
}

// AssetCompleted decrements the event's asset countdown; hitting zero
// completes the jit event.
func (s *Service) AssetCompleted(ctx context.Context, tenantID, jitEventID string) error {
	record, err := s.repo.DecrementRemainingAssets(ctx, tenantID, jitEventID)
	if err != nil {
		var guardErr *lifecycle.GuardError
		if errors.As(err, &guardErr) {
			s.logger.Warn(ctx, "asset countdown guard failed, treating as already zero", "error", err)
			return nil
		}
		return fmt.Errorf("decrementing remaining assets: %w", err)
	}

	if record.RemainingAssets != nil && *record.RemainingAssets == 0 {
		s.logger.Info(ctx, "all assets completed for jit event",
			"tenant_id", tenantID, "jit_event_id", jitEventID)
		return s.Complete(ctx, tenantID, jitEventID, lifecycle.StatusCompleted)
	}
	return nil
}

// Complete moves the jit event to a terminal status and publishes the
// completion. Completing an already-terminal event is a no-op.
func (s *Service) Complete(ctx context.Context, tenantID, jitEventID string, status lifecycle.JitEventStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: got %q", ErrNonTerminalComplete, status)
	}

	record, err := s.repo.UpdateStatus(ctx, tenantID, jitEventID, status)
	if err != nil {
		var guardErr *lifecycle.GuardError
		if errors.As(err, &guardErr) {
			s.logger.Info(ctx, "jit event already terminal, skipping completion",
				"tenant_id", tenantID, "jit_event_id", jitEventID, "status", string(status))
			return nil
		}
		return fmt.Errorf("completing jit event: %w", err)
	}

	return s.publishLifeCycleEvent(ctx, events.EventTypeJitEventCompleted, record)
}

// GetJitEvent fetches one lifecycle record; storage.ErrNotFound when absent.
func (s *Service) GetJitEvent(ctx context.Context, tenantID, jitEventID string) (lifecycle.JitEventRecord, error) {
	return s.repo.GetJitEvent(ctx, tenantID, jitEventID)
}

func (s *Service) publishLifeCycleEvent(ctx context.Context, eventType events.EventType, record lifecycle.JitEventRecord) error {
	payload := lifecycle.LifeCycleEvent{
		TenantID:     record.TenantID,
		JitEventID:   record.JitEventID,
		JitEventName: record.JitEventName,
		Status:       record.Status,
		JitEvent:     record.JitEvent,
	}
	if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      eventType,
		Key:       record.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("publishing %s: %w", eventType, err)
	}
	return nil
}

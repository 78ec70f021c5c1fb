// Package enrichmentflow drives the enrich-or-skip transition for each
// prepare-for-execution event. Events that need enrichment are suspended as
// persisted flow runs keyed by a task token; the enrich job's completion
// callback resumes them, and a sweep fails the ones whose callback never
// arrived.
package enrichmentflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// payloadSizeWarnBytes flags suspiciously large suspended payloads; runs
// carrying that much state usually mean a workflow template leaked its
// content past the strip.
const payloadSizeWarnBytes = 150_000

// DefaultCallbackDeadline bounds how long a run waits for the enrich job to
// call back before the sweep fails it.
const DefaultCallbackDeadline = 10 * time.Minute

// callbackStatusFailure is the failure verdict carried on the enrichment
// completion callback.
const callbackStatusFailure = "failure"

// PrepareCore is the slice of the prepare service the driver transitions
// into.
type PrepareCore interface {
	PrepareForExecution(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent) error
	TriggerEnrichmentJob(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent, taskToken string) error
}

// LifecycleManager is the slice of the lifecycle service the driver fails
// events through.
type LifecycleManager interface {
	Complete(ctx context.Context, tenantID, jitEventID string, status lifecycle.JitEventStatus) error
}

// Service is the state-machine driver.
type Service struct {
	prepare   PrepareCore
	runs      enrichment.FlowRepository
	lifecycle LifecycleManager

	callbackDeadline time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the driver. A non-positive callbackDeadline falls back to
// DefaultCallbackDeadline.
func NewService(
	prepare PrepareCore,
	runs enrichment.FlowRepository,
	lifecycleManager LifecycleManager,
	callbackDeadline time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	if callbackDeadline <= 0 {
		callbackDeadline = DefaultCallbackDeadline
	}
	return &Service{
		prepare:          prepare,
		runs:             runs,
		lifecycle:        lifecycleManager,
		callbackDeadline: callbackDeadline,
		logger:           log.With("component", "enrichment_flow"),
		tracer:           tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{
		events.EventTypePublishedPrepareForExecution,
		events.EventTypeEnrichmentCompleted,
	}
}

// HandleEvent implements events.EventHandler for prepare-for-execution and
// enrichment-completed payloads.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	var err error
	switch payload := evt.Payload.(type) {
	case *trigger.PrepareForExecutionEvent:
		_, err = s.StartFlow(ctx, *payload)
	case *enrichment.CompletedEvent:
		err = s.HandleCallback(ctx, *payload)
	default:
		err = fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}
	ack(err)
	return err
}

// StartFlow runs the enrich-or-skip decision for one prepare event. Events
// that skip enrichment go straight through the prepare core; the rest are
// suspended as awaiting-callback runs and the enrich execution is published.
// The returned task token is empty when no suspension happened.
func (s *Service) StartFlow(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent) (string, error) {
	ctx, span := s.tracer.Start(ctx, "enrichment_flow.start")
	defer span.End()

	common := prepareEvent.JitEvent.Common()

	if !prepareEvent.ShouldEnrich {
		return "", s.prepare.PrepareForExecution(ctx, prepareEvent)
	}

	payload, err := json.Marshal(prepareEvent)
	if err != nil {
		return "", fmt.Errorf("marshaling prepare event for suspension: %w", err)
	}
	if len(payload) > payloadSizeWarnBytes {
		s.logger.Warn(ctx, "suspended prepare event is unusually large",
			"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
			"asset_id", prepareEvent.Asset.AssetID, "size_bytes", len(payload))
	}

	taskToken := uuid.NewString()
	now := time.Now().UTC()
	run := enrichment.FlowRun{
		TaskToken:    taskToken,
		TenantID:     common.TenantID,
		JitEventID:   common.JitEventID,
		AssetID:      prepareEvent.Asset.AssetID,
		PrepareEvent: payload,
		Status:       enrichment.FlowAwaitingCallback,
		Deadline:     now.Add(s.callbackDeadline),
		CreatedAt:    now,
	}
	if err := s.runs.InsertRun(ctx, run); err != nil {
		return "", fmt.Errorf("inserting flow run: %w", err)
	}

	if err := s.prepare.TriggerEnrichmentJob(ctx, prepareEvent, taskToken); err != nil {
		return "", s.failRun(ctx, run, fmt.Errorf("triggering enrichment job: %w", err))
	}

	s.logger.Info(ctx, "suspended flow awaiting enrichment callback",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
		"asset_id", prepareEvent.Asset.AssetID, "task_token", taskToken)
	return taskToken, nil
}

// HandleCallback resumes the suspended run the callback's task token points
// at. Unknown or already-resolved tokens are dropped: the callback arrived
// twice or after the sweep already failed the run.
func (s *Service) HandleCallback(ctx context.Context, callback enrichment.CompletedEvent) error {
	ctx, span := s.tracer.Start(ctx, "enrichment_flow.callback")
	defer span.End()

	run, err := s.runs.CompleteRun(ctx, callback.TaskToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Info(ctx, "dropping late or duplicate enrichment callback",
				"tenant_id", callback.TenantID, "jit_event_id", callback.JitEventID,
				"task_token", callback.TaskToken)
			return nil
		}
		return fmt.Errorf("completing flow run: %w", err)
	}

	if strings.EqualFold(callback.Status, callbackStatusFailure) {
		return s.failRun(ctx, run, errors.New("enrichment job reported failure"))
	}

	var prepareEvent trigger.PrepareForExecutionEvent
	if err := json.Unmarshal(run.PrepareEvent, &prepareEvent); err != nil {
		return s.failRun(ctx, run, fmt.Errorf("restoring suspended prepare event: %w", err))
	}
	prepareEvent.EnrichedData = trigger.EnrichedData(callback.Results)

	return s.prepare.PrepareForExecution(ctx, prepareEvent)
}

// SweepExpired fails every awaiting run whose callback deadline has passed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "enrichment_flow.sweep_expired")
	defer span.End()

	expired, err := s.runs.ExpireRuns(ctx, now)
	if err != nil {
		return fmt.Errorf("expiring flow runs: %w", err)
	}

	var errs []error
	for _, run := range expired {
		if err := s.failRun(ctx, run, errors.New("enrichment callback deadline elapsed")); err != nil {
			errs = append(errs, err)
		}
	}
	if len(expired) > 0 {
		s.logger.Info(ctx, "swept expired enrichment flows", "expired", len(expired))
	}
	return errors.Join(errs...)
}

// failRun ends the run's jit event as failed and surfaces the cause.
func (s *Service) failRun(ctx context.Context, run enrichment.FlowRun, cause error) error {
	s.logger.Error(ctx, "enrichment flow failed",
		"tenant_id", run.TenantID, "jit_event_id", run.JitEventID,
		"asset_id", run.AssetID, "task_token", run.TaskToken, "error", cause)

	if err := s.lifecycle.Complete(ctx, run.TenantID, run.JitEventID, lifecycle.StatusFailed); err != nil {
		return errors.Join(cause, fmt.Errorf("failing jit event: %w", err))
	}
	return cause
}

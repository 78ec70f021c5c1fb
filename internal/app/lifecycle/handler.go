package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/idempotency"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// completionClaimTTL bounds how long a processed job completion blocks its
// redeliveries. Completions for one execution never legitimately repeat, so
// the window is generous.
const completionClaimTTL = time.Hour

// Manager is the slice of the lifecycle service the completion handler drives.
type Manager interface {
	JobCompleted(ctx context.Context, tenantID, jitEventID, assetID string) error
	AssetCompleted(ctx context.Context, tenantID, jitEventID string) error
}

// CompletionHandler feeds runner completion reports into the lifecycle
// countdown. It is idempotent per report, so bus redelivery cannot
// double-decrement a counter.
type CompletionHandler struct {
	lifecycle Manager
	guard     idempotency.Guard

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCompletionHandler builds the job-completion handler.
func NewCompletionHandler(lifecycle Manager, guard idempotency.Guard, log *logger.Logger, tracer trace.Tracer) *CompletionHandler {
	return &CompletionHandler{
		lifecycle: lifecycle,
		guard:     guard,
		logger:    log.With("component", "lifecycle_completion"),
		tracer:    tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (h *CompletionHandler) SupportedEvents() []events.EventType {
	return []events.EventType{events.EventTypeJobCompleted}
}

// HandleEvent implements events.EventHandler for job completion reports.
func (h *CompletionHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	exec, ok := evt.Payload.(*execution.Execution)
	if !ok {
		err := fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}

	err := h.ProcessCompletion(ctx, *exec)
	ack(err)
	return err
}

// ProcessCompletion applies one completion report to the countdown. Reports
// with a non-terminal status are dropped; a watchdog timeout completes the
// whole asset since the runner will never report its remaining jobs.
func (h *CompletionHandler) ProcessCompletion(ctx context.Context, exec execution.Execution) error {
	ctx, span := h.tracer.Start(ctx, "lifecycle.job_completed")
	defer span.End()

	if exec.Status.IsRunning() {
		h.logger.Warn(ctx, "ignoring completion report with non-terminal status",
			"tenant_id", exec.TenantID, "jit_event_id", exec.JitEventID,
			"execution_id", exec.ExecutionID, "status", string(exec.Status))
		return nil
	}

	key, err := idempotency.KeyFromPayload("job-completed", exec)
	if err != nil {
		return err
	}
	claim, err := h.guard.TryClaim(ctx, key, completionClaimTTL)
	if err != nil {
		return fmt.Errorf("claiming completion report: %w", err)
	}
	if claim != idempotency.ClaimFirstEntry {
		h.logger.Info(ctx, "completion report already processed, dropping",
			"tenant_id", exec.TenantID, "jit_event_id", exec.JitEventID,
			"execution_id", exec.ExecutionID, "claim", string(claim))
		return nil
	}

	if exec.Status == execution.StatusWatchdogTimeout {
		err = h.lifecycle.AssetCompleted(ctx, exec.TenantID, exec.JitEventID)
	} else {
		err = h.lifecycle.JobCompleted(ctx, exec.TenantID, exec.JitEventID, exec.AssetID)
	}
	if err != nil {
		if releaseErr := h.guard.Release(ctx, key); releaseErr != nil {
			h.logger.Error(ctx, "releasing completion claim failed", "error", releaseErr)
		}
		return err
	}
	return h.guard.Commit(ctx, key)
}

package enrichment

import (
	"context"
	"encoding/json"
	"time"
)

// FlowStatus is the state of one suspended enrichment flow run.
type FlowStatus string

const (
	// FlowAwaitingCallback marks a run suspended until the enrich job calls
	// back with results.
	FlowAwaitingCallback FlowStatus = "awaiting_callback"
	// FlowCompleted marks a run whose callback arrived and was consumed.
	FlowCompleted FlowStatus = "completed"
	// FlowTimedOut marks a run whose deadline passed with no callback.
	FlowTimedOut FlowStatus = "timed_out"
)

// FlowRun is the persisted state of one enrichment flow: the suspended
// prepare-for-execution payload plus the task token that resumes it.
type FlowRun struct {
	TaskToken    string          `json:"task_token"`
	TenantID     string          `json:"tenant_id"`
	JitEventID   string          `json:"jit_event_id"`
	AssetID      string          `json:"asset_id"`
	PrepareEvent json.RawMessage `json:"prepare_event"`
	Status       FlowStatus      `json:"status"`
	Deadline     time.Time       `json:"deadline"`
	CreatedAt    time.Time       `json:"created_at"`
	ModifiedAt   *time.Time      `json:"modified_at,omitempty"`
}

// FlowRepository is the persistence port for suspended flow runs. Completing
// a run is conditional on it still awaiting its callback, so a late callback
// and the timeout sweep cannot both resume the same run.
type FlowRepository interface {
	InsertRun(ctx context.Context, run FlowRun) error
	// CompleteRun atomically moves an awaiting run to completed and returns
	// it; storage.ErrNotFound when the token is unknown or already resolved.
	CompleteRun(ctx context.Context, taskToken string) (FlowRun, error)
	// ExpireRuns moves awaiting runs past their deadline to timed_out and
	// returns them.
	ExpireRuns(ctx context.Context, now time.Time) ([]FlowRun, error)
}

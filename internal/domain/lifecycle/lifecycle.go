// Package lifecycle models the countdown bookkeeping for a jit event: one
// record per jit event plus one record per fanned-out asset, decremented as
// jobs and assets finish.
package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// JitEventStatus is the lifecycle status of one jit event.
type JitEventStatus string

const (
	StatusCreating  JitEventStatus = "creating"
	StatusStarted   JitEventStatus = "started"
	StatusCompleted JitEventStatus = "completed"
	StatusFailed    JitEventStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JitEventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RecordTTL is how long lifecycle records are retained.
const RecordTTL = 7 * 24 * time.Hour

// WatchdogBuckets is the number of random buckets PR-related records are
// spread across so the watchdog can scan a fraction of the table per tick.
const WatchdogBuckets = 10

// JitEventRecord is the per-jit-event lifecycle record.
type JitEventRecord struct {
	TenantID        string         `json:"tenant_id"`
	JitEventID      string         `json:"jit_event_id"`
	JitEventName    string         `json:"jit_event_name"`
	Status          JitEventStatus `json:"status"`
	PlanItemSlugs   []string       `json:"plan_item_slugs,omitempty"`
	JitEvent        map[string]any `json:"jit_event,omitempty"`
	TotalAssets     *int           `json:"total_assets,omitempty"`
	RemainingAssets *int           `json:"remaining_assets,omitempty"`
	WatchdogBucket  *int           `json:"watchdog_bucket,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ModifiedAt      *time.Time     `json:"modified_at,omitempty"`
	ExpiresAt       time.Time      `json:"ttl"`
}

// AssetRecord is the per-asset countdown record under a jit event.
type AssetRecord struct {
	TenantID      string     `json:"tenant_id"`
	JitEventID    string     `json:"jit_event_id"`
	AssetID       string     `json:"asset_id"`
	TotalJobs     int        `json:"total_jobs"`
	RemainingJobs int        `json:"remaining_jobs"`
	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    *time.Time `json:"modified_at,omitempty"`
	ExpiresAt     time.Time  `json:"ttl"`
}

// GuardError indicates a conditional write whose guard did not hold (record
// missing, counter already zero, or status already terminal). Under
// at-least-once delivery these are expected on redelivery.
type GuardError struct {
	Op         string
	TenantID   string
	JitEventID string
	AssetID    string
}

func (e *GuardError) Error() string {
	if e.AssetID != "" {
		return fmt.Sprintf("lifecycle guard failed on %s for tenant=%s jit_event=%s asset=%s",
			e.Op, e.TenantID, e.JitEventID, e.AssetID)
	}
	return fmt.Sprintf("lifecycle guard failed on %s for tenant=%s jit_event=%s",
		e.Op, e.TenantID, e.JitEventID)
}

// DuplicateAssetRecordError indicates filtered_jobs_to_execute hit an
// existing per-asset record. Callers alert and continue.
type DuplicateAssetRecordError struct {
	TenantID   string
	JitEventID string
	AssetID    string
}

func (e *DuplicateAssetRecordError) Error() string {
	return fmt.Sprintf("asset record already exists for tenant=%s jit_event=%s asset=%s",
		e.TenantID, e.JitEventID, e.AssetID)
}

// WatchdogWindow is the age range a PR record must fall in to be inspected:
// old enough to be suspicious, young enough to still matter.
type WatchdogWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Repository is the persistence port for lifecycle records.
type Repository interface {
	// InsertJitEvent writes the per-event record; guard "not exists".
	InsertJitEvent(ctx context.Context, record JitEventRecord) error
	// GetJitEvent fetches one record; storage.ErrNotFound when absent.
	GetJitEvent(ctx context.Context, tenantID, jitEventID string) (JitEventRecord, error)
	// SetAssetTotals sets total/remaining assets; returns the updated record.
	SetAssetTotals(ctx context.Context, tenantID, jitEventID string, total int) (JitEventRecord, error)
	// DecrementRemainingAssets decrements guarded by remaining_assets > 0 and
	// a non-terminal status; returns the updated record.
	DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (JitEventRecord, error)
	// UpdateStatus moves the record to a terminal status.
	UpdateStatus(ctx context.Context, tenantID, jitEventID string, status JitEventStatus) (JitEventRecord, error)
	// RemoveWatchdogBucket takes the record out of the watchdog's view.
	RemoveWatchdogBucket(ctx context.Context, tenantID, jitEventID string) error
	// ListWatchdogCandidates scans one bucket for PR records inside the window.
	ListWatchdogCandidates(ctx context.Context, bucket int, window WatchdogWindow) ([]JitEventRecord, error)

	// InsertAssetRecord writes the per-asset countdown; guard "not exists",
	// violation reported as DuplicateAssetRecordError.
	InsertAssetRecord(ctx context.Context, record AssetRecord) error
	// DecrementRemainingJobs decrements guarded by remaining_jobs > 0;
	// returns the updated record.
	DecrementRemainingJobs(ctx context.Context, tenantID, jitEventID, assetID string) (AssetRecord, error)
}

// WatchdogTickEvent fans one bucket index out to the PR watchdog.
type WatchdogTickEvent struct {
	Bucket int `json:"bucket"`
}

// LifeCycleEvent is the payload published on the lifecycle bus at start and
// completion.
type LifeCycleEvent struct {
	TenantID     string         `json:"tenant_id"`
	JitEventID   string         `json:"jit_event_id"`
	JitEventName string         `json:"jit_event_name"`
	Status       JitEventStatus `json:"status"`
	JitEvent     map[string]any `json:"jit_event,omitempty"`
}

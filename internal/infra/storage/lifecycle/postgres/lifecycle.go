// Package postgres persists jit event lifecycle records. All counter
// mutations are conditional UPDATEs so redelivered messages cannot push a
// counter below zero or resurrect a terminal record.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
)

var _ lifecycle.Repository = (*lifecycleStore)(nil)

// lifecycleStore implements lifecycle.Repository using PostgreSQL as the
// backing store.
type lifecycleStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewLifecycleStore creates a new PostgreSQL-backed lifecycle repository with
// tracing capabilities.
func NewLifecycleStore(pool *pgxpool.Pool, tracer trace.Tracer) *lifecycleStore {
	return &lifecycleStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// InsertJitEvent writes the per-event record, guarded against duplicates.
func (s *lifecycleStore) InsertJitEvent(ctx context.Context, record lifecycle.JitEventRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", record.TenantID),
		attribute.String("jit_event_id", record.JitEventID),
		attribute.String("status", string(record.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_jit_event", dbAttrs, func(ctx context.Context) error {
		slugs, err := json.Marshal(record.PlanItemSlugs)
		if err != nil {
			return fmt.Errorf("marshaling plan item slugs: %w", err)
		}
		jitEvent, err := json.Marshal(record.JitEvent)
		if err != nil {
			return fmt.Errorf("marshaling jit event: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO jit_event_lifecycle (
				tenant_id, jit_event_id, jit_event_name, status,
				plan_item_slugs, jit_event, watchdog_bucket, created_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.TenantID, record.JitEventID, record.JitEventName, record.Status,
			slugs, jitEvent, record.WatchdogBucket, record.CreatedAt, record.ExpiresAt,
		)
		if isUniqueViolation(err) {
			return &lifecycle.GuardError{Op: "insert_jit_event", TenantID: record.TenantID, JitEventID: record.JitEventID}
		}
		if err != nil {
			return fmt.Errorf("InsertJitEvent insert error: %w", err)
		}
		return nil
	})
}

const jitEventColumns = `
	tenant_id, jit_event_id, jit_event_name, status, plan_item_slugs,
	jit_event, total_assets, remaining_assets, watchdog_bucket,
	created_at, modified_at, expires_at`

func scanJitEvent(row pgx.Row) (lifecycle.JitEventRecord, error) {
	var (
		record      lifecycle.JitEventRecord
		slugsRaw    []byte
		jitEventRaw []byte
	)
	err := row.Scan(
		&record.TenantID, &record.JitEventID, &record.JitEventName, &record.Status,
		&slugsRaw, &jitEventRaw, &record.TotalAssets, &record.RemainingAssets,
		&record.WatchdogBucket, &record.CreatedAt, &record.ModifiedAt, &record.ExpiresAt,
	)
	if err != nil {
		return lifecycle.JitEventRecord{}, err
	}
	if len(slugsRaw) > 0 {
		if err := json.Unmarshal(slugsRaw, &record.PlanItemSlugs); err != nil {
			return lifecycle.JitEventRecord{}, fmt.Errorf("unmarshaling plan item slugs: %w", err)
		}
	}
	if len(jitEventRaw) > 0 {
		if err := json.Unmarshal(jitEventRaw, &record.JitEvent); err != nil {
			return lifecycle.JitEventRecord{}, fmt.Errorf("unmarshaling jit event: %w", err)
		}
	}
	return record, nil
}

// GetJitEvent fetches one record by key.
func (s *lifecycleStore) GetJitEvent(ctx context.Context, tenantID, jitEventID string) (lifecycle.JitEventRecord, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
	)

	var record lifecycle.JitEventRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_jit_event", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			SELECT `+jitEventColumns+`
			FROM jit_event_lifecycle
			WHERE tenant_id = $1 AND jit_event_id = $2`,
			tenantID, jitEventID,
		)

		var err error
		record, err = scanJitEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("GetJitEvent query error: %w", err)
		}
		return nil
	})
	return record, err
}

// SetAssetTotals sets total and remaining assets in one conditional update.
// Terminal records are left untouched.
func (s *lifecycleStore) SetAssetTotals(ctx context.Context, tenantID, jitEventID string, total int) (lifecycle.JitEventRecord, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
		attribute.Int("total_assets", total),
	)

	var record lifecycle.JitEventRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_asset_totals", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			UPDATE jit_event_lifecycle
			SET total_assets = $3, remaining_assets = $3, modified_at = NOW()
			WHERE tenant_id = $1 AND jit_event_id = $2
			  AND status NOT IN ('completed', 'failed')
			RETURNING `+jitEventColumns,
			tenantID, jitEventID, total,
		)

		var err error
		record, err = scanJitEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return &lifecycle.GuardError{Op: "set_asset_totals", TenantID: tenantID, JitEventID: jitEventID}
		}
		if err != nil {
			return fmt.Errorf("SetAssetTotals update error: %w", err)
		}
		return nil
	})
	return record, err
}

// DecrementRemainingAssets decrements the asset countdown, guarded so
// redelivery cannot underflow it.
func (s *lifecycleStore) DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (lifecycle.JitEventRecord, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
	)

	var record lifecycle.JitEventRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.decrement_remaining_assets", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			UPDATE jit_event_lifecycle
			SET remaining_assets = remaining_assets - 1, modified_at = NOW()
			WHERE tenant_id = $1 AND jit_event_id = $2
			  AND remaining_assets > 0
			  AND status NOT IN ('completed', 'failed')
			RETURNING `+jitEventColumns,
			tenantID, jitEventID,
		)

		var err error
		record, err = scanJitEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return &lifecycle.GuardError{Op: "decrement_remaining_assets", TenantID: tenantID, JitEventID: jitEventID}
		}
		if err != nil {
			return fmt.Errorf("DecrementRemainingAssets update error: %w", err)
		}
		return nil
	})
	return record, err
}

// UpdateStatus moves the record to a terminal status; already-terminal
// records fail the guard.
func (s *lifecycleStore) UpdateStatus(ctx context.Context, tenantID, jitEventID string, status lifecycle.JitEventStatus) (lifecycle.JitEventRecord, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
		attribute.String("status", string(status)),
	)

	var record lifecycle.JitEventRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_jit_event_status", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			UPDATE jit_event_lifecycle
			SET status = $3, modified_at = NOW()
			WHERE tenant_id = $1 AND jit_event_id = $2
			  AND status NOT IN ('completed', 'failed')
			RETURNING `+jitEventColumns,
			tenantID, jitEventID, status,
		)

		var err error
		record, err = scanJitEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return &lifecycle.GuardError{Op: "update_status", TenantID: tenantID, JitEventID: jitEventID}
		}
		if err != nil {
			return fmt.Errorf("UpdateStatus update error: %w", err)
		}
		return nil
	})
	return record, err
}

// RemoveWatchdogBucket clears the bucket so the watchdog stops seeing the
// record. Removing an already-clear bucket is a no-op.
func (s *lifecycleStore) RemoveWatchdogBucket(ctx context.Context, tenantID, jitEventID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.remove_watchdog_bucket", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			UPDATE jit_event_lifecycle
			SET watchdog_bucket = NULL, modified_at = NOW()
			WHERE tenant_id = $1 AND jit_event_id = $2`,
			tenantID, jitEventID,
		)
		if err != nil {
			return fmt.Errorf("RemoveWatchdogBucket update error: %w", err)
		}
		return nil
	})
}

// ListWatchdogCandidates returns the PR records in one bucket whose age falls
// inside the window.
func (s *lifecycleStore) ListWatchdogCandidates(ctx context.Context, bucket int, window lifecycle.WatchdogWindow) ([]lifecycle.JitEventRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("bucket", bucket))

	var records []lifecycle.JitEventRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_watchdog_candidates", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT `+jitEventColumns+`
			FROM jit_event_lifecycle
			WHERE watchdog_bucket = $1
			  AND created_at BETWEEN $2 AND $3`,
			bucket, window.NotBefore, window.NotAfter,
		)
		if err != nil {
			return fmt.Errorf("ListWatchdogCandidates query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanJitEvent(rows)
			if err != nil {
				return fmt.Errorf("ListWatchdogCandidates scan error: %w", err)
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	return records, err
}

// InsertAssetRecord writes the per-asset countdown with a "not exists" guard.
func (s *lifecycleStore) InsertAssetRecord(ctx context.Context, record lifecycle.AssetRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", record.TenantID),
		attribute.String("jit_event_id", record.JitEventID),
		attribute.String("asset_id", record.AssetID),
		attribute.Int("total_jobs", record.TotalJobs),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_asset_record", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO jit_event_assets (
				tenant_id, jit_event_id, asset_id, total_jobs, remaining_jobs, created_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.TenantID, record.JitEventID, record.AssetID,
			record.TotalJobs, record.RemainingJobs, record.CreatedAt, record.ExpiresAt,
		)
		if isUniqueViolation(err) {
			return &lifecycle.DuplicateAssetRecordError{
				TenantID:   record.TenantID,
				JitEventID: record.JitEventID,
				AssetID:    record.AssetID,
			}
		}
		if err != nil {
			return fmt.Errorf("InsertAssetRecord insert error: %w", err)
		}
		return nil
	})
}

// DecrementRemainingJobs decrements the job countdown, guarded so redelivery
// cannot underflow it.
func (s *lifecycleStore) DecrementRemainingJobs(ctx context.Context, tenantID, jitEventID, assetID string) (lifecycle.AssetRecord, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("jit_event_id", jitEventID),
		attribute.String("asset_id", assetID),
	)

	var record lifecycle.AssetRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.decrement_remaining_jobs", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			UPDATE jit_event_assets
			SET remaining_jobs = remaining_jobs - 1, modified_at = NOW()
			WHERE tenant_id = $1 AND jit_event_id = $2 AND asset_id = $3
			  AND remaining_jobs > 0
			RETURNING tenant_id, jit_event_id, asset_id, total_jobs, remaining_jobs,
			          created_at, modified_at, expires_at`,
			tenantID, jitEventID, assetID,
		)

		err := row.Scan(
			&record.TenantID, &record.JitEventID, &record.AssetID,
			&record.TotalJobs, &record.RemainingJobs,
			&record.CreatedAt, &record.ModifiedAt, &record.ExpiresAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return &lifecycle.GuardError{
				Op: "decrement_remaining_jobs", TenantID: tenantID, JitEventID: jitEventID, AssetID: assetID,
			}
		}
		if err != nil {
			return fmt.Errorf("DecrementRemainingJobs update error: %w", err)
		}
		return nil
	})
	return record, err
}

// PurgeExpired drops records past their TTL; invoked from a maintenance loop.
func (s *lifecycleStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.purge_expired_lifecycle", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `DELETE FROM jit_event_lifecycle WHERE expires_at < $1`, now)
		if err != nil {
			return fmt.Errorf("purge jit_event_lifecycle error: %w", err)
		}
		purged = tag.RowsAffected()

		tag, err = s.db.Exec(ctx, `DELETE FROM jit_event_assets WHERE expires_at < $1`, now)
		if err != nil {
			return fmt.Errorf("purge jit_event_assets error: %w", err)
		}
		purged += tag.RowsAffected()
		return nil
	})
	return purged, err
}

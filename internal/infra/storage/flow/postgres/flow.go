// Package postgres persists suspended enrichment flow runs keyed by task
// token. Resolution is a conditional UPDATE so a late callback and the
// timeout sweep cannot both resume the same run.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
)

var _ enrichment.FlowRepository = (*flowStore)(nil)

// flowStore implements enrichment.FlowRepository using PostgreSQL as the
// backing store.
type flowStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewFlowStore creates a new PostgreSQL-backed flow run repository with
// tracing capabilities.
func NewFlowStore(pool *pgxpool.Pool, tracer trace.Tracer) *flowStore {
	return &flowStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const flowColumns = `
	task_token, tenant_id, jit_event_id, asset_id, prepare_event,
	status, deadline, created_at, modified_at`

func scanFlowRun(row pgx.Row) (enrichment.FlowRun, error) {
	var run enrichment.FlowRun
	err := row.Scan(
		&run.TaskToken, &run.TenantID, &run.JitEventID, &run.AssetID,
		&run.PrepareEvent, &run.Status, &run.Deadline, &run.CreatedAt, &run.ModifiedAt,
	)
	return run, err
}

// InsertRun persists a newly suspended flow run.
func (s *flowStore) InsertRun(ctx context.Context, run enrichment.FlowRun) error {
	attrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", run.TenantID),
		attribute.String("jit_event_id", run.JitEventID),
		attribute.String("asset_id", run.AssetID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_flow_run", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO enrichment_flow_runs (
				task_token, tenant_id, jit_event_id, asset_id,
				prepare_event, status, deadline, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.TaskToken, run.TenantID, run.JitEventID, run.AssetID,
			run.PrepareEvent, run.Status, run.Deadline, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("InsertRun insert error: %w", err)
		}
		return nil
	})
}

// CompleteRun atomically resolves an awaiting run.
func (s *flowStore) CompleteRun(ctx context.Context, taskToken string) (enrichment.FlowRun, error) {
	var run enrichment.FlowRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_flow_run", defaultDBAttributes, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			UPDATE enrichment_flow_runs
			SET status = $2, modified_at = NOW()
			WHERE task_token = $1 AND status = $3
			RETURNING `+flowColumns,
			taskToken, enrichment.FlowCompleted, enrichment.FlowAwaitingCallback,
		)

		var err error
		run, err = scanFlowRun(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("CompleteRun update error: %w", err)
		}
		return nil
	})
	return run, err
}

// ExpireRuns resolves every awaiting run whose deadline passed.
func (s *flowStore) ExpireRuns(ctx context.Context, now time.Time) ([]enrichment.FlowRun, error) {
	var runs []enrichment.FlowRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.expire_flow_runs", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			UPDATE enrichment_flow_runs
			SET status = $1, modified_at = NOW()
			WHERE status = $2 AND deadline < $3
			RETURNING `+flowColumns,
			enrichment.FlowTimedOut, enrichment.FlowAwaitingCallback, now,
		)
		if err != nil {
			return fmt.Errorf("ExpireRuns update error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanFlowRun(rows)
			if err != nil {
				return fmt.Errorf("ExpireRuns scan error: %w", err)
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	return runs, err
}

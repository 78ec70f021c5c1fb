// Package postgres implements the idempotency guard on a single claims
// table. Claims are conditional inserts; expired rows count as free and are
// reclaimed in place.
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

	"github.com/jitsecurity/trigger-service/internal/domain/idempotency"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
)

var _ idempotency.Guard = (*guardStore)(nil)

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// guardStore implements idempotency.Guard using PostgreSQL as the backing
// store.
type guardStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewGuardStore creates a new PostgreSQL-backed idempotency guard with
// tracing capabilities.
func NewGuardStore(pool *pgxpool.Pool, tracer trace.Tracer) *guardStore {
	return &guardStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// TryClaim attempts to claim key for ttl. The insert-or-reclaim runs as one
// statement so concurrent claimers race on the row, not in the application.
func (s *guardStore) TryClaim(ctx context.Context, key string, ttl time.Duration) (idempotency.Claim, error) {
	attrs := append(defaultDBAttributes, attribute.String("idempotency_key", key))

	var claim idempotency.Claim
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.idempotency_try_claim", attrs, func(ctx context.Context) error {
		now := time.Now().UTC()

		// Claim the key if it is free or its previous claim expired.
		tag, err := s.db.Exec(ctx, `
			INSERT INTO idempotency_records (idempotency_key, status, created_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (idempotency_key) DO UPDATE SET
				status = EXCLUDED.status,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at < $3`,
			key, statusInProgress, now, now.Add(ttl),
		)
		if err != nil {
			return fmt.Errorf("TryClaim upsert error: %w", err)
		}
		if tag.RowsAffected() == 1 {
			claim = idempotency.ClaimFirstEntry
			return nil
		}

		// A live claim exists; report its state.
		var status string
		err = s.db.QueryRow(ctx, `
			SELECT status FROM idempotency_records
			WHERE idempotency_key = $1 AND expires_at >= $2`,
			key, now,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			// The claim expired between the two statements; let the caller retry.
			claim = idempotency.ClaimInProgress
			return nil
		}
		if err != nil {
			return fmt.Errorf("TryClaim status query error: %w", err)
		}

		if status == statusCompleted {
			claim = idempotency.ClaimAlreadyCompleted
		} else {
			claim = idempotency.ClaimInProgress
		}
		return nil
	})
	return claim, err
}

// Commit marks the claimed work as done.
func (s *guardStore) Commit(ctx context.Context, key string) error {
	attrs := append(defaultDBAttributes, attribute.String("idempotency_key", key))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.idempotency_commit", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			UPDATE idempotency_records SET status = $2
			WHERE idempotency_key = $1`,
			key, statusCompleted,
		)
		if err != nil {
			return fmt.Errorf("Commit update error: %w", err)
		}
		return nil
	})
}

// Release frees the key so the work can be retried immediately.
func (s *guardStore) Release(ctx context.Context, key string) error {
	attrs := append(defaultDBAttributes, attribute.String("idempotency_key", key))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.idempotency_release", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE idempotency_key = $1`, key)
		if err != nil {
			return fmt.Errorf("Release delete error: %w", err)
		}
		return nil
	})
}

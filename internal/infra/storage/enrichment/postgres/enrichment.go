// Package postgres persists enrichment results. Full-repo results are
// written twice: an append-only history row and an upserted latest row that
// serves cache lookups.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
)

var _ enrichment.Repository = (*enrichmentStore)(nil)

const (
	kindLatest  = "latest"
	kindHistory = "history"
	kindPR      = "pr"
)

// enrichmentStore implements enrichment.Repository using PostgreSQL as the
// backing store.
type enrichmentStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewEnrichmentStore creates a new PostgreSQL-backed enrichment results
// repository with tracing capabilities.
func NewEnrichmentStore(pool *pgxpool.Pool, tracer trace.Tracer) *enrichmentStore {
	return &enrichmentStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func repoAttributes(key enrichment.RepoKey) []attribute.KeyValue {
	return append(
		defaultDBAttributes,
		attribute.String("tenant_id", key.TenantID),
		attribute.String("vendor", key.Vendor),
		attribute.String("owner", key.Owner),
		attribute.String("repo", key.Repo),
	)
}

// CreateResultsForRepository writes the history row and upserts the latest
// row in one transaction so cache readers never observe a torn write.
func (s *enrichmentStore) CreateResultsForRepository(ctx context.Context, item enrichment.ResultsItem) error {
	key := enrichment.RepoKey{TenantID: item.TenantID, Vendor: item.Vendor, Owner: item.Owner, Repo: item.Repo}

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_enrichment_results", repoAttributes(key), func(ctx context.Context) error {
		results, err := json.Marshal(item.Results)
		if err != nil {
			return fmt.Errorf("marshaling enrichment results: %w", err)
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			INSERT INTO enrichment_results (
				tenant_id, vendor, owner, repo, kind, enrichment_results,
				jit_event_id, jit_event_name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.TenantID, item.Vendor, item.Owner, item.Repo, kindHistory,
			results, item.JitEventID, item.JitEventName, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert history row error: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO enrichment_results (
				tenant_id, vendor, owner, repo, kind, enrichment_results,
				jit_event_id, jit_event_name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, vendor, owner, repo) WHERE kind = 'latest'
			DO UPDATE SET
				enrichment_results = EXCLUDED.enrichment_results,
				jit_event_id = EXCLUDED.jit_event_id,
				jit_event_name = EXCLUDED.jit_event_name,
				created_at = EXCLUDED.created_at`,
			item.TenantID, item.Vendor, item.Owner, item.Repo, kindLatest,
			results, item.JitEventID, item.JitEventName, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert latest row error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// GetLatestResultsForRepository serves the enrichment cache lookup.
func (s *enrichmentStore) GetLatestResultsForRepository(ctx context.Context, key enrichment.RepoKey) (enrichment.ResultsItem, error) {
	var item enrichment.ResultsItem
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_latest_enrichment_results", repoAttributes(key), func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
			SELECT tenant_id, vendor, owner, repo, enrichment_results,
			       jit_event_id, jit_event_name, created_at
			FROM enrichment_results
			WHERE tenant_id = $1 AND vendor = $2 AND owner = $3 AND repo = $4
			  AND kind = 'latest'`,
			key.TenantID, key.Vendor, key.Owner, key.Repo,
		)

		var resultsRaw []byte
		err := row.Scan(
			&item.TenantID, &item.Vendor, &item.Owner, &item.Repo,
			&resultsRaw, &item.JitEventID, &item.JitEventName, &item.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("GetLatestResultsForRepository query error: %w", err)
		}
		if err := json.Unmarshal(resultsRaw, &item.Results); err != nil {
			return fmt.Errorf("unmarshaling enrichment results: %w", err)
		}
		return nil
	})
	return item, err
}

// CreateResultsForPR records a diff-based enrichment outcome for one PR head.
func (s *enrichmentStore) CreateResultsForPR(ctx context.Context, item enrichment.PRResultsItem) error {
	key := enrichment.RepoKey{TenantID: item.TenantID, Vendor: item.Vendor, Owner: item.Owner, Repo: item.Repo}
	attrs := append(repoAttributes(key), attribute.Int("pr_number", item.PRNumber))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_pr_enrichment_results", attrs, func(ctx context.Context) error {
		results, err := json.Marshal(item.Results)
		if err != nil {
			return fmt.Errorf("marshaling enrichment results: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO enrichment_results (
				tenant_id, vendor, owner, repo, kind, pr_number, head_sha,
				enrichment_results, jit_event_id, jit_event_name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			item.TenantID, item.Vendor, item.Owner, item.Repo, kindPR,
			item.PRNumber, item.HeadSHA, results,
			item.JitEventID, item.JitEventName, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("CreateResultsForPR insert error: %w", err)
		}
		return nil
	})
}

// Package enrichment models cached enrichment results: the languages,
// frameworks and similar attributes discovered on a repository, keyed so
// later jit events can reuse them instead of re-running the enrich control.
package enrichment

import (
	"context"
	"time"
)

// Results maps enrichment attribute names to discovered values.
type Results map[string][]string

// ResultsItem is one enrichment result for a whole repository.
type ResultsItem struct {
	TenantID     string    `json:"tenant_id"`
	Vendor       string    `json:"vendor"`
	Owner        string    `json:"owner"`
	Repo         string    `json:"repo"`
	Results      Results   `json:"enrichment_results"`
	JitEventID   string    `json:"jit_event_id"`
	JitEventName string    `json:"jit_event_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// PRResultsItem is an enrichment result scoped to one pull request head.
type PRResultsItem struct {
	ResultsItem

	PRNumber int    `json:"pr_number"`
	HeadSHA  string `json:"head_sha"`
}

// CompletedEvent is the enrichment-completed callback consumed by the
// state-machine driver. The task token routes the results back to the
// waiting flow.
type CompletedEvent struct {
	TenantID   string  `json:"tenant_id"`
	JitEventID string  `json:"jit_event_id"`
	AssetID    string  `json:"asset_id"`
	TaskToken  string  `json:"task_token"`
	Results    Results `json:"enrichment_results,omitempty"`
	Status     string  `json:"status,omitempty"`
}

// RepoKey identifies the repository an enrichment result belongs to.
type RepoKey struct {
	TenantID string
	Vendor   string
	Owner    string
	Repo     string
}

// Repository is the persistence port for enrichment results. Full-repo
// results are written twice: an immutable history row and an overwritable
// "latest" row serving cache lookups.
type Repository interface {
	// CreateResultsForRepository writes both the history and latest rows.
	CreateResultsForRepository(ctx context.Context, item ResultsItem) error
	// GetLatestResultsForRepository serves the cache lookup;
	// storage.ErrNotFound when the repository was never enriched.
	GetLatestResultsForRepository(ctx context.Context, key RepoKey) (ResultsItem, error)
	// CreateResultsForPR records a diff-based enrichment outcome.
	CreateResultsForPR(ctx context.Context, item PRResultsItem) error
}

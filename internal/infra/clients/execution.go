package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// ExecutionClient reads executions from the execution service.
type ExecutionClient struct{ api *apiClient }

// NewExecutionClient builds the execution service facade.
func NewExecutionClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *ExecutionClient {
	return &ExecutionClient{api: newAPIClient(cfg.ExecutionServiceURL, "execution", cfg.Timeout, tracer, log)}
}

// executionsPage is one page of the executions listing.
type executionsPage struct {
	Executions []execution.Execution `json:"executions"`
	LastKey    *string               `json:"last_evaluated_key,omitempty"`
}

// GetExecutions walks the paged executions listing matching the filters.
func (c *ExecutionClient) GetExecutions(ctx context.Context, apiToken string, filters execution.GetExecutionsFilters) ([]execution.Execution, error) {
	var executions []execution.Execution
	startKey := filters.StartKey

	for {
		query := url.Values{}
		if filters.Status != "" {
			query.Set("status", string(filters.Status))
		}
		if filters.PlanItemSlug != "" {
			query.Set("plan_item_slug", filters.PlanItemSlug)
		}
		if filters.JitEventID != "" {
			query.Set("jit_event_id", filters.JitEventID)
		}
		if filters.AssetID != "" {
			query.Set("asset_id", filters.AssetID)
		}
		if filters.JobName != "" {
			query.Set("job_name", filters.JobName)
		}
		if filters.Limit > 0 {
			query.Set("limit", strconv.Itoa(filters.Limit))
		}
		if startKey != "" {
			query.Set("start_key", startKey)
		}

		var page executionsPage
		if err := c.api.doJSON(ctx, http.MethodGet, "/executions", apiToken, query, nil, &page); err != nil {
			return nil, fmt.Errorf("listing executions: %w", err)
		}

		executions = append(executions, page.Executions...)
		if page.LastKey == nil || *page.LastKey == "" {
			return executions, nil
		}
		startKey = *page.LastKey
	}
}

package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// PlanClient reads plans, scopes and tenant files from the plan service.
type PlanClient struct{ api *apiClient }

// NewPlanClient builds the plan service facade.
func NewPlanClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *PlanClient {
	return &PlanClient{api: newAPIClient(cfg.PlanServiceURL, "plan", cfg.Timeout, tracer, log)}
}

// GetFullPlan fetches the resolved plan for the tenant behind the token.
func (c *PlanClient) GetFullPlan(ctx context.Context, apiToken, planSlug string) (plan.FullPlan, error) {
	var fullPlan plan.FullPlan
	path := fmt.Sprintf("/plan/%s/full", planSlug)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &fullPlan); err != nil {
		return plan.FullPlan{}, fmt.Errorf("getting full plan %s: %w", planSlug, err)
	}
	return fullPlan, nil
}

// GetPlanItemsScopes lists the plan items affected by one (workflow, job)
// pair.
func (c *PlanClient) GetPlanItemsScopes(ctx context.Context, apiToken, workflowSlug, jobName string) ([]plan.PlanItemScope, error) {
	var scopes []plan.PlanItemScope
	query := url.Values{
		"workflow_slug": []string{workflowSlug},
		"job_name":      []string{jobName},
	}
	if err := c.api.doJSON(ctx, http.MethodGet, "/plan-items/scopes", apiToken, query, nil, &scopes); err != nil {
		return nil, fmt.Errorf("getting plan item scopes for %s/%s: %w", workflowSlug, jobName, err)
	}
	return scopes, nil
}

// GetConfigurationFile fetches the tenant's jit-config content.
func (c *PlanClient) GetConfigurationFile(ctx context.Context, apiToken, tenantID string) (map[string]any, error) {
	var content map[string]any
	path := fmt.Sprintf("/configuration-file/tenant/%s", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &content); err != nil {
		return nil, fmt.Errorf("getting configuration file for tenant %s: %w", tenantID, err)
	}
	return content, nil
}

// GetIntegrationFile fetches the tenant's integrations content.
func (c *PlanClient) GetIntegrationFile(ctx context.Context, apiToken, tenantID string) (map[string]any, error) {
	var content map[string]any
	path := fmt.Sprintf("/integration-file/tenant/%s", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &content); err != nil {
		return nil, fmt.Errorf("getting integration file for tenant %s: %w", tenantID, err)
	}
	return content, nil
}

// CentralizedRepoFilesMetadata locates the tenant's centralized config repo
// files for the runner.
type CentralizedRepoFilesMetadata struct {
	CentralizedRepoFilesLocation string `json:"centralized_repo_files_location"`
	CIWorkflowFilesPath          string `json:"ci_workflow_files_path"`
}

// GetCentralizedRepoFilesMetadata fetches the centralized repo pointers.
func (c *PlanClient) GetCentralizedRepoFilesMetadata(ctx context.Context, apiToken, tenantID string) (CentralizedRepoFilesMetadata, error) {
	var metadata CentralizedRepoFilesMetadata
	path := fmt.Sprintf("/centralized-repo-files-metadata/tenant/%s", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &metadata); err != nil {
		return CentralizedRepoFilesMetadata{}, fmt.Errorf("getting centralized repo metadata for tenant %s: %w", tenantID, err)
	}
	return metadata, nil
}

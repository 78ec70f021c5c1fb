package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// SCMClient reads source-control data through the platform's SCM service.
type SCMClient struct{ api *apiClient }

// NewSCMClient builds the SCM service facade.
func NewSCMClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *SCMClient {
	return &SCMClient{api: newAPIClient(cfg.SCMServiceURL, "scm", cfg.Timeout, tracer, log)}
}

// GetPRChangeList lists the file paths changed by a pull request.
func (c *SCMClient) GetPRChangeList(ctx context.Context, apiToken, vendor, owner, repo string, prNumber int) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	path := fmt.Sprintf("/pull-request/%s/%d/files", repo, prNumber)
	query := url.Values{
		"vendor": []string{vendor},
		"owner":  []string{owner},
	}
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting change list for %s/%s#%d: %w", owner, repo, prNumber, err)
	}
	return resp.Files, nil
}

package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// Feature flags this service evaluates.
const (
	FlagStopExecutionsOnGithubOutage = "stop-executions-on-github-outage"
	FlagAllowControlledPRChecks      = "allow-controlled-pr-checks"
	FlagFetchJitEventResources       = "fetch-jit-event-resources"
)

// FeatureFlagClient evaluates feature flags per call; flag state is never
// cached so toggles apply to the next event.
type FeatureFlagClient struct{ api *apiClient }

// NewFeatureFlagClient builds the feature flag facade.
func NewFeatureFlagClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *FeatureFlagClient {
	return &FeatureFlagClient{api: newAPIClient(cfg.FeatureFlagServiceURL, "feature-flags", cfg.Timeout, tracer, log)}
}

// IsEnabled evaluates the flag for the tenant. Evaluation failures fall back
// to the provided default so a flag service outage never stalls the pipeline.
func (c *FeatureFlagClient) IsEnabled(ctx context.Context, flag, tenantID string, defaultValue bool) bool {
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	path := fmt.Sprintf("/flags/%s/evaluate", flag)
	query := url.Values{"tenant_id": []string{tenantID}}
	if err := c.api.doJSON(ctx, http.MethodGet, path, "", query, nil, &resp); err != nil {
		c.api.logger.Warn(ctx, "feature flag evaluation failed, using default",
			"flag", flag, "tenant_id", tenantID, "default", defaultValue, "error", err)
		return defaultValue
	}
	return resp.Enabled
}

// FlagEvaluator is the subset of FeatureFlagClient the app services depend on.
type FlagEvaluator interface {
	IsEnabled(ctx context.Context, flag, tenantID string, defaultValue bool) bool
}

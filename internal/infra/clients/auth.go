package clients

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// AuthClient fetches tenant-scoped API tokens from the authentication
// service. Every other facade call is made with one of these tokens.
type AuthClient struct{ api *apiClient }

// NewAuthClient builds the authentication service facade.
func NewAuthClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *AuthClient {
	return &AuthClient{api: newAPIClient(cfg.AuthServiceURL, "authentication", cfg.Timeout, tracer, log)}
}

// GetAPIToken mints a service token for the tenant.
func (c *AuthClient) GetAPIToken(ctx context.Context, tenantID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/internal/token/%s", tenantID)
	if err := c.api.doJSON(ctx, http.MethodPost, path, "", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("getting api token for tenant %s: %w", tenantID, err)
	}
	return resp.Token, nil
}

// TokenProvider is the subset of AuthClient the app services depend on.
type TokenProvider interface {
	GetAPIToken(ctx context.Context, tenantID string) (string, error)
}

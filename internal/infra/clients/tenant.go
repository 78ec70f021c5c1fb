package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// TenantClient reads installations, preferences and teams from the tenant
// service.
type TenantClient struct{ api *apiClient }

// NewTenantClient builds the tenant service facade.
func NewTenantClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *TenantClient {
	return &TenantClient{api: newAPIClient(cfg.TenantServiceURL, "tenant", cfg.Timeout, tracer, log)}
}

// GetInstallations lists every installation of the tenant.
func (c *TenantClient) GetInstallations(ctx context.Context, apiToken, tenantID string) ([]tenant.Installation, error) {
	var installations []tenant.Installation
	path := fmt.Sprintf("/tenant/%s/installations", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &installations); err != nil {
		return nil, fmt.Errorf("getting installations for tenant %s: %w", tenantID, err)
	}
	return installations, nil
}

// GetInstallation resolves one installation by vendor and vendor-side id.
// storage.ErrNotFound when no such installation exists.
func (c *TenantClient) GetInstallation(ctx context.Context, apiToken, vendor, installationID string) (tenant.Installation, error) {
	var installation tenant.Installation
	path := fmt.Sprintf("/installation/vendor/%s/installation-id/%s", vendor, installationID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &installation); err != nil {
		return tenant.Installation{}, fmt.Errorf("getting installation %s/%s: %w", vendor, installationID, err)
	}
	return installation, nil
}

// GetPreferences fetches the tenant preferences this service reads.
func (c *TenantClient) GetPreferences(ctx context.Context, apiToken, tenantID string) (tenant.Preferences, error) {
	var prefs tenant.Preferences
	path := fmt.Sprintf("/tenant/%s/preferences", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &prefs); err != nil {
		return tenant.Preferences{}, fmt.Errorf("getting preferences for tenant %s: %w", tenantID, err)
	}
	return prefs, nil
}

// teamsPage is one page of the teams listing.
type teamsPage struct {
	Teams    []tenant.Team `json:"teams"`
	NextPage *string       `json:"next_page,omitempty"`
}

// ListTeamsWithPRCheckEnabled walks the paged teams listing filtered to
// teams with PR checks enabled.
func (c *TenantClient) ListTeamsWithPRCheckEnabled(ctx context.Context, apiToken string) ([]tenant.Team, error) {
	var teams []tenant.Team
	var cursor *string

	for {
		query := url.Values{"is_pr_check_enabled": []string{strconv.FormatBool(true)}}
		if cursor != nil {
			query.Set("page", *cursor)
		}

		var page teamsPage
		if err := c.api.doJSON(ctx, http.MethodGet, "/teams", apiToken, query, nil, &page); err != nil {
			return nil, fmt.Errorf("listing teams: %w", err)
		}

		teams = append(teams, page.Teams...)
		if page.NextPage == nil || *page.NextPage == "" {
			return teams, nil
		}
		cursor = page.NextPage
	}
}

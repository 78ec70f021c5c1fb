package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// AssetClient reads assets from the asset service.
type AssetClient struct{ api *apiClient }

// NewAssetClient builds the asset service facade.
func NewAssetClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *AssetClient {
	return &AssetClient{api: newAPIClient(cfg.AssetServiceURL, "asset", cfg.Timeout, tracer, log)}
}

// GetAllAssets lists every asset of the tenant.
func (c *AssetClient) GetAllAssets(ctx context.Context, apiToken, tenantID string) ([]tenant.Asset, error) {
	var assets []tenant.Asset
	path := fmt.Sprintf("/assets/tenant/%s", tenantID)
	if err := c.api.doJSON(ctx, http.MethodGet, path, apiToken, nil, nil, &assets); err != nil {
		return nil, fmt.Errorf("getting assets for tenant %s: %w", tenantID, err)
	}
	return assets, nil
}

// GetAssetsByIDs fetches the listed assets.
func (c *AssetClient) GetAssetsByIDs(ctx context.Context, apiToken string, assetIDs []string) ([]tenant.Asset, error) {
	var assets []tenant.Asset
	body := map[string][]string{"asset_ids": assetIDs}
	if err := c.api.doJSON(ctx, http.MethodPost, "/assets/by-ids", apiToken, nil, body, &assets); err != nil {
		return nil, fmt.Errorf("getting assets by ids: %w", err)
	}
	return assets, nil
}

// GetAssetByRepoAttributes resolves the asset backing a repository webhook.
// storage.ErrNotFound when the repository is not onboarded.
func (c *AssetClient) GetAssetByRepoAttributes(ctx context.Context, apiToken, assetType, vendor, owner, name string) (tenant.Asset, error) {
	var asset tenant.Asset
	query := url.Values{
		"asset_type": []string{assetType},
		"vendor":     []string{vendor},
		"owner":      []string{owner},
		"asset_name": []string{name},
	}
	if err := c.api.doJSON(ctx, http.MethodGet, "/asset", apiToken, query, nil, &asset); err != nil {
		return tenant.Asset{}, fmt.Errorf("getting asset %s/%s/%s: %w", vendor, owner, name, err)
	}
	return asset, nil
}

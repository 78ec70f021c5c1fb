// Package tenant models the externally-owned tenant entities this service
// consumes: assets, installations and tenant preferences.
package tenant

// Asset types recognized by the platform.
const (
	AssetTypeRepo         = "repo"
	AssetTypeOrganization = "org"
	AssetTypeAWSAccount   = "aws_account"
	AssetTypeGCPAccount   = "gcp_account"
	AssetTypeAzureAccount = "azure_account"
	AssetTypeWeb          = "web"
	AssetTypeAPI          = "api"
)

// Vendors recognized for SCM installations.
const (
	VendorGitHub = "github"
	VendorGitLab = "gitlab"
	VendorAWS    = "aws"
)

// AssetTypesWithInstallations are the asset types that are unusable without a
// matching vendor installation.
var AssetTypesWithInstallations = map[string]struct{}{
	AssetTypeRepo:         {},
	AssetTypeAWSAccount:   {},
	AssetTypeOrganization: {},
}

// Tag is a user-defined label on an asset.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Asset is a thing to scan. Owned by the asset service; treated read-only here.
type Asset struct {
	AssetID          string   `json:"asset_id"`
	TenantID         string   `json:"tenant_id"`
	AssetType        string   `json:"asset_type"`
	Vendor           string   `json:"vendor"`
	Owner            string   `json:"owner"`
	AssetName        string   `json:"asset_name"`
	Environment      string   `json:"environment,omitempty"`
	IsActive         bool     `json:"is_active"`
	IsCovered        bool     `json:"is_covered"`
	Teams            []string `json:"teams,omitempty"`
	IsPRCheckEnabled *bool    `json:"is_pr_check_enabled,omitempty"`
	Tags             []Tag    `json:"tags,omitempty"`
	AWSAccountID     string   `json:"aws_account_id,omitempty"`
}

// RequiresInstallation reports whether this asset's type needs a vendor
// installation to be scannable.
func (a Asset) RequiresInstallation() bool {
	_, ok := AssetTypesWithInstallations[a.AssetType]
	return ok
}

// CentralizedRepoAsset points at the vendor-side repository backing an
// installation (e.g. the ".jit" config repo).
type CentralizedRepoAsset struct {
	AssetID   string `json:"asset_id"`
	AssetName string `json:"asset_name"`
	Owner     string `json:"owner"`
}

// Installation binds a tenant to a vendor (GitHub app install, AWS role, ...).
type Installation struct {
	InstallationID       string                `json:"installation_id"`
	TenantID             string                `json:"tenant_id"`
	Vendor               string                `json:"vendor"`
	Owner                string                `json:"owner"`
	AppID                string                `json:"app_id"`
	IsActive             bool                  `json:"is_active"`
	CentralizedRepoAsset *CentralizedRepoAsset `json:"centralized_repo_asset,omitempty"`
}

// HasValidSCMInstallation reports whether any installation is an active SCM
// install with a centralized repo asset. A tenant without one cannot run
// code-related workflows at all.
func HasValidSCMInstallation(installations []Installation) bool {
	for _, inst := range installations {
		isSCM := inst.Vendor == VendorGitHub || inst.Vendor == VendorGitLab
		if isSCM && inst.IsActive &&
			inst.CentralizedRepoAsset != nil && inst.CentralizedRepoAsset.AssetName != "" {
			return true
		}
	}
	return false
}

// PRCheckPreference is the tenant-level override for PR checks.
type PRCheckPreference struct {
	IsEnabled *bool `json:"is_enabled,omitempty"`
}

// DeploymentPreference lists the environments whose deployments trigger
// scans.
type DeploymentPreference struct {
	Environments []string `json:"environments,omitempty"`
}

// AllowsEnvironment reports whether deployments to env should trigger scans.
func (p *DeploymentPreference) AllowsEnvironment(env string) bool {
	if p == nil {
		return true
	}
	for _, e := range p.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Preferences is the subset of tenant preferences this service reads.
type Preferences struct {
	PRCheck    *PRCheckPreference    `json:"pr_check,omitempty"`
	Deployment *DeploymentPreference `json:"deployment,omitempty"`
}

// Team is a tenant team; the PR-check gate consults team-level enablement.
type Team struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	IsPRCheckEnabled bool   `json:"is_pr_check_enabled"`
}

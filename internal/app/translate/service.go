// Package translate turns raw SCM webhook events into normalized jit events
// and hands them to the orchestration pipeline. It is the only place that
// understands vendor webhook shapes; everything downstream sees jit events.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/idempotency"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// rerunClaimTTL bounds how long a check-suite rerun stays deduplicated.
const rerunClaimTTL = 30 * time.Second

// ErrInstallationNotFound indicates a webhook whose installation is unknown
// to the tenant service; these events cannot be attributed to a tenant.
var ErrInstallationNotFound = errors.New("installation not found for webhook event")

// TenantAPI is the slice of the tenant service the translator uses.
type TenantAPI interface {
	GetInstallation(ctx context.Context, apiToken, vendor, installationID string) (tenant.Installation, error)
	GetPreferences(ctx context.Context, apiToken, tenantID string) (tenant.Preferences, error)
	ListTeamsWithPRCheckEnabled(ctx context.Context, apiToken string) ([]tenant.Team, error)
}

// AssetAPI resolves the repository asset behind a webhook.
type AssetAPI interface {
	GetAssetByRepoAttributes(ctx context.Context, apiToken, assetType, vendor, owner, name string) (tenant.Asset, error)
}

// Service translates webhook events. It consumes handle-event payloads and
// publishes handle-jit-event payloads keyed by tenant.
type Service struct {
	publisher events.DomainEventPublisher
	auth      clients.TokenProvider
	tenants   TenantAPI
	assets    AssetAPI
	flags     clients.FlagEvaluator
	guard     idempotency.Guard

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the translation service.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	tenants TenantAPI,
	assets AssetAPI,
	flags clients.FlagEvaluator,
	guard idempotency.Guard,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher: publisher,
		auth:      auth,
		tenants:   tenants,
		assets:    assets,
		flags:     flags,
		guard:     guard,
		logger:    log.With("component", "translate"),
		tracer:    tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{events.EventTypeHandleEvent}
}

// HandleEvent implements events.EventHandler for handle-event payloads.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	webhook, ok := evt.Payload.(*trigger.WebhookEvent)
	if !ok {
		err := fmt.Errorf("expected *trigger.WebhookEvent payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	if err := s.TranslateWebhookEvent(ctx, webhook); err != nil {
		ack(err)
		return err
	}
	ack(nil)
	return nil
}

// TranslateWebhookEvent classifies, resolves and publishes one webhook event.
// Unhandled event types and filtered events are dropped without error.
func (s *Service) TranslateWebhookEvent(ctx context.Context, webhook *trigger.WebhookEvent) error {
	ctx, span := s.tracer.Start(ctx, "translate.webhook_event")
	defer span.End()

	kind, ok := trigger.ClassifyWebhookEventType(webhook.EventType)
	if !ok {
		s.logger.Info(ctx, "no webhook class for event type, dropping", "event_type", webhook.EventType)
		return nil
	}
	if len(webhook.WebhookBodyJSON) == 0 {
		s.logger.Info(ctx, "webhook event has no body, dropping", "event_type", webhook.EventType)
		return nil
	}

	body, err := trigger.ParseWebhookBody(kind, webhook.WebhookBodyJSON)
	if err != nil {
		return fmt.Errorf("parsing webhook body: %w", err)
	}

	installation, err := s.getInstallation(ctx, webhook.Vendor, body)
	if err != nil {
		return err
	}

	jitEvent, err := s.createJitEvent(ctx, kind, webhook.EventType, body, installation)
	if err != nil {
		return err
	}
	if jitEvent == nil {
		return nil
	}

	common := jitEvent.Common()
	s.logger.Info(ctx, "dispatching jit event for handling",
		"tenant_id", common.TenantID,
		"jit_event_id", common.JitEventID,
		"jit_event_name", common.JitEventName)

	return s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      events.EventTypeHandleJitEvent,
		Key:       common.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   jitEvent,
	})
}

func (s *Service) getInstallation(ctx context.Context, vendor string, body trigger.WebhookBody) (tenant.Installation, error) {
	installationID, ok := body.InstallationID()
	if !ok {
		return tenant.Installation{}, ErrInstallationNotFound
	}

	installation, err := s.tenants.GetInstallation(ctx, "", vendor, strconv.FormatInt(installationID, 10))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return tenant.Installation{}, fmt.Errorf("%w: installation_id=%d vendor=%s",
				ErrInstallationNotFound, installationID, vendor)
		}
		return tenant.Installation{}, fmt.Errorf("resolving installation: %w", err)
	}
	return installation, nil
}

// createJitEvent builds the jit event variant for the webhook class. A nil
// event with nil error means the webhook was intentionally filtered.
func (s *Service) createJitEvent(
	ctx context.Context,
	kind trigger.WebhookKind,
	eventType string,
	body trigger.WebhookBody,
	installation tenant.Installation,
) (trigger.JitEvent, error) {
	switch b := body.(type) {
	case *trigger.PullRequestWebhookBody:
		return s.createPullRequestJitEvent(ctx, eventType, b, installation)
	case *trigger.DeploymentWebhookBody:
		return s.createDeploymentJitEvent(ctx, b, installation)
	case *trigger.RerunWebhookBody:
		return s.createRerunJitEvent(ctx, b, b.CheckSuite, installation)
	case *trigger.SingleCheckRerunWebhookBody:
		if b.CheckRun.CheckSuite == nil {
			s.logger.Warn(ctx, "single check rerun without check suite, dropping")
			return nil, nil
		}
		return s.createRerunJitEvent(ctx, b, *b.CheckRun.CheckSuite, installation)
	default:
		return nil, fmt.Errorf("no jit event creator for webhook kind %q", kind)
	}
}

// jitEventNameForPullRequest maps PR webhook actions to jit event names.
// Closed PRs only count when they merged into the default branch.
func jitEventNameForPullRequest(eventType string, body *trigger.PullRequestWebhookBody) (trigger.JitEventName, bool) {
	switch eventType {
	case trigger.WebhookEventPullRequestOpened:
		return trigger.JitEventNamePullRequestCreated, true
	case trigger.WebhookEventPullRequestSynchronize:
		return trigger.JitEventNamePullRequestUpdated, true
	case trigger.WebhookEventPullRequestClosed:
		if body.PullRequest.Base == nil {
			return "", false
		}
		merged := body.PullRequest.Merged
		baseIsDefault := body.Repository.DefaultBranch == body.PullRequest.Base.Ref
		if merged && baseIsDefault {
			return trigger.JitEventNameMergeDefaultBranch, true
		}
	}
	return "", false
}

func (s *Service) createPullRequestJitEvent(
	ctx context.Context,
	eventType string,
	body *trigger.PullRequestWebhookBody,
	installation tenant.Installation,
) (trigger.JitEvent, error) {
	jitEventName, ok := jitEventNameForPullRequest(eventType, body)
	if !ok {
		s.logger.Info(ctx, "unhandled pull request event, dropping", "event_type", eventType)
		return nil, nil
	}

	apiToken, err := s.auth.GetAPIToken(ctx, installation.TenantID)
	if err != nil {
		return nil, fmt.Errorf("getting api token: %w", err)
	}

	assetID, err := s.resolveRepoAssetID(ctx, apiToken, body, installation, true)
	if err != nil || assetID == "" {
		return nil, err
	}

	if installation.CentralizedRepoAsset == nil {
		s.logger.Warn(ctx, "installation has no centralized repo asset, dropping",
			"installation_id", installation.InstallationID)
		return nil, nil
	}

	pr := body.PullRequest
	prNumber := strconv.Itoa(pr.Number)
	headSHA := pr.Head.SHA
	baseSHA := ""
	if pr.Base != nil {
		baseSHA = pr.Base.SHA
	}

	// A merge to the default branch scans the base branch; everything else
	// scans the head branch.
	branch := pr.Head.Ref
	if jitEventName == trigger.JitEventNameMergeDefaultBranch && pr.Base != nil {
		branch = pr.Base.Ref
	}

	return &trigger.CodeRelatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     installation.TenantID,
			JitEventID:   uuid.NewString(),
			JitEventName: jitEventName,
		},
		Vendor:                   installation.Vendor,
		Owner:                    installation.Owner,
		OriginalRepository:       body.Repository.Name,
		AssetID:                  assetID,
		PullRequestNumber:        &prNumber,
		PullRequestTitle:         &pr.Title,
		Commits:                  trigger.Commits{HeadSHA: &headSHA, BaseSHA: baseSHA},
		InstallationID:           installation.InstallationID,
		AppID:                    installation.AppID,
		Branch:                   branch,
		SourceBranch:             pr.Head.Ref,
		Languages:                []string{},
		CentralizedRepoAssetID:   installation.CentralizedRepoAsset.AssetID,
		CentralizedRepoAssetName: installation.CentralizedRepoAsset.AssetName,
		UserVendorID:             strconv.FormatInt(body.Sender.ID, 10),
		UserVendorName:           body.Sender.Login,
		URL:                      pr.HTMLURL,
		CreatedAt:                pr.CreatedAt,
		UpdatedAt:                pr.UpdatedAt,
	}, nil
}

func (s *Service) createDeploymentJitEvent(
	ctx context.Context,
	body *trigger.DeploymentWebhookBody,
	installation tenant.Installation,
) (trigger.JitEvent, error) {
	apiToken, err := s.auth.GetAPIToken(ctx, installation.TenantID)
	if err != nil {
		return nil, fmt.Errorf("getting api token: %w", err)
	}

	assetID, err := s.resolveRepoAssetID(ctx, apiToken, body, installation, false)
	if err != nil || assetID == "" {
		return nil, err
	}

	prefs, err := s.tenants.GetPreferences(ctx, apiToken, installation.TenantID)
	if err != nil {
		s.logger.Warn(ctx, "failed to get tenant preferences, allowing deployment",
			"tenant_id", installation.TenantID, "error", err)
	} else if !prefs.Deployment.AllowsEnvironment(body.Deployment.Environment) {
		s.logger.Info(ctx, "deployment environment not configured for scans, dropping",
			"environment", body.Deployment.Environment)
		return nil, nil
	}

	headSHA := body.Deployment.SHA
	return &trigger.DeploymentJitEvent{
		CodeRelatedJitEvent: trigger.CodeRelatedJitEvent{
			CommonJitEvent: trigger.CommonJitEvent{
				TenantID:     installation.TenantID,
				JitEventID:   uuid.NewString(),
				JitEventName: trigger.JitEventNameNonProductionDeployment,
			},
			Vendor:             installation.Vendor,
			Owner:              body.Repository.Owner.Login,
			OriginalRepository: body.Repository.Name,
			AssetID:            assetID,
			PullRequestNumber:  nil,
			Commits:            trigger.Commits{HeadSHA: &headSHA},
			InstallationID:     installation.InstallationID,
			AppID:              installation.AppID,
			Branch:             body.Deployment.Ref,
			UserVendorID:       strconv.FormatInt(body.Sender.ID, 10),
			UserVendorName:     body.Sender.Login,
			CreatedAt:          body.Deployment.CreatedAt,
		},
		Environment:    body.Deployment.Environment,
		DeploymentID:   strconv.FormatInt(body.Deployment.ID, 10),
		DeploymentType: "non_production",
	}, nil
}

func (s *Service) createRerunJitEvent(
	ctx context.Context,
	body trigger.WebhookBody,
	checkSuite trigger.CheckSuite,
	installation tenant.Installation,
) (trigger.JitEvent, error) {
	if len(checkSuite.PullRequests) == 0 {
		s.logger.Info(ctx, "rerun check suite has no pull requests, dropping",
			"check_suite_id", checkSuite.ID)
		return nil, nil
	}

	key, err := idempotency.KeyFromPayload("rerun-jit-event", checkSuite)
	if err != nil {
		return nil, err
	}
	claim, err := s.guard.TryClaim(ctx, key, rerunClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claiming rerun idempotency key: %w", err)
	}
	if claim != idempotency.ClaimFirstEntry {
		s.logger.Info(ctx, "rerun already handled inside the dedup window, dropping",
			"check_suite_id", checkSuite.ID, "claim", string(claim))
		return nil, nil
	}

	jitEvent, err := s.buildRerunJitEvent(ctx, body, checkSuite, installation)
	if err != nil {
		if releaseErr := s.guard.Release(ctx, key); releaseErr != nil {
			s.logger.Warn(ctx, "failed to release rerun idempotency key", "error", releaseErr)
		}
		return nil, err
	}
	if err := s.guard.Commit(ctx, key); err != nil {
		return nil, fmt.Errorf("committing rerun idempotency key: %w", err)
	}
	return jitEvent, nil
}

func (s *Service) buildRerunJitEvent(
	ctx context.Context,
	body trigger.WebhookBody,
	checkSuite trigger.CheckSuite,
	installation tenant.Installation,
) (trigger.JitEvent, error) {
	apiToken, err := s.auth.GetAPIToken(ctx, installation.TenantID)
	if err != nil {
		return nil, fmt.Errorf("getting api token: %w", err)
	}

	assetID, err := s.resolveRepoAssetID(ctx, apiToken, body, installation, false)
	if err != nil || assetID == "" {
		return nil, err
	}

	pr := checkSuite.PullRequests[0]
	prNumber := strconv.Itoa(pr.Number)
	prTitle := "Rerun PR " + prNumber
	headSHA := pr.Head.SHA

	event := &trigger.CodeRelatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     installation.TenantID,
			JitEventID:   uuid.NewString(),
			JitEventName: trigger.JitEventNamePullRequestUpdated,
		},
		Vendor:             installation.Vendor,
		Owner:              installation.Owner,
		OriginalRepository: body.Repo().Name,
		AssetID:            assetID,
		PullRequestNumber:  &prNumber,
		PullRequestTitle:   &prTitle,
		Commits:            trigger.Commits{HeadSHA: &headSHA, BaseSHA: pr.Base.SHA},
		InstallationID:     installation.InstallationID,
		AppID:              installation.AppID,
		Branch:             pr.Head.Ref,
		Languages:          []string{},
		UserVendorID:       strconv.FormatInt(body.WebhookSender().ID, 10),
		UserVendorName:     body.WebhookSender().Login,
	}
	if installation.CentralizedRepoAsset != nil {
		event.CentralizedRepoAssetID = installation.CentralizedRepoAsset.AssetID
		event.CentralizedRepoAssetName = installation.CentralizedRepoAsset.AssetName
	}
	return event, nil
}

// resolveRepoAssetID finds the repository asset and applies the coverage and
// PR-check gates. An empty id with nil error means the asset was filtered.
func (s *Service) resolveRepoAssetID(
	ctx context.Context,
	apiToken string,
	body trigger.WebhookBody,
	installation tenant.Installation,
	gatePRChecks bool,
) (string, error) {
	repoName := body.Repo().Name
	asset, err := s.assets.GetAssetByRepoAttributes(ctx, apiToken,
		tenant.AssetTypeRepo, installation.Vendor, installation.Owner, repoName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn(ctx, "asset not found for repository, dropping",
				"tenant_id", installation.TenantID, "repo", repoName)
			return "", nil
		}
		return "", fmt.Errorf("resolving repo asset: %w", err)
	}

	if gatePRChecks && !s.shouldScanAsset(ctx, apiToken, asset) {
		s.logger.Info(ctx, "pr checks not enabled for asset, dropping",
			"tenant_id", installation.TenantID, "asset_id", asset.AssetID)
		return "", nil
	}

	if !asset.IsCovered {
		s.logger.Info(ctx, "asset is not covered, dropping",
			"tenant_id", installation.TenantID, "asset_id", asset.AssetID)
		return "", nil
	}
	return asset.AssetID, nil
}

// shouldScanAsset evaluates the controlled PR-check gate: tenant preference
// first, then team-level enablement, then the asset's own flag. The gate only
// applies when the controlled-checks flag is on for the tenant.
func (s *Service) shouldScanAsset(ctx context.Context, apiToken string, asset tenant.Asset) bool {
	if !s.flags.IsEnabled(ctx, clients.FlagAllowControlledPRChecks, asset.TenantID, false) {
		return true
	}

	if enabled, ok := s.prChecksEnabledForTenant(ctx, apiToken, asset.TenantID); ok {
		return enabled
	}
	if s.prChecksEnabledForTeam(ctx, apiToken, asset.Teams) {
		return true
	}
	if asset.IsPRCheckEnabled != nil && *asset.IsPRCheckEnabled {
		return true
	}
	return false
}

func (s *Service) prChecksEnabledForTenant(ctx context.Context, apiToken, tenantID string) (enabled, configured bool) {
	prefs, err := s.tenants.GetPreferences(ctx, apiToken, tenantID)
	if err != nil {
		s.logger.Error(ctx, "failed to get tenant preferences", "tenant_id", tenantID, "error", err)
		return false, false
	}
	if prefs.PRCheck == nil || prefs.PRCheck.IsEnabled == nil {
		return false, false
	}
	return *prefs.PRCheck.IsEnabled, true
}

func (s *Service) prChecksEnabledForTeam(ctx context.Context, apiToken string, assetTeams []string) bool {
	if len(assetTeams) == 0 {
		return false
	}
	teams, err := s.tenants.ListTeamsWithPRCheckEnabled(ctx, apiToken)
	if err != nil {
		s.logger.Error(ctx, "failed to list teams", "error", err)
		return false
	}

	names := make(map[string]struct{}, len(assetTeams))
	for _, t := range assetTeams {
		names[t] = struct{}{}
	}
	for _, team := range teams {
		if _, ok := names[team.Name]; ok && team.IsPRCheckEnabled {
			return true
		}
	}
	return false
}

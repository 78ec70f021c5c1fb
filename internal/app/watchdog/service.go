// Package watchdog inspects PR-related lifecycle records that have been
// sitting long enough to be suspicious. Healthy, obsolete and unobservable
// records leave the watchdog's view; stuck or failed PR checks additionally
// raise a notification on the notifications queue.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// Notification reasons. Downstream alerting matches on them verbatim.
const (
	ReasonCheckSuiteNotFound    = "Jit check suite not found"
	ReasonSecurityCheckNotFound = "Jit Security check not found"
	ReasonSecurityCheckStuck    = "Jit Security check is stuck"
	ReasonFailedWithoutFindings = "Execution failed without findings"
)

const (
	// checkSuiteAppMarker identifies our check suite among the ones GitHub
	// attaches to a commit.
	checkSuiteAppMarker = "Jit"
	// securityCheckName is the check run the watchdog verifies.
	securityCheckName = "Jit Security"
	// checkStatusInProgress is GitHub's non-terminal check run status.
	checkStatusInProgress = "in_progress"
)

// Inspection window defaults: records younger than StartTTL are still
// settling; older than EndTTL they have aged out of relevance.
const (
	DefaultWindowStartTTL = 15 * time.Minute
	DefaultWindowEndTTL   = time.Hour
)

// Repository is the slice of the lifecycle store the watchdog scans.
type Repository interface {
	ListWatchdogCandidates(ctx context.Context, bucket int, window lifecycle.WatchdogWindow) ([]lifecycle.JitEventRecord, error)
	RemoveWatchdogBucket(ctx context.Context, tenantID, jitEventID string) error
}

// ExecutionAPI reads the executions attached to an inspected jit event.
type ExecutionAPI interface {
	GetExecutions(ctx context.Context, apiToken string, filters execution.GetExecutionsFilters) ([]execution.Execution, error)
}

// TenantAPI confirms the GitHub installation still exists.
type TenantAPI interface {
	GetInstallation(ctx context.Context, apiToken, vendor, installationID string) (tenant.Installation, error)
}

// GithubAPI is the slice of the github facade the watchdog drives.
type GithubAPI interface {
	GetToken(ctx context.Context, installationID, appID string) (string, error)
	GetPullRequest(ctx context.Context, githubToken, org, repo string, prNumber int) (clients.GithubPullRequest, error)
	ListCheckSuites(ctx context.Context, githubToken, org, repo, commitSHA string) ([]clients.GithubCheckSuite, error)
	ListChecksForSuite(ctx context.Context, githubToken, org, repo string, checkSuiteID int64) ([]clients.GithubCheckRun, error)
}

// Notification is the structured message published to the notifications
// queue when a PR check is stuck or failed.
type Notification struct {
	TenantID     string `json:"tenant_id"`
	JitEventID   string `json:"jit_event_id"`
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	PRNumber     int    `json:"pr_number"`
	Reason       string `json:"reason"`
	Link         string `json:"link"`
	RerunCommand string `json:"rerun_command"`
}

// Service is the PR watchdog.
type Service struct {
	repo       Repository
	publisher  events.DomainEventPublisher
	auth       clients.TokenProvider
	executions ExecutionAPI
	tenants    TenantAPI
	github     GithubAPI

	windowStartTTL time.Duration
	windowEndTTL   time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the watchdog. Non-positive window bounds fall back to the
// defaults.
func NewService(
	repo Repository,
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	executions ExecutionAPI,
	tenants TenantAPI,
	github GithubAPI,
	windowStartTTL, windowEndTTL time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	if windowStartTTL <= 0 {
		windowStartTTL = DefaultWindowStartTTL
	}
	if windowEndTTL <= 0 {
		windowEndTTL = DefaultWindowEndTTL
	}
	return &Service{
		repo:           repo,
		publisher:      publisher,
		auth:           auth,
		executions:     executions,
		tenants:        tenants,
		github:         github,
		windowStartTTL: windowStartTTL,
		windowEndTTL:   windowEndTTL,
		logger:         log.With("component", "watchdog"),
		tracer:         tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{events.EventTypePRWatchdog}
}

// HandleEvent implements events.EventHandler for watchdog ticks.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	tick, ok := evt.Payload.(*lifecycle.WatchdogTickEvent)
	if !ok {
		err := fmt.Errorf("expected *lifecycle.WatchdogTickEvent payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	err := s.InspectBucket(ctx, tick.Bucket)
	ack(err)
	return err
}

// InspectBucket evaluates every candidate record in one bucket. Per-record
// failures are aggregated; any failure surfaces as an error so the scheduler
// retries the bucket.
func (s *Service) InspectBucket(ctx context.Context, bucket int) error {
	ctx, span := s.tracer.Start(ctx, "watchdog.inspect_bucket")
	defer span.End()

	now := time.Now().UTC()
	window := lifecycle.WatchdogWindow{
		NotBefore: now.Add(-s.windowEndTTL),
		NotAfter:  now.Add(-s.windowStartTTL),
	}
	candidates, err := s.repo.ListWatchdogCandidates(ctx, bucket, window)
	if err != nil {
		return fmt.Errorf("listing watchdog candidates for bucket %d: %w", bucket, err)
	}

	failed := 0
	for _, record := range candidates {
		if err := s.inspectRecord(ctx, record); err != nil {
			failed++
			s.logger.Error(ctx, "watchdog record inspection failed",
				"tenant_id", record.TenantID, "jit_event_id", record.JitEventID, "error", err)
		}
	}

	s.logger.Info(ctx, "watchdog bucket inspected",
		"bucket", bucket, "candidates", len(candidates), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("watchdog bucket %d: %d of %d records failed", bucket, failed, len(candidates))
	}
	return nil
}

// inspectRecord runs the decision chain for one PR lifecycle record. Most
// outcomes end with the record leaving the watchdog's view; the record stays
// only while its executions are still running or the PR itself cannot be
// read transiently.
func (s *Service) inspectRecord(ctx context.Context, record lifecycle.JitEventRecord) error {
	code, err := recordCodeEvent(record)
	if err != nil {
		return errors.Join(err, s.removeFromView(ctx, record))
	}
	if code.Vendor != tenant.VendorGitHub {
		return s.removeFromView(ctx, record)
	}
	if code.PullRequestNumber == nil {
		return errors.Join(
			fmt.Errorf("pr record %s/%s has no pull request number", record.TenantID, record.JitEventID),
			s.removeFromView(ctx, record))
	}
	prNumber, err := strconv.Atoi(*code.PullRequestNumber)
	if err != nil {
		return errors.Join(
			fmt.Errorf("parsing pull request number %q: %w", *code.PullRequestNumber, err),
			s.removeFromView(ctx, record))
	}

	apiToken, err := s.auth.GetAPIToken(ctx, record.TenantID)
	if err != nil {
		return fmt.Errorf("getting api token: %w", err)
	}

	executions, err := s.executions.GetExecutions(ctx, apiToken, execution.GetExecutionsFilters{
		JitEventID: record.JitEventID,
	})
	if err != nil {
		return fmt.Errorf("listing executions: %w", err)
	}
	for _, exec := range executions {
		if exec.Status.IsRunning() {
			// Still working; re-evaluate on the next cycle.
			return nil
		}
	}

	installation, err := s.tenants.GetInstallation(ctx, apiToken, code.Vendor, code.InstallationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.removeFromView(ctx, record)
		}
		return fmt.Errorf("getting installation: %w", err)
	}
	if !installation.IsActive {
		return s.removeFromView(ctx, record)
	}

	githubToken, err := s.github.GetToken(ctx, code.InstallationID, code.AppID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.removeFromView(ctx, record)
		}
		return fmt.Errorf("minting github token: %w", err)
	}

	pr, err := s.github.GetPullRequest(ctx, githubToken, code.Owner, code.OriginalRepository, prNumber)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The PR is gone; nothing left to watch.
			return s.removeFromView(ctx, record)
		}
		return fmt.Errorf("getting pull request: %w", err)
	}
	if code.Commits.HeadSHA == nil || pr.Head.SHA != *code.Commits.HeadSHA {
		// A newer push superseded the inspected commit.
		return s.removeFromView(ctx, record)
	}

	for _, exec := range executions {
		if exec.Status.IsFailed() && !exec.HasFindings {
			return s.notifyAndRemove(ctx, record, code, prNumber, ReasonFailedWithoutFindings)
		}
	}

	reason, err := s.checkPRCheckHealth(ctx, githubToken, code, pr.Head.SHA)
	if err != nil {
		return err
	}
	if reason != "" {
		return s.notifyAndRemove(ctx, record, code, prNumber, reason)
	}
	return s.removeFromView(ctx, record)
}

// checkPRCheckHealth inspects the commit's check suites and returns a stuck
// reason, or "" when the Jit Security check completed.
func (s *Service) checkPRCheckHealth(ctx context.Context, githubToken string, code *trigger.CodeRelatedJitEvent, commitSHA string) (string, error) {
	suites, err := s.github.ListCheckSuites(ctx, githubToken, code.Owner, code.OriginalRepository, commitSHA)
	if err != nil {
		return "", fmt.Errorf("listing check suites: %w", err)
	}

	var jitSuite *clients.GithubCheckSuite
	for i := range suites {
		if strings.Contains(suites[i].App.Name, checkSuiteAppMarker) {
			jitSuite = &suites[i]
			break
		}
	}
	if jitSuite == nil {
		return ReasonCheckSuiteNotFound, nil
	}

	checks, err := s.github.ListChecksForSuite(ctx, githubToken, code.Owner, code.OriginalRepository, jitSuite.ID)
	if err != nil {
		return "", fmt.Errorf("listing check runs: %w", err)
	}
	for _, check := range checks {
		if check.Name != securityCheckName {
			continue
		}
		if check.Status == checkStatusInProgress {
			return ReasonSecurityCheckStuck, nil
		}
		return "", nil
	}
	return ReasonSecurityCheckNotFound, nil
}

func (s *Service) notifyAndRemove(ctx context.Context, record lifecycle.JitEventRecord, code *trigger.CodeRelatedJitEvent, prNumber int, reason string) error {
	notification := Notification{
		TenantID:   record.TenantID,
		JitEventID: record.JitEventID,
		Owner:      code.Owner,
		Repo:       code.OriginalRepository,
		PRNumber:   prNumber,
		Reason:     reason,
		Link: fmt.Sprintf("https://github.com/%s/%s/pull/%d",
			code.Owner, code.OriginalRepository, prNumber),
		RerunCommand: fmt.Sprintf("rerun-pipeline %s %s", record.TenantID, record.JitEventID),
	}
	if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      events.EventTypeNotification,
		Key:       record.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   notification,
	}); err != nil {
		return fmt.Errorf("publishing watchdog notification: %w", err)
	}

	s.logger.Warn(ctx, "pr check flagged by watchdog",
		"tenant_id", record.TenantID, "jit_event_id", record.JitEventID,
		"pr_number", prNumber, "reason", reason)
	return s.removeFromView(ctx, record)
}

func (s *Service) removeFromView(ctx context.Context, record lifecycle.JitEventRecord) error {
	if err := s.repo.RemoveWatchdogBucket(ctx, record.TenantID, record.JitEventID); err != nil {
		return fmt.Errorf("removing watchdog bucket entry: %w", err)
	}
	return nil
}

// recordCodeEvent restores the code-related jit event embedded in the
// lifecycle record.
func recordCodeEvent(record lifecycle.JitEventRecord) (*trigger.CodeRelatedJitEvent, error) {
	if len(record.JitEvent) == 0 {
		return nil, fmt.Errorf("record %s/%s has no embedded jit event", record.TenantID, record.JitEventID)
	}

	jitEvent, err := trigger.ParseJitEventFromMap(record.JitEvent)
	if err != nil {
		return nil, fmt.Errorf("restoring embedded jit event: %w", err)
	}
	code, ok := trigger.AsCodeRelated(jitEvent)
	if !ok {
		return nil, fmt.Errorf("record %s/%s jit event %s is not code related",
			record.TenantID, record.JitEventID, jitEvent.Common().JitEventName)
	}
	return code, nil
}

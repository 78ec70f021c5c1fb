package watchdog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

type fakeRepo struct {
	candidates []lifecycle.JitEventRecord
	removed    []string
}

func (r *fakeRepo) ListWatchdogCandidates(_ context.Context, _ int, _ lifecycle.WatchdogWindow) ([]lifecycle.JitEventRecord, error) {
	return r.candidates, nil
}

func (r *fakeRepo) RemoveWatchdogBucket(_ context.Context, tenantID, jitEventID string) error {
	r.removed = append(r.removed, tenantID+"/"+jitEventID)
	return nil
}

type fakePublisher struct{ published []events.DomainEvent }

func (p *fakePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) notifications() []Notification {
	var out []Notification
	for _, evt := range p.published {
		out = append(out, evt.Payload.(Notification))
	}
	return out
}

type fakeAuth struct{}

func (fakeAuth) GetAPIToken(context.Context, string) (string, error) { return "token", nil }

type fakeExecutionAPI struct{ executions []execution.Execution }

func (e *fakeExecutionAPI) GetExecutions(context.Context, string, execution.GetExecutionsFilters) ([]execution.Execution, error) {
	return e.executions, nil
}

type fakeTenantAPI struct {
	installation tenant.Installation
	err          error
}

func (t *fakeTenantAPI) GetInstallation(context.Context, string, string, string) (tenant.Installation, error) {
	return t.installation, t.err
}

type fakeGithubAPI struct {
	pr       clients.GithubPullRequest
	prErr    error
	suites   []clients.GithubCheckSuite
	checks   []clients.GithubCheckRun
	tokenErr error
}

func (g *fakeGithubAPI) GetToken(context.Context, string, string) (string, error) {
	return "gh-token", g.tokenErr
}

func (g *fakeGithubAPI) GetPullRequest(context.Context, string, string, string, int) (clients.GithubPullRequest, error) {
	return g.pr, g.prErr
}

func (g *fakeGithubAPI) ListCheckSuites(context.Context, string, string, string, string) ([]clients.GithubCheckSuite, error) {
	return g.suites, nil
}

func (g *fakeGithubAPI) ListChecksForSuite(context.Context, string, string, string, int64) ([]clients.GithubCheckRun, error) {
	return g.checks, nil
}

type testDeps struct {
	repo       *fakeRepo
	publisher  *fakePublisher
	executions *fakeExecutionAPI
	tenants    *fakeTenantAPI
	github     *fakeGithubAPI
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		repo:       &fakeRepo{},
		publisher:  &fakePublisher{},
		executions: &fakeExecutionAPI{},
		tenants:    &fakeTenantAPI{installation: tenant.Installation{InstallationID: "77", IsActive: true}},
		github:     &fakeGithubAPI{pr: prAtSHA("abc123")},
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	svc := NewService(deps.repo, deps.publisher, fakeAuth{}, deps.executions, deps.tenants, deps.github,
		15*time.Minute, time.Hour, log, noop.NewTracerProvider().Tracer("test"))
	return svc, deps
}

func prAtSHA(sha string) clients.GithubPullRequest {
	var pr clients.GithubPullRequest
	pr.Number = 42
	pr.Head.SHA = sha
	return pr
}

func jitSuite(id int64) clients.GithubCheckSuite {
	var suite clients.GithubCheckSuite
	suite.ID = id
	suite.App.Name = "Jit Security App"
	return suite
}

func prRecord() lifecycle.JitEventRecord {
	return lifecycle.JitEventRecord{
		TenantID:     "tenant-1",
		JitEventID:   "event-1",
		JitEventName: "pull_request_created",
		Status:       lifecycle.StatusStarted,
		JitEvent: map[string]any{
			"tenant_id":           "tenant-1",
			"jit_event_id":        "event-1",
			"jit_event_name":      "pull_request_created",
			"vendor":              tenant.VendorGitHub,
			"owner":               "acme",
			"original_repository": "service",
			"pull_request_number": "42",
			"installation_id":     "77",
			"app_id":              "7",
			"branch":              "feature",
			"commits":             map[string]any{"head_sha": "abc123", "base_sha": "def456"},
		},
		CreatedAt: time.Now().Add(-30 * time.Minute),
	}
}

func TestInspectBucket_StuckSecurityCheckNotifies(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.suites = []clients.GithubCheckSuite{jitSuite(9)}
	deps.github.checks = []clients.GithubCheckRun{{Name: "Jit Security", Status: "in_progress"}}

	require.NoError(t, svc.InspectBucket(context.Background(), 3))

	notifications := deps.publisher.notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, ReasonSecurityCheckStuck, notifications[0].Reason)
	assert.Equal(t, 42, notifications[0].PRNumber)
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_MissingCheckSuiteNotifies(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.suites = []clients.GithubCheckSuite{{}}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	notifications := deps.publisher.notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, ReasonCheckSuiteNotFound, notifications[0].Reason)
}

func TestInspectBucket_MissingSecurityCheckNotifies(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.suites = []clients.GithubCheckSuite{jitSuite(9)}
	deps.github.checks = []clients.GithubCheckRun{{Name: "some-other-check", Status: "completed"}}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	notifications := deps.publisher.notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, ReasonSecurityCheckNotFound, notifications[0].Reason)
}

func TestInspectBucket_HealthyCheckRemovesQuietly(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.suites = []clients.GithubCheckSuite{jitSuite(9)}
	deps.github.checks = []clients.GithubCheckRun{{Name: "Jit Security", Status: "completed"}}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.publisher.notifications())
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_RunningExecutionKeepsRecord(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.executions.executions = []execution.Execution{{
		ExecutionID: "exec-1",
		Status:      execution.StatusRunning,
	}}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.repo.removed)
	assert.Empty(t, deps.publisher.notifications())
}

func TestInspectBucket_FailedExecutionWithoutFindingsNotifies(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.executions.executions = []execution.Execution{{
		ExecutionID: "exec-1",
		Status:      execution.StatusFailed,
		HasFindings: false,
	}}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	notifications := deps.publisher.notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, ReasonFailedWithoutFindings, notifications[0].Reason)
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_ObsoleteCommitRemovesQuietly(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.pr = prAtSHA("newer-sha")

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.publisher.notifications())
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_MissingInstallationRemovesQuietly(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.tenants.err = storage.ErrNotFound

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.publisher.notifications())
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_DeletedPRRemovesQuietly(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = []lifecycle.JitEventRecord{prRecord()}
	deps.github.prErr = storage.ErrNotFound

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.publisher.notifications())
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_NonGithubVendorRemovesQuietly(t *testing.T) {
	svc, deps := newTestService(t)
	record := prRecord()
	record.JitEvent["vendor"] = tenant.VendorGitLab
	deps.repo.candidates = []lifecycle.JitEventRecord{record}

	require.NoError(t, svc.InspectBucket(context.Background(), 0))

	assert.Empty(t, deps.publisher.notifications())
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_RecordWithoutJitEventFailsBucket(t *testing.T) {
	svc, deps := newTestService(t)
	record := prRecord()
	record.JitEvent = nil
	deps.repo.candidates = []lifecycle.JitEventRecord{record}

	err := svc.InspectBucket(context.Background(), 0)
	require.Error(t, err)

	// The broken record still leaves the watchdog's view.
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestInspectBucket_NonCodeRelatedEventFailsBucket(t *testing.T) {
	svc, deps := newTestService(t)
	record := prRecord()
	record.JitEvent = map[string]any{
		"tenant_id":                 "tenant-1",
		"jit_event_id":              "event-1",
		"jit_event_name":            "item_activated",
		"activated_plan_item_slugs": []any{"item-code-scanning"},
	}
	deps.repo.candidates = []lifecycle.JitEventRecord{record}

	err := svc.InspectBucket(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, []string{"tenant-1/event-1"}, deps.repo.removed)
}

func TestHandleEvent_DispatchesTick(t *testing.T) {
	svc, deps := newTestService(t)
	deps.repo.candidates = nil

	acked := false
	err := svc.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    events.EventTypePRWatchdog,
		Payload: &lifecycle.WatchdogTickEvent{Bucket: 4},
	}, func(err error) { acked = err == nil })

	require.NoError(t, err)
	assert.True(t, acked)
}

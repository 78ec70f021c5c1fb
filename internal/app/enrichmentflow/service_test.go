package enrichmentflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

type fakePrepare struct {
	prepared       []trigger.PrepareForExecutionEvent
	enrichTokens   []string
	enrichErr      error
	prepareErr     error
	enrichedEvents []trigger.PrepareForExecutionEvent
}

func (p *fakePrepare) PrepareForExecution(_ context.Context, prepareEvent trigger.PrepareForExecutionEvent) error {
	p.prepared = append(p.prepared, prepareEvent)
	return p.prepareErr
}

func (p *fakePrepare) TriggerEnrichmentJob(_ context.Context, prepareEvent trigger.PrepareForExecutionEvent, taskToken string) error {
	if p.enrichErr != nil {
		return p.enrichErr
	}
	p.enrichTokens = append(p.enrichTokens, taskToken)
	p.enrichedEvents = append(p.enrichedEvents, prepareEvent)
	return nil
}

type memoryFlowRepo struct {
	runs map[string]enrichment.FlowRun
}

func newMemoryFlowRepo() *memoryFlowRepo {
	return &memoryFlowRepo{runs: map[string]enrichment.FlowRun{}}
}

func (r *memoryFlowRepo) InsertRun(_ context.Context, run enrichment.FlowRun) error {
	r.runs[run.TaskToken] = run
	return nil
}

func (r *memoryFlowRepo) CompleteRun(_ context.Context, taskToken string) (enrichment.FlowRun, error) {
	run, ok := r.runs[taskToken]
	if !ok || run.Status != enrichment.FlowAwaitingCallback {
		return enrichment.FlowRun{}, storage.ErrNotFound
	}
	run.Status = enrichment.FlowCompleted
	r.runs[taskToken] = run
	return run, nil
}

func (r *memoryFlowRepo) ExpireRuns(_ context.Context, now time.Time) ([]enrichment.FlowRun, error) {
	var expired []enrichment.FlowRun
	for token, run := range r.runs {
		if run.Status == enrichment.FlowAwaitingCallback && run.Deadline.Before(now) {
			run.Status = enrichment.FlowTimedOut
			r.runs[token] = run
			expired = append(expired, run)
		}
	}
	return expired, nil
}

type fakeLifecycle struct {
	completed map[string]lifecycle.JitEventStatus
}

func (l *fakeLifecycle) Complete(_ context.Context, _, jitEventID string, status lifecycle.JitEventStatus) error {
	if l.completed == nil {
		l.completed = map[string]lifecycle.JitEventStatus{}
	}
	l.completed[jitEventID] = status
	return nil
}

type testDeps struct {
	prepare   *fakePrepare
	runs      *memoryFlowRepo
	lifecycle *fakeLifecycle
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		prepare:   &fakePrepare{},
		runs:      newMemoryFlowRepo(),
		lifecycle: &fakeLifecycle{},
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	svc := NewService(deps.prepare, deps.runs, deps.lifecycle, 10*time.Minute,
		log, noop.NewTracerProvider().Tracer("test"))
	return svc, deps
}

func prepareEvent(shouldEnrich bool) trigger.PrepareForExecutionEvent {
	jitEvent := &trigger.ItemActivatedJitEvent{
		CommonJitEvent: trigger.CommonJitEvent{
			TenantID:     "tenant-1",
			JitEventID:   "event-1",
			JitEventName: trigger.JitEventNameItemActivated,
		},
		ActivatedPlanItemSlugs: []string{"item-code-scanning"},
	}
	return trigger.PrepareForExecutionEvent{
		JitEvent:                jitEvent,
		TriggerFilterAttributes: jitEvent.Filters(),
		Asset: tenant.Asset{
			AssetID:   "asset-1",
			TenantID:  "tenant-1",
			AssetType: tenant.AssetTypeRepo,
			Vendor:    tenant.VendorGitHub,
			Owner:     "acme",
			AssetName: "service",
			IsActive:  true,
			IsCovered: true,
		},
		ShouldEnrich: shouldEnrich,
	}
}

func TestStartFlow_SkipsEnrichmentWhenNotNeeded(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(false))
	require.NoError(t, err)

	assert.Empty(t, token)
	assert.Empty(t, deps.runs.runs)
	require.Len(t, deps.prepare.prepared, 1)
}

func TestStartFlow_SuspendsAwaitingCallback(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	run, ok := deps.runs.runs[token]
	require.True(t, ok)
	assert.Equal(t, enrichment.FlowAwaitingCallback, run.Status)
	assert.Equal(t, "tenant-1", run.TenantID)
	assert.Equal(t, "event-1", run.JitEventID)
	assert.Equal(t, "asset-1", run.AssetID)
	assert.True(t, run.Deadline.After(time.Now()))

	// Suspension means no prepare yet, only the enrich execution.
	assert.Empty(t, deps.prepare.prepared)
	assert.Equal(t, []string{token}, deps.prepare.enrichTokens)
}

func TestStartFlow_EnrichPublishFailureFailsEvent(t *testing.T) {
	svc, deps := newTestService(t)
	deps.prepare.enrichErr = assert.AnError

	_, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.Error(t, err)
	assert.Equal(t, lifecycle.StatusFailed, deps.lifecycle.completed["event-1"])
}

func TestHandleCallback_ResumesWithEnrichedData(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)

	require.NoError(t, svc.HandleCallback(context.Background(), enrichment.CompletedEvent{
		TenantID:   "tenant-1",
		JitEventID: "event-1",
		AssetID:    "asset-1",
		TaskToken:  token,
		Results:    enrichment.Results{"languages": {"go"}},
	}))

	require.Len(t, deps.prepare.prepared, 1)
	resumed := deps.prepare.prepared[0]
	assert.Equal(t, trigger.EnrichedData{"languages": {"go"}}, resumed.EnrichedData)
	assert.Equal(t, "event-1", resumed.JitEvent.Common().JitEventID)
	assert.Equal(t, enrichment.FlowCompleted, deps.runs.runs[token].Status)
}

func TestHandleCallback_DuplicateTokenIsDropped(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)

	callback := enrichment.CompletedEvent{TenantID: "tenant-1", JitEventID: "event-1", TaskToken: token}
	require.NoError(t, svc.HandleCallback(context.Background(), callback))
	require.NoError(t, svc.HandleCallback(context.Background(), callback))

	assert.Len(t, deps.prepare.prepared, 1)
}

func TestHandleCallback_UnknownTokenIsDropped(t *testing.T) {
	svc, deps := newTestService(t)

	require.NoError(t, svc.HandleCallback(context.Background(), enrichment.CompletedEvent{
		TaskToken: "never-issued",
	}))
	assert.Empty(t, deps.prepare.prepared)
	assert.Empty(t, deps.lifecycle.completed)
}

func TestHandleCallback_FailureStatusFailsEvent(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)

	err = svc.HandleCallback(context.Background(), enrichment.CompletedEvent{
		TenantID:   "tenant-1",
		JitEventID: "event-1",
		TaskToken:  token,
		Status:     "failure",
	})
	require.Error(t, err)
	assert.Equal(t, lifecycle.StatusFailed, deps.lifecycle.completed["event-1"])
	assert.Empty(t, deps.prepare.prepared)
}

func TestSweepExpired_FailsTimedOutRuns(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)

	err = svc.SweepExpired(context.Background(), time.Now().Add(time.Hour))
	require.Error(t, err)

	assert.Equal(t, enrichment.FlowTimedOut, deps.runs.runs[token].Status)
	assert.Equal(t, lifecycle.StatusFailed, deps.lifecycle.completed["event-1"])

	// A late callback after the sweep finds the run already resolved.
	require.NoError(t, svc.HandleCallback(context.Background(), enrichment.CompletedEvent{TaskToken: token}))
	assert.Empty(t, deps.prepare.prepared)
}

func TestSweepExpired_LeavesRunsInsideDeadline(t *testing.T) {
	svc, deps := newTestService(t)

	token, err := svc.StartFlow(context.Background(), prepareEvent(true))
	require.NoError(t, err)

	require.NoError(t, svc.SweepExpired(context.Background(), time.Now()))
	assert.Equal(t, enrichment.FlowAwaitingCallback, deps.runs.runs[token].Status)
	assert.Empty(t, deps.lifecycle.completed)
}

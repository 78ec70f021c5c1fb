// Package resolver turns a jit event into its processing resources: the
// tenant's filtered plan jobs, SCM installations and shared depends-on
// workflows. The resolved bundle is either handed straight to the asset
// orchestrator or published as a routed resources event, depending on the
// fetch-jit-event-resources flag.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// ErrNoValidInstallation indicates the tenant has no active SCM installation
// with a centralized repo asset, so no code-related workflow can run.
var ErrNoValidInstallation = errors.New("tenant has no valid scm installation")

// ErrNoAssetRouting indicates the jit event's filters select assets by
// neither id, environment nor plan item, leaving no way to fan out.
var ErrNoAssetRouting = errors.New("jit event has no asset routing attributes")

// PlanAPI is the slice of the plan service the resolver reads.
type PlanAPI interface {
	GetFullPlan(ctx context.Context, apiToken, planSlug string) (plan.FullPlan, error)
}

// TenantAPI is the slice of the tenant service the resolver reads.
type TenantAPI interface {
	GetInstallations(ctx context.Context, apiToken, tenantID string) ([]tenant.Installation, error)
}

// VendorStatusAPI reports SCM vendor availability.
type VendorStatusAPI interface {
	GetVendorStatus(ctx context.Context) string
}

// LifecycleManager is the slice of the lifecycle service the resolver drives.
type LifecycleManager interface {
	Start(ctx context.Context, jitEvent trigger.JitEvent) error
	Complete(ctx context.Context, tenantID, jitEventID string, status lifecycle.JitEventStatus) error
}

// Orchestrator runs the asset fan-out inline on the legacy combined path.
type Orchestrator interface {
	ProcessResources(ctx context.Context, resources trigger.JitEventProcessingResources) error
}

// Service resolves processing resources for incoming jit events.
type Service struct {
	publisher    events.DomainEventPublisher
	auth         clients.TokenProvider
	plans        PlanAPI
	tenants      TenantAPI
	github       VendorStatusAPI
	flags        clients.FlagEvaluator
	lifecycle    LifecycleManager
	orchestrator Orchestrator

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the resolver service.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	plans PlanAPI,
	tenants TenantAPI,
	github VendorStatusAPI,
	flags clients.FlagEvaluator,
	lifecycleManager LifecycleManager,
	orchestrator Orchestrator,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher:    publisher,
		auth:         auth,
		plans:        plans,
		tenants:      tenants,
		github:       github,
		flags:        flags,
		lifecycle:    lifecycleManager,
		orchestrator: orchestrator,
		logger:       log.With("component", "resolver"),
		tracer:       tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (s *Service) SupportedEvents() []events.EventType {
	return []events.EventType{events.EventTypeHandleJitEvent}
}

// HandleEvent implements events.EventHandler for handle-jit-event payloads.
func (s *Service) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	jitEvent, ok := evt.Payload.(trigger.JitEvent)
	if !ok {
		err := fmt.Errorf("expected trigger.JitEvent payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	if err := s.HandleJitEvent(ctx, jitEvent); err != nil {
		ack(err)
		return err
	}
	ack(nil)
	return nil
}

// HandleJitEvent starts the lifecycle, resolves resources and dispatches
// them. Any resolution failure ends the jit event as failed before the error
// surfaces.
func (s *Service) HandleJitEvent(ctx context.Context, jitEvent trigger.JitEvent) error {
	ctx, span := s.tracer.Start(ctx, "resolver.handle_jit_event")
	defer span.End()

	common := jitEvent.Common()
	s.logger.Info(ctx, "handling jit event",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
		"jit_event_name", string(common.JitEventName))

	if err := s.lifecycle.Start(ctx, jitEvent); err != nil {
		return fmt.Errorf("starting jit event lifecycle: %w", err)
	}

	resources, err := s.ResolveResources(ctx, jitEvent)
	if err != nil {
		return s.failJitEvent(ctx, common, err)
	}

	if s.flags.IsEnabled(ctx, clients.FlagFetchJitEventResources, common.TenantID, false) {
		if err := s.publishResources(ctx, resources); err != nil {
			return s.failJitEvent(ctx, common, err)
		}
		return nil
	}
	return s.orchestrator.ProcessResources(ctx, resources)
}

func (s *Service) failJitEvent(ctx context.Context, common *trigger.CommonJitEvent, cause error) error {
	s.logger.Error(ctx, "jit event resolution failed",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "error", cause)
	if err := s.lifecycle.Complete(ctx, common.TenantID, common.JitEventID, lifecycle.StatusFailed); err != nil {
		s.logger.Error(ctx, "failing jit event lifecycle failed",
			"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "error", err)
	}
	return cause
}

// ResolveResources fetches the tenant plan and installations and runs the
// plan item, workflow and job filter passes.
func (s *Service) ResolveResources(ctx context.Context, jitEvent trigger.JitEvent) (trigger.JitEventProcessingResources, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.resolve_resources")
	defer span.End()

	common := jitEvent.Common()
	filters := jitEvent.Filters()

	apiToken, err := s.auth.GetAPIToken(ctx, common.TenantID)
	if err != nil {
		return trigger.JitEventProcessingResources{}, fmt.Errorf("getting api token: %w", err)
	}

	installations, err := s.tenants.GetInstallations(ctx, apiToken, common.TenantID)
	if err != nil {
		return trigger.JitEventProcessingResources{}, err
	}
	if !tenant.HasValidSCMInstallation(installations) {
		return trigger.JitEventProcessingResources{}, fmt.Errorf("%w: tenant %s", ErrNoValidInstallation, common.TenantID)
	}

	fullPlan, err := s.plans.GetFullPlan(ctx, apiToken, plan.JitPlanSlug)
	if err != nil {
		return trigger.JitEventProcessingResources{}, err
	}

	workflows := s.filterWorkflows(ctx, fullPlan, filters)
	jobs, err := s.filterJobs(ctx, workflows, filters)
	if err != nil {
		return trigger.JitEventProcessingResources{}, err
	}
	jobs = s.filterJobsOnVendorOutage(ctx, common.TenantID, installations, jobs)

	// The bulky YAML bodies never cross the bus; only the depends-on
	// (enrichment) workflows keep theirs, the prepare stage still expands
	// them into enrich jobs.
	for i := range jobs {
		jobs[i].WorkflowTemplate.StripContent()
	}

	s.logger.Info(ctx, "resolved jit event resources",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID,
		"jobs", len(jobs), "installations", len(installations))

	return trigger.NewJitEventProcessingResources(jitEvent, installations, jobs, fullPlan.DependsOn), nil
}

// filterWorkflows applies the plan-item and workflow passes: slug filters
// first, then the trigger intersection.
func (s *Service) filterWorkflows(ctx context.Context, fullPlan plan.FullPlan, filters trigger.TriggerFilterAttributes) []trigger.WorkflowTemplateWrapper {
	itemSlugs := fullPlan.ActiveItemSlugs()
	sort.Strings(itemSlugs)

	var workflows []trigger.WorkflowTemplateWrapper
	for _, itemSlug := range itemSlugs {
		if !filters.PlanItemSlugs.IsEmpty() && !filters.PlanItemSlugs.Has(itemSlug) {
			continue
		}

		for _, template := range fullPlan.Items[itemSlug].WorkflowTemplates {
			if !filters.WorkflowSlugs.IsEmpty() && !filters.WorkflowSlugs.Has(template.Slug) {
				continue
			}
			if !s.workflowMatchesTriggers(ctx, &template, filters) {
				continue
			}
			workflows = append(workflows, trigger.WorkflowTemplateWrapper{
				PlanItemSlug:   itemSlug,
				WorkflowSlug:   template.Slug,
				WorkflowName:   template.Name,
				DependsOnSlugs: template.DependsOn,
				RawWorkflow:    template,
			})
		}
	}
	return workflows
}

func (s *Service) workflowMatchesTriggers(ctx context.Context, template *plan.WorkflowTemplate, filters trigger.TriggerFilterAttributes) bool {
	if filters.Triggers.IsEmpty() {
		return true
	}

	triggers, err := template.Triggers()
	if err != nil {
		s.logger.Warn(ctx, "skipping workflow with unreadable triggers",
			"workflow_slug", template.Slug, "error", err)
		return false
	}
	for _, t := range triggers {
		if filters.Triggers.Has(t) {
			return true
		}
	}
	return false
}

// filterJobs expands the surviving workflows into jobs and applies the
// job-name filter. Jobs come out ordered by (workflow, job name) so the
// resolved bundle is deterministic.
func (s *Service) filterJobs(ctx context.Context, workflows []trigger.WorkflowTemplateWrapper, filters trigger.TriggerFilterAttributes) ([]trigger.JobTemplateWrapper, error) {
	var jobs []trigger.JobTemplateWrapper
	for _, workflow := range workflows {
		expanded, err := workflow.Jobs()
		if err != nil {
			return nil, fmt.Errorf("expanding workflow %s jobs: %w", workflow.WorkflowSlug, err)
		}
		for _, job := range expanded {
			if !filters.JobNames.IsEmpty() && !filters.JobNames.Has(job.JobName) {
				continue
			}
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].WorkflowSlug != jobs[j].WorkflowSlug {
			return jobs[i].WorkflowSlug < jobs[j].WorkflowSlug
		}
		return jobs[i].JobName < jobs[j].JobName
	})
	return jobs, nil
}

// filterJobsOnVendorOutage drops CI-hosted jobs while GitHub is down, so the
// tenant's own runners are not flooded with executions that cannot start.
func (s *Service) filterJobsOnVendorOutage(ctx context.Context, tenantID string, installations []tenant.Installation, jobs []trigger.JobTemplateWrapper) []trigger.JobTemplateWrapper {
	if !hasActiveGithubInstallation(installations) {
		return jobs
	}
	if !s.flags.IsEnabled(ctx, clients.FlagStopExecutionsOnGithubOutage, tenantID, false) {
		return jobs
	}
	if s.github.GetVendorStatus(ctx) != clients.GithubStatusOutage {
		return jobs
	}

	kept := jobs[:0]
	for _, job := range jobs {
		if _, ci := plan.CIRunners[job.Runner()]; ci {
			s.logger.Warn(ctx, "dropping ci-hosted job during github outage",
				"tenant_id", tenantID, "workflow_slug", job.WorkflowSlug, "job_name", job.JobName)
			continue
		}
		kept = append(kept, job)
	}
	return kept
}

func hasActiveGithubInstallation(installations []tenant.Installation) bool {
	for _, inst := range installations {
		if inst.Vendor == tenant.VendorGitHub && inst.IsActive {
			return true
		}
	}
	return false
}

// publishResources routes the resolved bundle by the event's asset selection
// attributes: explicit ids first, then deployment environments, then plan
// item types.
func (s *Service) publishResources(ctx context.Context, resources trigger.JitEventProcessingResources) error {
	common := resources.JitEvent.Common()
	filters := resources.JitEvent.Filters()

	var eventType events.EventType
	switch {
	case !filters.AssetIDs.IsEmpty():
		eventType = events.EventTypeRunJitEventOnAssetsByIDs
	case !filters.AssetEnvs.IsEmpty():
		eventType = events.EventTypeRunJitEventOnAssetsByDeploymentEnv
	case !filters.PlanItemSlugs.IsEmpty():
		eventType = events.EventTypeRunJitEventOnAssetsByTypes
	default:
		return fmt.Errorf("%w: jit event %s", ErrNoAssetRouting, common.JitEventID)
	}

	if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      eventType,
		Key:       common.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   resources,
	}); err != nil {
		return fmt.Errorf("publishing %s: %w", eventType, err)
	}

	s.logger.Info(ctx, "published jit event resources",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "route", string(eventType))
	return nil
}

// Package prepare is the second-pass core of the pipeline: it filters an
// asset's jobs against enrichment results, persists the enrichment cache,
// announces the execution graph and publishes the trigger execution events
// the runners act on.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/domain/enrichment"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/execution"
	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/tenant"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// ErrNoEnrichmentWorkflow indicates an enrich request for an event that
// resolved no depends-on workflow.
var ErrNoEnrichmentWorkflow = errors.New("no enrichment workflow resolved for jit event")

// PlanAPI is the slice of the plan service the prepare core reads.
type PlanAPI interface {
	GetPlanItemsScopes(ctx context.Context, apiToken, workflowSlug, jobName string) ([]plan.PlanItemScope, error)
	GetConfigurationFile(ctx context.Context, apiToken, tenantID string) (map[string]any, error)
	GetIntegrationFile(ctx context.Context, apiToken, tenantID string) (map[string]any, error)
	GetCentralizedRepoFilesMetadata(ctx context.Context, apiToken, tenantID string) (clients.CentralizedRepoFilesMetadata, error)
}

// LifecycleManager is the slice of the lifecycle service the prepare core
// drives.
type LifecycleManager interface {
	FilteredJobsToExecute(ctx context.Context, tenantID, jitEventID, assetID string, totalJobs int) error
}

// Service is the prepare-for-execution core.
type Service struct {
	publisher  events.DomainEventPublisher
	auth       clients.TokenProvider
	plans      PlanAPI
	enrichment enrichment.Repository
	lifecycle  LifecycleManager

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService builds the prepare core.
func NewService(
	publisher events.DomainEventPublisher,
	auth clients.TokenProvider,
	plans PlanAPI,
	enrichmentRepo enrichment.Repository,
	lifecycleManager LifecycleManager,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		publisher:  publisher,
		auth:       auth,
		plans:      plans,
		enrichment: enrichmentRepo,
		lifecycle:  lifecycleManager,
		logger:     log.With("component", "prepare"),
		tracer:     tracer,
	}
}

// PrepareForExecution turns one asset's prepare event into trigger execution
// events. EnrichedData on the event already reflects any enrichment that ran.
func (s *Service) PrepareForExecution(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent) error {
	ctx, span := s.tracer.Start(ctx, "prepare.prepare_for_execution")
	defer span.End()

	common := prepareEvent.JitEvent.Common()
	asset := prepareEvent.Asset

	jobs := filterJobsByEnrichedData(prepareEvent.FilteredJobs, prepareEvent.EnrichedData)
	jobs = dedupeJobs(jobs)

	s.persistEnrichmentCache(ctx, prepareEvent)

	apiToken, err := s.auth.GetAPIToken(ctx, common.TenantID)
	if err != nil {
		return fmt.Errorf("getting api token: %w", err)
	}

	if err := s.publishTriggerScheme(ctx, prepareEvent, jobs); err != nil {
		return err
	}

	triggerEvents, err := s.buildTriggerEvents(ctx, apiToken, prepareEvent, jobs)
	if err != nil {
		return err
	}

	if err := s.lifecycle.FilteredJobsToExecute(ctx, common.TenantID, common.JitEventID, asset.AssetID, len(triggerEvents)); err != nil {
		return fmt.Errorf("recording filtered jobs: %w", err)
	}
	if len(triggerEvents) == 0 {
		s.logger.Info(ctx, "no jobs survived enrichment filtering",
			"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "asset_id", asset.AssetID)
		return nil
	}

	return s.publishTriggerEvents(ctx, common, triggerEvents)
}

// filterJobsByEnrichedData keeps a job iff every key of its if-condition
// either has no enrichment verdict or intersects it. Empty enrichment data
// runs everything: absence of evidence never blocks a control.
func filterJobsByEnrichedData(jobs []trigger.JobTemplateWrapper, enrichedData trigger.EnrichedData) []trigger.JobTemplateWrapper {
	if len(enrichedData) == 0 {
		return jobs
	}

	var out []trigger.JobTemplateWrapper
	for _, job := range jobs {
		if jobConditionSatisfied(job.RawJob.If, enrichedData) {
			out = append(out, job)
		}
	}
	return out
}

func jobConditionSatisfied(condition map[string][]string, enrichedData trigger.EnrichedData) bool {
	for key, wanted := range condition {
		discovered, ok := enrichedData[key]
		if !ok {
			continue
		}
		if !intersects(wanted, discovered) {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// dedupeJobs drops duplicate (workflow, job) pairs, first occurrence wins.
func dedupeJobs(jobs []trigger.JobTemplateWrapper) []trigger.JobTemplateWrapper {
	seen := make(map[string]struct{}, len(jobs))
	out := jobs[:0:0]
	for _, job := range jobs {
		key := job.WorkflowSlug + "/" + job.JobName
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, job)
	}
	return out
}

// persistEnrichmentCache records fresh full-repo enrichment results. Diff
// based events never write the cache, their results describe a change list,
// not the repository.
func (s *Service) persistEnrichmentCache(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent) {
	common := prepareEvent.JitEvent.Common()
	if !prepareEvent.ShouldEnrich || len(prepareEvent.EnrichedData) == 0 {
		return
	}
	if trigger.DiffBasedEnrichmentJitEvents.Has(string(common.JitEventName)) {
		return
	}
	if prepareEvent.Asset.AssetType != tenant.AssetTypeRepo {
		return
	}

	item := enrichment.ResultsItem{
		TenantID:     common.TenantID,
		Vendor:       prepareEvent.Asset.Vendor,
		Owner:        prepareEvent.Asset.Owner,
		Repo:         prepareEvent.Asset.AssetName,
		Results:      enrichment.Results(prepareEvent.EnrichedData),
		JitEventID:   common.JitEventID,
		JitEventName: string(common.JitEventName),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.enrichment.CreateResultsForRepository(ctx, item); err != nil {
		s.logger.Error(ctx, "persisting enrichment cache failed",
			"tenant_id", common.TenantID, "asset_id", prepareEvent.Asset.AssetID, "error", err)
	}
}

// publishTriggerScheme announces the execution graph for pipeline
// bookkeeping. Background and enrichment controls never appear in it.
func (s *Service) publishTriggerScheme(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent, jobs []trigger.JobTemplateWrapper) error {
	common := prepareEvent.JitEvent.Common()
	asset := prepareEvent.Asset

	workflowSchemes := map[string]*trigger.WorkflowTriggerScheme{}
	for _, job := range jobs {
		controlType := execution.GetControlType(job.JobName)
		if controlType == execution.ControlTypeBackground || controlType == execution.ControlTypeEnrichment {
			continue
		}

		workflowScheme, ok := workflowSchemes[job.WorkflowSlug]
		if !ok {
			workflowScheme = job.WorkflowScheme()
			workflowSchemes[job.WorkflowSlug] = workflowScheme
		}
		assetScheme, ok := workflowScheme.AssetTriggerSchemes[asset.AssetID]
		if !ok {
			assetScheme = &trigger.AssetTriggerScheme{
				AssetID:           asset.AssetID,
				AssetName:         asset.AssetName,
				AssetType:         asset.AssetType,
				Vendor:            asset.Vendor,
				Owner:             asset.Owner,
				Environment:       asset.Environment,
				JobTriggerSchemes: map[string]trigger.JobTriggerScheme{},
			}
			if inst := prepareEvent.RelevantInstallation(); inst != nil {
				assetScheme.InstallationID = &inst.InstallationID
			}
			workflowScheme.AssetTriggerSchemes[asset.AssetID] = assetScheme
		}
		assetScheme.JobTriggerSchemes[job.JobName] = job.JobScheme()
	}

	if len(workflowSchemes) == 0 {
		return nil
	}

	scheme := trigger.TriggerScheme{
		JitEvent:             prepareEvent.JitEvent,
		EventExecutionScheme: trigger.EventTriggerScheme{WorkflowTriggerSchemes: workflowSchemes},
	}
	if code, ok := trigger.AsCodeRelated(prepareEvent.JitEvent); ok && code.AssetID != "" {
		scheme.SourceAsset = &trigger.SourceAsset{
			AssetID: code.AssetID,
			Vendor:  code.Vendor,
			Owner:   code.Owner,
			Name:    code.OriginalRepository,
		}
	}

	bulk := trigger.BulkTriggerSchemeEvent{
		TenantID:       common.TenantID,
		JitEventName:   common.JitEventName,
		TriggerSchemes: []trigger.TriggerScheme{scheme},
	}
	if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      events.EventTypeTriggerScheme,
		Key:       common.TenantID,
		Timestamp: time.Now().UTC(),
		Payload:   bulk,
	}); err != nil {
		return fmt.Errorf("publishing trigger scheme: %w", err)
	}
	return nil
}

// buildTriggerEvents assembles one fully resolved trigger execution event
// per surviving job.
func (s *Service) buildTriggerEvents(ctx context.Context, apiToken string, prepareEvent trigger.PrepareForExecutionEvent, jobs []trigger.JobTemplateWrapper) ([]trigger.TriggerExecutionEvent, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	common := prepareEvent.JitEvent.Common()

	configFile, err := s.plans.GetConfigurationFile(ctx, apiToken, common.TenantID)
	if err != nil {
		s.logger.Warn(ctx, "configuration file unavailable", "tenant_id", common.TenantID, "error", err)
	}
	integrationFile, err := s.plans.GetIntegrationFile(ctx, apiToken, common.TenantID)
	if err != nil {
		s.logger.Warn(ctx, "integration file unavailable", "tenant_id", common.TenantID, "error", err)
	}
	centralized := s.centralizedMetadata(ctx, apiToken, common.TenantID)

	out := make([]trigger.TriggerExecutionEvent, 0, len(jobs))
	for _, job := range jobs {
		affected := s.affectedPlanItems(ctx, apiToken, job)

		execCtx := trigger.ExecutionContext{
			JitEvent:     prepareEvent.JitEvent,
			Asset:        prepareEvent.Asset,
			Installation: prepareEvent.RelevantInstallation(),
			Config:       configFile,
			Integration:  integrationFile,
			Job: trigger.WorkflowJob{
				JobName:   job.JobName,
				Runner:    job.RawJob.Runner,
				Condition: job.RawJob.If,
				Steps:     job.RawJob.Steps,
			},
			Centralized: centralized,
			Workflow: trigger.ContextWorkflow{
				Slug:      job.WorkflowSlug,
				Name:      job.WorkflowName,
				DependsOn: job.DependsOnSlugs,
			},
			EnrichmentResult: prepareEvent.EnrichedData,
		}
		execCtx.Job.Steps = interpolateSteps(execCtx.Job.Steps, execCtx)

		out = append(out, trigger.TriggerExecutionEvent{
			Context:           execCtx,
			PlanSlug:          plan.JitPlanSlug,
			PlanItemSlug:      job.PlanItemSlug,
			AffectedPlanItems: affected,
			WorkflowSlug:      job.WorkflowSlug,
			JobName:           job.JobName,
			Steps:             execCtx.Job.Steps,
			CreatedAt:         trigger.NowISO(time.Now()),
			JobRunner:         job.Runner(),
			JitEvent:          prepareEvent.JitEvent,
			ControlType:       execution.GetControlType(job.JobName),
		})
	}
	return out, nil
}

func (s *Service) centralizedMetadata(ctx context.Context, apiToken, tenantID string) *trigger.Centralized {
	metadata, err := s.plans.GetCentralizedRepoFilesMetadata(ctx, apiToken, tenantID)
	if err != nil {
		s.logger.Warn(ctx, "centralized repo metadata unavailable", "tenant_id", tenantID, "error", err)
		return nil
	}
	return &trigger.Centralized{
		CentralizedRepoFilesLocation: metadata.CentralizedRepoFilesLocation,
		CIWorkflowFilesPath:          metadata.CIWorkflowFilesPath,
	}
}

// affectedPlanItems unions the plan items scoped to the (workflow, job)
// pair; the job's own plan item is the fallback.
func (s *Service) affectedPlanItems(ctx context.Context, apiToken string, job trigger.JobTemplateWrapper) []string {
	scopes, err := s.plans.GetPlanItemsScopes(ctx, apiToken, job.WorkflowSlug, job.JobName)
	if err != nil {
		s.logger.Warn(ctx, "plan item scopes unavailable, falling back to the job's plan item",
			"workflow_slug", job.WorkflowSlug, "job_name", job.JobName, "error", err)
		return []string{job.PlanItemSlug}
	}

	seen := map[string]struct{}{}
	var out []string
	for _, scope := range scopes {
		if _, ok := seen[scope.PlanItemSlug]; ok {
			continue
		}
		seen[scope.PlanItemSlug] = struct{}{}
		out = append(out, scope.PlanItemSlug)
	}
	if len(out) == 0 {
		return []string{job.PlanItemSlug}
	}
	return out
}

// publishTriggerEvents ships the trigger events in bulks.
func (s *Service) publishTriggerEvents(ctx context.Context, common *trigger.CommonJitEvent, triggerEvents []trigger.TriggerExecutionEvent) error {
	for start := 0; start < len(triggerEvents); start += trigger.MaxBulkSize {
		end := min(start+trigger.MaxBulkSize, len(triggerEvents))

		bulk := trigger.BulkTriggerExecutionEvent{
			TenantID:     common.TenantID,
			JitEventName: common.JitEventName,
			Executions:   triggerEvents[start:end],
		}
		if err := s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
			Type:      events.EventTypeTriggerEvent,
			Key:       common.TenantID,
			Timestamp: time.Now().UTC(),
			Payload:   bulk,
		}); err != nil {
			return fmt.Errorf("publishing trigger events: %w", err)
		}
	}

	s.logger.Info(ctx, "published trigger execution events",
		"tenant_id", common.TenantID, "jit_event_id", common.JitEventID, "executions", len(triggerEvents))
	return nil
}

// TriggerEnrichmentJob publishes the enrich execution for a suspended flow.
// The task token rides on the execution context; the enricher echoes it on
// completion.
func (s *Service) TriggerEnrichmentJob(ctx context.Context, prepareEvent trigger.PrepareForExecutionEvent, taskToken string) error {
	ctx, span := s.tracer.Start(ctx, "prepare.trigger_enrichment_job")
	defer span.End()

	common := prepareEvent.JitEvent.Common()

	enrichJobs, err := expandEnrichmentJobs(prepareEvent.DependsOnWorkflowsTemplates)
	if err != nil {
		return err
	}
	if len(enrichJobs) == 0 {
		return fmt.Errorf("%w: jit event %s", ErrNoEnrichmentWorkflow, common.JitEventID)
	}

	apiToken, err := s.auth.GetAPIToken(ctx, common.TenantID)
	if err != nil {
		return fmt.Errorf("getting api token: %w", err)
	}
	centralized := s.centralizedMetadata(ctx, apiToken, common.TenantID)

	triggerEvents := make([]trigger.TriggerExecutionEvent, 0, len(enrichJobs))
	for _, job := range enrichJobs {
		execCtx := trigger.ExecutionContext{
			JitEvent:     prepareEvent.JitEvent,
			Asset:        prepareEvent.Asset,
			Installation: prepareEvent.RelevantInstallation(),
			Job: trigger.WorkflowJob{
				JobName: job.JobName,
				Runner:  job.RawJob.Runner,
				Steps:   job.RawJob.Steps,
			},
			Centralized: centralized,
			Workflow: trigger.ContextWorkflow{
				Slug: job.WorkflowSlug,
				Name: job.WorkflowName,
			},
			TaskToken: taskToken,
		}
		execCtx.Job.Steps = interpolateSteps(execCtx.Job.Steps, execCtx)

		triggerEvents = append(triggerEvents, trigger.TriggerExecutionEvent{
			Context:      execCtx,
			PlanSlug:     plan.JitPlanSlug,
			PlanItemSlug: plan.PlaceholderPlanItemSlug,
			WorkflowSlug: job.WorkflowSlug,
			JobName:      job.JobName,
			Steps:        execCtx.Job.Steps,
			CreatedAt:    trigger.NowISO(time.Now()),
			JobRunner:    job.Runner(),
			JitEvent:     prepareEvent.JitEvent,
			ControlType:  execution.ControlTypeEnrichment,
		})
	}

	return s.publishTriggerEvents(ctx, common, triggerEvents)
}

// expandEnrichmentJobs expands the shared depends-on workflows into their
// job wrappers.
func expandEnrichmentJobs(workflows []plan.WorkflowTemplate) ([]trigger.JobTemplateWrapper, error) {
	var out []trigger.JobTemplateWrapper
	for _, workflow := range workflows {
		wrapper := trigger.WorkflowTemplateWrapper{
			PlanItemSlug: plan.PlaceholderPlanItemSlug,
			WorkflowSlug: workflow.Slug,
			WorkflowName: workflow.Name,
			RawWorkflow:  workflow,
		}
		jobs, err := wrapper.Jobs()
		if err != nil {
			return nil, fmt.Errorf("expanding enrichment workflow %s: %w", workflow.Slug, err)
		}
		out = append(out, jobs...)
	}
	return out, nil
}

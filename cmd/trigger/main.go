package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/jitsecurity/trigger-service/internal/api"
	"github.com/jitsecurity/trigger-service/internal/app/cancel"
	"github.com/jitsecurity/trigger-service/internal/app/enrichmentflow"
	applifecycle "github.com/jitsecurity/trigger-service/internal/app/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/app/manual"
	"github.com/jitsecurity/trigger-service/internal/app/orchestration"
	"github.com/jitsecurity/trigger-service/internal/app/prepare"
	"github.com/jitsecurity/trigger-service/internal/app/resolver"
	"github.com/jitsecurity/trigger-service/internal/app/translate"
	"github.com/jitsecurity/trigger-service/internal/app/watchdog"
	"github.com/jitsecurity/trigger-service/internal/config"
	"github.com/jitsecurity/trigger-service/internal/domain/events"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	eventdispatcher "github.com/jitsecurity/trigger-service/internal/infra/event_dispatcher"
	"github.com/jitsecurity/trigger-service/internal/infra/eventbus/kafka"
	"github.com/jitsecurity/trigger-service/internal/infra/clients"
	guardStore "github.com/jitsecurity/trigger-service/internal/infra/idempotency/postgres"
	enrichmentStore "github.com/jitsecurity/trigger-service/internal/infra/storage/enrichment/postgres"
	flowStore "github.com/jitsecurity/trigger-service/internal/infra/storage/flow/postgres"
	lifecycleStore "github.com/jitsecurity/trigger-service/internal/infra/storage/lifecycle/postgres"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
	"github.com/jitsecurity/trigger-service/pkg/common/otel"
)

const serviceType = "trigger"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("TRIGGER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	cfg, err := config.Load(os.Getenv("TRIGGER_CONFIG_FILE"))
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: 1,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.ServiceName)

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "migrations applied, starting application")

	mp, err := otel.NewMeterProvider(cfg.ServiceName)
	if err != nil {
		log.Error(ctx, "failed to create meter provider", "error", err)
		os.Exit(1)
	}
	metrics, err := api.NewMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:               cfg.Kafka.Brokers,
		TriggerExecutionTopic: cfg.Kafka.TriggerExecutionTopic,
		LifeCycleTopic:        cfg.Kafka.LifeCycleTopic,
		NotificationsTopic:    cfg.Kafka.NotificationsTopic,
		GroupID:               cfg.Kafka.GroupID,
		ClientID:              svcName,
		ServiceType:           serviceType,
	}, log, metrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error(ctx, "failed to close event bus", "error", err)
		}
	}()

	publisher := kafka.NewDomainEventPublisher(eventBus, events.NewDomainEventTranslator())

	lifecycleRepo := lifecycleStore.NewLifecycleStore(pool, tracer)
	enrichmentRepo := enrichmentStore.NewEnrichmentStore(pool, tracer)
	flowRepo := flowStore.NewFlowStore(pool, tracer)
	guard := guardStore.NewGuardStore(pool, tracer)

	clientCfg := clients.Config{
		AuthServiceURL:        cfg.Services.AuthURL,
		TenantServiceURL:      cfg.Services.TenantURL,
		AssetServiceURL:       cfg.Services.AssetURL,
		PlanServiceURL:        cfg.Services.PlanURL,
		ExecutionServiceURL:   cfg.Services.ExecutionURL,
		SCMServiceURL:         cfg.Services.SCMURL,
		GithubServiceURL:      cfg.Services.GithubURL,
		FeatureFlagServiceURL: cfg.Services.FeatureFlagURL,
		Timeout:               cfg.Services.Timeout,
	}
	authClient := clients.NewAuthClient(clientCfg, tracer, log)
	tenantClient := clients.NewTenantClient(clientCfg, tracer, log)
	assetClient := clients.NewAssetClient(clientCfg, tracer, log)
	planClient := clients.NewPlanClient(clientCfg, tracer, log)
	executionClient := clients.NewExecutionClient(clientCfg, tracer, log)
	scmClient := clients.NewSCMClient(clientCfg, tracer, log)
	githubClient := clients.NewGithubClient(clientCfg, tracer, log)
	flagClient := clients.NewFeatureFlagClient(clientCfg, tracer, log)

	lifecycleSvc := applifecycle.NewService(lifecycleRepo, publisher, log, tracer)
	completionHandler := applifecycle.NewCompletionHandler(lifecycleSvc, guard, log, tracer)

	prepareSvc := prepare.NewService(publisher, authClient, planClient, enrichmentRepo, lifecycleSvc, log, tracer)
	flowSvc := enrichmentflow.NewService(prepareSvc, flowRepo, lifecycleSvc, cfg.Flow.CallbackDeadline, log, tracer)
	orchestrationSvc := orchestration.NewService(publisher, authClient, assetClient, scmClient, planClient, enrichmentRepo, lifecycleSvc, log, tracer)
	resolverSvc := resolver.NewService(publisher, authClient, planClient, tenantClient, githubClient, flagClient, lifecycleSvc, orchestrationSvc, log, tracer)
	translateSvc := translate.NewService(publisher, authClient, tenantClient, assetClient, flagClient, guard, log, tracer)
	cancelSvc := cancel.NewService(publisher, authClient, executionClient, planClient, guard, log, tracer)
	watchdogSvc := watchdog.NewService(lifecycleRepo, publisher, authClient, executionClient, tenantClient, githubClient,
		cfg.Watchdog.WindowStart, cfg.Watchdog.WindowEnd, log, tracer)

	manualSvc := manual.NewService(publisher, authClient, planClient, assetClient, log, tracer)
	enricher := enrichmentflow.NewEnricher(flowSvc, authClient, assetClient, tenantClient, planClient, log, tracer)

	dispatcher := eventdispatcher.New(tracer, log, metrics)
	handlers := []events.EventHandler{
		translateSvc,
		resolverSvc,
		orchestrationSvc,
		flowSvc,
		cancelSvc,
		watchdogSvc,
		completionHandler,
	}
	var consumedTypes []events.EventType
	for _, handler := range handlers {
		for _, eventType := range handler.SupportedEvents() {
			dispatcher.RegisterHandler(ctx, eventType, handler.HandleEvent)
			consumedTypes = append(consumedTypes, eventType)
		}
	}

	if err := eventBus.Subscribe(ctx, consumedTypes, dispatcher.Dispatch); err != nil {
		log.Error(ctx, "failed to subscribe to event bus", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg.API.Addr(), lifecycleSvc, manualSvc, enricher, metrics, log, tracer)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gCtx) })

	// Debug server with pprof and live runtime visualization, localhost only.
	g.Go(func() error {
		mux := http.NewServeMux()
		if err := statsviz.Register(mux); err != nil {
			log.Error(gCtx, "failed to register statsviz", "error", err)
			return nil
		}
		mux.Handle("/debug/pprof/", http.DefaultServeMux)

		srv := &http.Server{Addr: "localhost:" + cfg.API.DebugPort, Handler: mux}
		go func() {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(gCtx, "debug server failed", "error", err)
		}
		return nil
	})

	// Sweep flow runs whose enrichment callback never arrived.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Flow.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case now := <-ticker.C:
				if err := flowSvc.SweepExpired(gCtx, now.UTC()); err != nil {
					log.Error(gCtx, "flow sweep failed", "error", err)
				}
			}
		}
	})

	// Purge lifecycle records past their retention.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TTL.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case now := <-ticker.C:
				purged, err := lifecycleRepo.PurgeExpired(gCtx, now.UTC())
				if err != nil {
					log.Error(gCtx, "lifecycle purge failed", "error", err)
					continue
				}
				if purged > 0 {
					log.Info(gCtx, "purged expired lifecycle records", "count", purged)
				}
			}
		}
	})

	// Rotate watchdog ticks across the buckets.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Watchdog.TickInterval)
		defer ticker.Stop()
		bucket := 0
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				tick := lifecycle.WatchdogTickEvent{Bucket: bucket}
				if err := publisher.PublishDomainEvent(gCtx, events.DomainEvent{
					Type:      events.EventTypePRWatchdog,
					Timestamp: time.Now().UTC(),
					Payload:   tick,
				}); err != nil {
					log.Error(gCtx, "publishing watchdog tick failed", "error", err, "bucket", bucket)
				}
				bucket = (bucket + 1) % lifecycle.WatchdogBuckets
			}
		}
	})

	server.SetReady(true)
	log.Info(ctx, "trigger service started", "addr", cfg.API.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig)
		server.SetReady(false)
		cancelCtx()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "service error", "error", err)
			os.Exit(1)
		}
	}
}

// runMigrations applies all up migrations from db/migrations using a
// connection from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("TRIGGER_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

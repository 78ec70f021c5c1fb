// Package api exposes the service's HTTP surface: lifecycle record lookup,
// manual execution, and the async enrichment entry point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/app/enrichmentflow"
	"github.com/jitsecurity/trigger-service/internal/app/manual"
	"github.com/jitsecurity/trigger-service/internal/domain/lifecycle"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
	"github.com/jitsecurity/trigger-service/pkg/common/otel"
)

// tenantHeader carries the caller's tenant, injected by the gateway in front
// of this service.
const tenantHeader = "X-Tenant-ID"

// LifecycleReader serves the jit event lookup endpoint.
type LifecycleReader interface {
	GetJitEvent(ctx context.Context, tenantID, jitEventID string) (lifecycle.JitEventRecord, error)
}

// ManualExecutor serves the manual execution endpoint.
type ManualExecutor interface {
	Execute(ctx context.Context, req manual.Request) (string, error)
}

// EnrichmentStarter serves the async enrichment endpoint.
type EnrichmentStarter interface {
	Enrich(ctx context.Context, jitEvent *trigger.CodeRelatedJitEvent) (string, error)
}

// RequestMetrics records HTTP request outcomes.
type RequestMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
}

// Server is the HTTP surface.
type Server struct {
	addr   string
	router *chi.Mux

	lifecycle LifecycleReader
	manual    ManualExecutor
	enricher  EnrichmentStarter

	ready  atomic.Bool
	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer builds the HTTP server. It starts not-ready; call SetReady once
// the bus and stores are connected.
func NewServer(
	addr string,
	lifecycleReader LifecycleReader,
	manualExecutor ManualExecutor,
	enricher EnrichmentStarter,
	metrics RequestMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(metricsMiddleware(metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:      addr,
		router:    r,
		lifecycle: lifecycleReader,
		manual:    manualExecutor,
		enricher:  enricher,
		logger:    log.With("component", "api"),
		tracer:    tracer,
	}

	s.routes()
	return s
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func metricsMiddleware(m RequestMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			ctx := r.Context()
			// Use the route pattern rather than the raw path to bound cardinality.
			path := chi.RouteContext(ctx).RoutePattern()
			m.IncRequestsTotal(ctx, r.Method, path, ww.Status())
			m.ObserveRequestDuration(ctx, r.Method, path, time.Since(start))
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Get("/jit-event/{jit_event_id}", s.handleGetJitEvent)
		r.Post("/manual-execution", s.handleManualExecution)
		r.Post("/enrich", s.handleEnrich)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type validationResponse struct {
	Errors []string `json:"errors"`
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(ctx, "encoding response failed", "error", err)
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	s.respond(ctx, w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetJitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jitEventID := chi.URLParam(r, "jit_event_id")
	tenantID := r.Header.Get(tenantHeader)
	if jitEventID == "" || tenantID == "" {
		s.respondError(ctx, w, http.StatusBadRequest, "invalid_request", "jit event id and tenant are required")
		return
	}

	record, err := s.lifecycle.GetJitEvent(ctx, tenantID, jitEventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(ctx, w, http.StatusNotFound, "not_found", "jit event not found")
			return
		}
		s.logger.Error(ctx, "getting jit event failed", "error", err, "jit_event_id", jitEventID)
		s.respondError(ctx, w, http.StatusInternalServerError, "internal", "failed to get jit event")
		return
	}

	s.respond(ctx, w, http.StatusOK, record)
}

func (s *Server) handleManualExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req manual.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(ctx, w, http.StatusBadRequest, validationResponse{Errors: []string{"invalid request body"}})
		return
	}
	if tenantID := r.Header.Get(tenantHeader); tenantID != "" {
		req.TenantID = tenantID
	}

	jitEventID, err := s.manual.Execute(ctx, req)
	if err != nil {
		var verr *manual.ValidationError
		if errors.As(err, &verr) {
			s.respond(ctx, w, http.StatusBadRequest, validationResponse{Errors: verr.Problems})
			return
		}
		s.logger.Error(ctx, "manual execution failed", "error", err, "tenant_id", req.TenantID)
		s.respondError(ctx, w, http.StatusInternalServerError, "internal", "failed to start manual execution")
		return
	}

	s.respond(ctx, w, http.StatusCreated, map[string]string{"jit_event_id": jitEventID})
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	jitEvent, err := trigger.ParseJitEvent(raw)
	if err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	codeEvent, ok := trigger.AsCodeRelated(jitEvent)
	if !ok {
		s.respondError(ctx, w, http.StatusBadRequest, "invalid_request", "enrichment requires a code-related jit event")
		return
	}
	if tenantID := r.Header.Get(tenantHeader); tenantID != "" {
		codeEvent.TenantID = tenantID
	}

	taskToken, err := s.enricher.Enrich(ctx, codeEvent)
	if err != nil {
		if errors.Is(err, enrichmentflow.ErrAssetNotFound) {
			s.respondError(ctx, w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error(ctx, "starting enrichment failed", "error", err, "tenant_id", codeEvent.TenantID)
		s.respondError(ctx, w, http.StatusInternalServerError, "internal", "failed to start enrichment")
		return
	}

	s.respond(ctx, w, http.StatusCreated, map[string]string{"task_token": taskToken})
}

// Start serves until ctx is canceled, then drains with a shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: otelhttp.NewHandler(s.router, "trigger-api"),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

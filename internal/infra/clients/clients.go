// Package clients holds thin HTTP facades over the platform services this
// service depends on: authentication, tenant, asset, plan, execution, SCM,
// github and feature flags. Every facade shares one instrumented transport,
// retries transient failures, and maps 404 responses to storage.ErrNotFound.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

// Config carries the base URLs of the platform services.
type Config struct {
	AuthServiceURL        string
	TenantServiceURL      string
	AssetServiceURL       string
	PlanServiceURL        string
	ExecutionServiceURL   string
	SCMServiceURL         string
	GithubServiceURL      string
	FeatureFlagServiceURL string

	// Timeout bounds each request attempt, not the whole retry budget.
	Timeout time.Duration
}

// StatusError is returned for non-2xx responses that are not 404s.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// IsRetryable reports whether the response status is worth retrying.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// apiClient is the shared plumbing under every service facade.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	service    string
	tracer     trace.Tracer
	logger     *logger.Logger
}

func newAPIClient(baseURL, service string, timeout time.Duration, tracer trace.Tracer, log *logger.Logger) *apiClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: baseURL,
		service: service,
		tracer:  tracer,
		logger:  log.With("component", "clients", "service", service),
	}
}

// doJSON performs one JSON request with retries on transient failures.
// A 404 maps to storage.ErrNotFound; other non-2xx statuses surface as
// StatusError. When out is non-nil the response body decodes into it.
func (c *apiClient) doJSON(ctx context.Context, method, path, apiToken string, query url.Values, body, out any) error {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s_client.%s", c.service, method),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s request body: %w", path, err)
		}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request for %s: %w", fullURL, err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+apiToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("requesting %s: %w", fullURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(storage.ErrNotFound)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			statusErr := &StatusError{StatusCode: resp.StatusCode, URL: fullURL, Body: string(raw)}
			if !statusErr.IsRetryable() {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s response: %w", fullURL, err))
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 30 * time.Second
	expBackoff.InitialInterval = 250 * time.Millisecond

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

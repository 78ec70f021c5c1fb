package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

func newTestClient(t *testing.T, baseURL string) *apiClient {
	t.Helper()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return newAPIClient(baseURL, "test", 2*time.Second, noop.NewTracerProvider().Tracer("test"), log)
}

func TestDoJSON_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"hello"}`))
	}))
	defer srv.Close()

	var out struct {
		Value string `json:"value"`
	}
	client := newTestClient(t, srv.URL)
	err := client.doJSON(context.Background(), http.MethodGet, "/thing", "tok-123", nil, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Value)
}

func TestDoJSON_NotFoundMapsToErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.doJSON(context.Background(), http.MethodGet, "/missing", "", nil, nil, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDoJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.doJSON(context.Background(), http.MethodGet, "/flaky", "", nil, nil, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDoJSON_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.doJSON(context.Background(), http.MethodGet, "/bad", "", nil, nil, nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListTeamsWithPRCheckEnabled_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("is_pr_check_enabled"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			_, _ = w.Write([]byte(`{"teams":[{"name":"backend"}],"next_page":"2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"teams":[{"name":"frontend"}]}`))
	}))
	defer srv.Close()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	client := NewTenantClient(Config{TenantServiceURL: srv.URL, Timeout: time.Second},
		noop.NewTracerProvider().Tracer("test"), log)

	teams, err := client.ListTeamsWithPRCheckEnabled(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "backend", teams[0].Name)
	assert.Equal(t, "frontend", teams[1].Name)
}

func TestFeatureFlagClient_FallsBackToDefault(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	client := NewFeatureFlagClient(Config{FeatureFlagServiceURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond},
		noop.NewTracerProvider().Tracer("test"), log)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.True(t, client.IsEnabled(ctx, FlagAllowControlledPRChecks, "tenant-1", true))
}

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jitsecurity/trigger-service/internal/infra/storage"
	"github.com/jitsecurity/trigger-service/pkg/common/logger"
)

const githubAPIBaseURL = "https://api.github.com"

// GithubClient mints installation tokens through the platform's github
// service and reads pull-request and check data straight from the GitHub
// API. The direct calls are rate limited because the watchdog makes several
// of them per lifecycle record.
type GithubClient struct {
	api        *apiClient
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	logger     *logger.Logger
}

// NewGithubClient builds the github facade.
func NewGithubClient(cfg Config, tracer trace.Tracer, log *logger.Logger) *GithubClient {
	return &GithubClient{
		api: newAPIClient(cfg.GithubServiceURL, "github", cfg.Timeout, tracer, log),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		baseURL: githubAPIBaseURL,
		logger:  log.With("component", "clients", "service", "github"),
	}
}

// GetToken mints a GitHub installation token for the given installation.
// storage.ErrNotFound when the installation no longer exists.
func (c *GithubClient) GetToken(ctx context.Context, installationID, appID string) (string, error) {
	if installationID == "" || appID == "" {
		return "", fmt.Errorf("installation_id or app_id missing: installation_id=%q app_id=%q", installationID, appID)
	}
	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/token/installation/%s/app/%s", installationID, appID)
	if err := c.api.doJSON(ctx, http.MethodPost, path, "", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("getting github token for installation %s: %w", installationID, err)
	}
	return resp.Token, nil
}

// GithubStatusOutage is the vendor status value that withholds CI-hosted
// executions.
const GithubStatusOutage = "outage"

// GetVendorStatus reports the platform's view of GitHub availability.
// Lookup failures are treated as operational so an unreachable status
// endpoint never blocks the pipeline.
func (c *GithubClient) GetVendorStatus(ctx context.Context) string {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.api.doJSON(ctx, http.MethodGet, "/status", "", nil, nil, &resp); err != nil {
		c.logger.Warn(ctx, "github status lookup failed, assuming operational", "error", err)
		return "operational"
	}
	return resp.Status
}

// GithubPullRequest is the slice of a pull request the watchdog inspects.
type GithubPullRequest struct {
	Number int `json:"number"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// GithubCheckSuite is one check suite on a commit.
type GithubCheckSuite struct {
	ID  int64 `json:"id"`
	App struct {
		Name string `json:"name"`
	} `json:"app"`
}

// GithubCheckRun is one check run inside a suite.
type GithubCheckRun struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// GetPullRequest fetches the pull request; storage.ErrNotFound when the PR
// is gone.
func (c *GithubClient) GetPullRequest(ctx context.Context, githubToken, org, repo string, prNumber int) (GithubPullRequest, error) {
	var pr GithubPullRequest
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, org, repo, prNumber)
	if err := c.doGithub(ctx, githubToken, url, &pr); err != nil {
		return GithubPullRequest{}, fmt.Errorf("getting pull request %s/%s#%d: %w", org, repo, prNumber, err)
	}
	return pr, nil
}

// ListCheckSuites lists the check suites attached to a commit.
func (c *GithubClient) ListCheckSuites(ctx context.Context, githubToken, org, repo, commitSHA string) ([]GithubCheckSuite, error) {
	var resp struct {
		CheckSuites []GithubCheckSuite `json:"check_suites"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-suites", c.baseURL, org, repo, commitSHA)
	if err := c.doGithub(ctx, githubToken, url, &resp); err != nil {
		return nil, fmt.Errorf("listing check suites for %s/%s@%s: %w", org, repo, commitSHA, err)
	}
	return resp.CheckSuites, nil
}

// ListChecksForSuite lists the check runs of one suite.
func (c *GithubClient) ListChecksForSuite(ctx context.Context, githubToken, org, repo string, checkSuiteID int64) ([]GithubCheckRun, error) {
	var resp struct {
		CheckRuns []GithubCheckRun `json:"check_runs"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/check-suites/%d/check-runs", c.baseURL, org, repo, checkSuiteID)
	if err := c.doGithub(ctx, githubToken, url, &resp); err != nil {
		return nil, fmt.Errorf("listing check runs for suite %d: %w", checkSuiteID, err)
	}
	return resp.CheckRuns, nil
}

func (c *GithubClient) doGithub(ctx context.Context, githubToken, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.antiope-preview+json")
	req.Header.Set("Authorization", "token "+githubToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, URL: url, Body: string(raw)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", url, err)
	}
	return nil
}

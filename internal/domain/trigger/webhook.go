package trigger

import (
	"encoding/json"
	"fmt"
)

// Webhook event types as delivered by the webhook gateway.
const (
	WebhookEventPullRequestOpened      = "pull_request_opened"
	WebhookEventPullRequestSynchronize = "pull_request_synchronize"
	WebhookEventPullRequestClosed      = "pull_request_closed"
	WebhookEventDeploymentStatus       = "deployment_status_created"
	WebhookEventRerunPipeline          = "rerun_pipeline"
	WebhookEventCheckRerun             = "check_rerun"
)

// WebhookKind is the typed class an event_type maps to.
type WebhookKind string

const (
	WebhookKindPullRequest WebhookKind = "pull_request"
	WebhookKindDeployment  WebhookKind = "deployment"
	WebhookKindRerunSuite  WebhookKind = "rerun_suite"
	WebhookKindRerunSingle WebhookKind = "rerun_single_check"
)

// webhookKindsByEventType is the fixed classification table. Unknown event
// types are dropped by the translator, not errors.
var webhookKindsByEventType = map[string]WebhookKind{
	WebhookEventPullRequestOpened:      WebhookKindPullRequest,
	WebhookEventPullRequestSynchronize: WebhookKindPullRequest,
	WebhookEventPullRequestClosed:      WebhookKindPullRequest,
	WebhookEventDeploymentStatus:       WebhookKindDeployment,
	WebhookEventRerunPipeline:          WebhookKindRerunSuite,
	WebhookEventCheckRerun:             WebhookKindRerunSingle,
}

// ClassifyWebhookEventType maps an event_type to its webhook class.
func ClassifyWebhookEventType(eventType string) (WebhookKind, bool) {
	kind, ok := webhookKindsByEventType[eventType]
	return kind, ok
}

// WebhookEvent is the raw webhook envelope as published by the gateway.
type WebhookEvent struct {
	EventType       string            `json:"event_type"`
	Vendor          string            `json:"vendor,omitempty"`
	WebhookHeaders  map[string]string `json:"webhook_headers,omitempty"`
	WebhookBodyJSON json.RawMessage   `json:"webhook_body_json"`
}

// Repository is the repository block common to all SCM webhook bodies.
type Repository struct {
	Name          string    `json:"name"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Owner         RepoOwner `json:"owner"`
}

// RepoOwner is the owning account of a repository.
type RepoOwner struct {
	Login string `json:"login"`
}

// Sender is the user that caused the webhook.
type Sender struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// InstallationRef carries the vendor-side installation id.
type InstallationRef struct {
	ID int64 `json:"id"`
}

// BranchRef is one side of a pull request.
type BranchRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest is the pull_request block of a PR webhook body.
type PullRequest struct {
	Number     int        `json:"number"`
	Title      string     `json:"title"`
	Merged     bool       `json:"merged"`
	Head       BranchRef  `json:"head"`
	Base       *BranchRef `json:"base,omitempty"`
	HTMLURL    string     `json:"html_url,omitempty"`
	CommitsURL string     `json:"commits_url,omitempty"`
	CreatedAt  string     `json:"created_at,omitempty"`
	UpdatedAt  string     `json:"updated_at,omitempty"`
}

// PullRequestWebhookBody is the body of pull_request_* webhooks.
type PullRequestWebhookBody struct {
	PullRequest  PullRequest      `json:"pull_request"`
	Repository   Repository       `json:"repository"`
	Sender       Sender           `json:"sender"`
	Installation *InstallationRef `json:"installation,omitempty"`
}

// Deployment is the deployment block of a deployment webhook body.
type Deployment struct {
	ID          int64  `json:"id"`
	Environment string `json:"environment"`
	Ref         string `json:"ref"`
	SHA         string `json:"sha"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// CheckRun is the check_run block carried on deployment and single-check
// rerun webhooks.
type CheckRun struct {
	Name        string      `json:"name,omitempty"`
	Status      string      `json:"status,omitempty"`
	Conclusion  string      `json:"conclusion,omitempty"`
	StartedAt   string      `json:"started_at,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
	HTMLURL     string      `json:"html_url,omitempty"`
	CheckSuite  *CheckSuite `json:"check_suite,omitempty"`
}

// DeploymentWebhookBody is the body of deployment_status webhooks.
type DeploymentWebhookBody struct {
	Deployment   Deployment       `json:"deployment"`
	CheckRun     *CheckRun        `json:"check_run,omitempty"`
	Repository   Repository       `json:"repository"`
	Sender       Sender           `json:"sender"`
	Installation *InstallationRef `json:"installation,omitempty"`
}

// CheckSuitePullRequest is the trimmed PR reference inside a check suite.
type CheckSuitePullRequest struct {
	Number int       `json:"number"`
	Head   BranchRef `json:"head"`
	Base   BranchRef `json:"base"`
}

// CheckSuite identifies a CI check suite; it is the idempotency key for
// rerun webhooks.
type CheckSuite struct {
	ID           int64                   `json:"id"`
	HeadSHA      string                  `json:"head_sha,omitempty"`
	PullRequests []CheckSuitePullRequest `json:"pull_requests"`
}

// RerunWebhookBody is the body of suite-level rerun webhooks.
type RerunWebhookBody struct {
	CheckSuite   CheckSuite       `json:"check_suite"`
	Repository   Repository       `json:"repository"`
	Sender       Sender           `json:"sender"`
	Installation *InstallationRef `json:"installation,omitempty"`
}

// SingleCheckRerunWebhookBody is the body of single-check rerun webhooks.
type SingleCheckRerunWebhookBody struct {
	CheckRun     CheckRun         `json:"check_run"`
	Repository   Repository       `json:"repository"`
	Sender       Sender           `json:"sender"`
	Installation *InstallationRef `json:"installation,omitempty"`
}

// WebhookBody is implemented by the typed webhook bodies; it exposes the
// fields the translator needs regardless of variant.
type WebhookBody interface {
	Repo() Repository
	WebhookSender() Sender
	InstallationID() (int64, bool)
}

func (b *PullRequestWebhookBody) Repo() Repository     { return b.Repository }
func (b *PullRequestWebhookBody) WebhookSender() Sender { return b.Sender }
func (b *PullRequestWebhookBody) InstallationID() (int64, bool) {
	if b.Installation == nil {
		return 0, false
	}
	return b.Installation.ID, true
}

func (b *DeploymentWebhookBody) Repo() Repository     { return b.Repository }
func (b *DeploymentWebhookBody) WebhookSender() Sender { return b.Sender }
func (b *DeploymentWebhookBody) InstallationID() (int64, bool) {
	if b.Installation == nil {
		return 0, false
	}
	return b.Installation.ID, true
}

func (b *RerunWebhookBody) Repo() Repository     { return b.Repository }
func (b *RerunWebhookBody) WebhookSender() Sender { return b.Sender }
func (b *RerunWebhookBody) InstallationID() (int64, bool) {
	if b.Installation == nil {
		return 0, false
	}
	return b.Installation.ID, true
}

func (b *SingleCheckRerunWebhookBody) Repo() Repository     { return b.Repository }
func (b *SingleCheckRerunWebhookBody) WebhookSender() Sender { return b.Sender }
func (b *SingleCheckRerunWebhookBody) InstallationID() (int64, bool) {
	if b.Installation == nil {
		return 0, false
	}
	return b.Installation.ID, true
}

// ParseWebhookBody decodes the raw body into the typed variant for the given
// webhook class.
func ParseWebhookBody(kind WebhookKind, raw json.RawMessage) (WebhookBody, error) {
	var body WebhookBody
	switch kind {
	case WebhookKindPullRequest:
		body = new(PullRequestWebhookBody)
	case WebhookKindDeployment:
		body = new(DeploymentWebhookBody)
	case WebhookKindRerunSuite:
		body = new(RerunWebhookBody)
	case WebhookKindRerunSingle:
		body = new(SingleCheckRerunWebhookBody)
	default:
		return nil, fmt.Errorf("no webhook body for kind %q", kind)
	}

	if err := json.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("decoding %s webhook body: %w", kind, err)
	}
	return body, nil
}

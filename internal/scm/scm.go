// Package scm provides the SCMProvider abstraction PullRequestService uses
// to push branches and open pull requests, plus a GitHub REST reference
// implementation. No generated client library is used: requests are built
// directly against the v3 REST API, matching how every HTTP-calling
// component elsewhere in this module works.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Error wraps an SCM call failure with the HTTP status it should propagate
// as (spec.md §4.8: "All SCM errors with an HTTP status propagate as that
// status").
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus reports StatusCode, which apierr.StatusOf uses as the
// response status.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// PushCredentials is a short-lived, app-level (not user) credential for
// pushing a branch to the remote.
type PushCredentials struct {
	RemoteURL   string
	AccessToken string
}

// CreatePullRequestRequest describes a PR to open.
type CreatePullRequestRequest struct {
	RepoOwner  string
	RepoName   string
	Title      string
	Body       string
	HeadBranch string
	BaseBranch string
}

// PullRequestResult is the outcome of a successful CreatePullRequest call.
type PullRequestResult struct {
	Number int
	URL    string
	State  string
}

// Provider is the narrow SCM surface PullRequestService needs: app-level
// push credentials, the repo's default branch, and user-authenticated PR
// creation.
type Provider interface {
	AppPushCredentials(ctx context.Context, repoOwner, repoName string) (PushCredentials, error)
	DefaultBranch(ctx context.Context, repoOwner, repoName string) (string, error)
	CreatePullRequest(ctx context.Context, userAccessToken string, req CreatePullRequestRequest) (*PullRequestResult, error)
}

// GitHubProvider is a reference Provider backed by the GitHub REST API.
type GitHubProvider struct {
	baseURL    string
	appToken   string
	httpClient *http.Client
}

// NewGitHubProvider builds a GitHubProvider. appToken authenticates
// app-level calls (push credential minting, default-branch lookup);
// baseURL defaults to https://api.github.com.
func NewGitHubProvider(baseURL, appToken string) *GitHubProvider {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubProvider{baseURL: strings.TrimRight(baseURL, "/"), appToken: appToken, httpClient: http.DefaultClient}
}

func (g *GitHubProvider) AppPushCredentials(ctx context.Context, repoOwner, repoName string) (PushCredentials, error) {
	return PushCredentials{
		RemoteURL:   fmt.Sprintf("https://github.com/%s/%s.git", repoOwner, repoName),
		AccessToken: g.appToken,
	}, nil
}

func (g *GitHubProvider) DefaultBranch(ctx context.Context, repoOwner, repoName string) (string, error) {
	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.doJSON(ctx, g.appClient(ctx), http.MethodGet, fmt.Sprintf("/repos/%s/%s", repoOwner, repoName), nil, &repo); err != nil {
		return "", err
	}
	return repo.DefaultBranch, nil
}

// CreatePullRequest opens a PR using the prompting participant's own OAuth
// token, per spec.md §4.8 step 7 ("user auth, not app auth").
func (g *GitHubProvider) CreatePullRequest(ctx context.Context, userAccessToken string, req CreatePullRequestRequest) (*PullRequestResult, error) {
	body := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.HeadBranch,
		"base":  req.BaseBranch,
	}
	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
	}
	client := g.userClient(ctx, userAccessToken)
	path := fmt.Sprintf("/repos/%s/%s/pulls", req.RepoOwner, req.RepoName)
	if err := g.doJSON(ctx, client, http.MethodPost, path, body, &pr); err != nil {
		return nil, err
	}
	return &PullRequestResult{Number: pr.Number, URL: pr.HTMLURL, State: pr.State}, nil
}

func (g *GitHubProvider) appClient(ctx context.Context) *http.Client {
	if g.appToken == "" {
		return g.httpClient
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: g.appToken})
	return oauth2.NewClient(ctx, src)
}

func (g *GitHubProvider) userClient(ctx context.Context, userAccessToken string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: userAccessToken})
	return oauth2.NewClient(ctx, src)
}

func (g *GitHubProvider) doJSON(ctx context.Context, client *http.Client, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal scm request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build scm request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send scm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respData, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("scm request to %s failed with %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respData)))}
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode scm response: %w", err)
	}
	return nil
}

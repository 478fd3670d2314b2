package scm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreatePullRequestUsesUserBearerToken(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 42, "html_url": "https://example.com/pr/42", "state": "open"})
	}))
	defer srv.Close()

	provider := NewGitHubProvider(srv.URL, "app-token")
	result, err := provider.CreatePullRequest(context.Background(), "user-token-abc", CreatePullRequestRequest{
		RepoOwner: "acme", RepoName: "web-app", Title: "Fix bug", HeadBranch: "session/123", BaseBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, 42, result.Number)
	require.Equal(t, "https://example.com/pr/42", result.URL)
	require.Equal(t, "Bearer user-token-abc", gotAuth)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/repos/acme/web-app/pulls", gotPath)
}

func TestCreatePullRequestPropagatesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"a pull request already exists"}`))
	}))
	defer srv.Close()

	provider := NewGitHubProvider(srv.URL, "")
	_, err := provider.CreatePullRequest(context.Background(), "user-token", CreatePullRequestRequest{RepoOwner: "acme", RepoName: "web-app"})
	require.Error(t, err)

	var scmErr *Error
	require.ErrorAs(t, err, &scmErr)
	require.Equal(t, http.StatusUnprocessableEntity, scmErr.StatusCode)
}

func TestDefaultBranchUsesAppToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
	}))
	defer srv.Close()

	provider := NewGitHubProvider(srv.URL, "app-token")
	branch, err := provider.DefaultBranch(context.Background(), "acme", "web-app")
	require.NoError(t, err)
	require.Equal(t, "main", branch)
	require.Equal(t, "Bearer app-token", gotAuth)
}

func TestAppPushCredentialsBuildsRemoteURL(t *testing.T) {
	provider := NewGitHubProvider("", "app-token")
	creds, err := provider.AppPushCredentials(context.Background(), "acme", "web-app")
	require.NoError(t, err)
	require.Equal(t, "https://github.com/acme/web-app.git", creds.RemoteURL)
	require.Equal(t, "app-token", creds.AccessToken)
}

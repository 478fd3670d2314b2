package pr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/scm"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

type fakePusher struct {
	calls      int
	lastBranch string
	err        error
}

func (f *fakePusher) PushBranchToRemote(ctx context.Context, branchName string, spec wsproto.PushSpec) error {
	f.calls++
	f.lastBranch = branchName
	return f.err
}

type fakeProvider struct {
	defaultBranch string
	createErr     error
	createResult  *scm.PullRequestResult
	gotUserToken  string
}

func (f *fakeProvider) AppPushCredentials(ctx context.Context, repoOwner, repoName string) (scm.PushCredentials, error) {
	return scm.PushCredentials{RemoteURL: "https://github.com/" + repoOwner + "/" + repoName + ".git", AccessToken: "app-token"}, nil
}

func (f *fakeProvider) DefaultBranch(ctx context.Context, repoOwner, repoName string) (string, error) {
	return f.defaultBranch, nil
}

func (f *fakeProvider) CreatePullRequest(ctx context.Context, userAccessToken string, req scm.CreatePullRequestRequest) (*scm.PullRequestResult, error) {
	f.gotUserToken = userAccessToken
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func newTestService(t *testing.T, provider scm.Provider, pusher Pusher) (*Service, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := wsregistry.New(repo)
	require.NoError(t, repo.UpsertSession(context.Background(), &domain.Session{
		SessionName: "sess-1", RepoOwner: "acme", RepoName: "web-app", BaseBranch: "main",
		Status: domain.SessionActive, CreatedAt: 1, UpdatedAt: 1,
	}))
	return New(repo, reg, provider, pusher), repo
}

func TestCreateViaOAuthPersistsPRArtifact(t *testing.T) {
	provider := &fakeProvider{createResult: &scm.PullRequestResult{Number: 7, URL: "https://example.com/pr/7", State: "open"}}
	pusher := &fakePusher{}
	svc, repo := newTestService(t, provider, pusher)
	ctx := context.Background()

	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		ID: "p1", UserID: "u1", SCMAccessTokenEncrypted: "user-token", Role: domain.RoleOwner, JoinedAt: 1,
	}))

	result, err := svc.Create(ctx, Request{ParticipantID: "p1", Title: "Fix bug"})
	require.NoError(t, err)
	require.Equal(t, "created", result.Status)
	require.Equal(t, 7, result.PRNumber)
	require.Equal(t, "user-token", provider.gotUserToken)
	require.Equal(t, 1, pusher.calls)

	artifacts, err := repo.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, domain.ArtifactPR, artifacts[0].Type)

	sess, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "session/sess-1", sess.BranchName)
}

func TestCreateSecondCallConflicts(t *testing.T) {
	provider := &fakeProvider{createResult: &scm.PullRequestResult{Number: 1, URL: "https://example.com/pr/1", State: "open"}}
	svc, repo := newTestService(t, provider, &fakePusher{})
	ctx := context.Background()
	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		ID: "p1", UserID: "u1", SCMAccessTokenEncrypted: "user-token", Role: domain.RoleOwner, JoinedAt: 1,
	}))

	_, err := svc.Create(ctx, Request{ParticipantID: "p1"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, Request{ParticipantID: "p1"})
	require.Error(t, err)
}

func TestCreateWithoutSCMAuthFallsBackToManual(t *testing.T) {
	provider := &fakeProvider{}
	svc, repo := newTestService(t, provider, &fakePusher{})
	ctx := context.Background()
	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		ID: "p1", UserID: "u1", Role: domain.RoleOwner, JoinedAt: 1,
	}))

	result, err := svc.Create(ctx, Request{ParticipantID: "p1", HeadBranch: "feature/x", BaseBranch: "main"})
	require.NoError(t, err)
	require.Equal(t, "manual", result.Status)
	require.Contains(t, result.CreatePRUrl, "compare/main...feature/x")

	artifacts, err := repo.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, domain.ArtifactBranch, artifacts[0].Type)

	// A second manual call for the same branch reuses the existing branch
	// artifact instead of creating a duplicate.
	result2, err := svc.Create(ctx, Request{ParticipantID: "p1", HeadBranch: "feature/x", BaseBranch: "main"})
	require.NoError(t, err)
	require.Equal(t, result.CreatePRUrl, result2.CreatePRUrl)

	artifacts, err = repo.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
}

package actor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/crypto"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/queue"
	"github.com/remilabs/sessionactor/internal/sandboxprovider"
	"github.com/remilabs/sessionactor/internal/scm"
	"github.com/remilabs/sessionactor/internal/store"
)

type fakeSandboxProvider struct {
	createErr error
}

func (f *fakeSandboxProvider) Create(ctx context.Context, cfg sandboxprovider.CreateConfig) (*sandboxprovider.CreateResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandboxprovider.CreateResult{ProviderSandboxID: cfg.ExpectedSandboxID, ProviderObjectID: "obj-1"}, nil
}

func (f *fakeSandboxProvider) RestoreFromSnapshot(ctx context.Context, cfg sandboxprovider.SnapshotConfig) (*sandboxprovider.CreateResult, error) {
	return &sandboxprovider.CreateResult{ProviderSandboxID: cfg.ExpectedSandboxID, ProviderObjectID: "obj-restored"}, nil
}

func (f *fakeSandboxProvider) TakeSnapshot(ctx context.Context, providerObjectID string) (*sandboxprovider.SnapshotResult, error) {
	return &sandboxprovider.SnapshotResult{ImageID: "img-1"}, nil
}

func (f *fakeSandboxProvider) SupportsRestore() bool { return false }

type fakeSCMProvider struct{}

func (f *fakeSCMProvider) AppPushCredentials(ctx context.Context, repoOwner, repoName string) (scm.PushCredentials, error) {
	return scm.PushCredentials{RemoteURL: "https://example.test/acme/web-app.git", AccessToken: "app-token"}, nil
}

func (f *fakeSCMProvider) DefaultBranch(ctx context.Context, repoOwner, repoName string) (string, error) {
	return "main", nil
}

func (f *fakeSCMProvider) CreatePullRequest(ctx context.Context, userAccessToken string, req scm.CreatePullRequestRequest) (*scm.PullRequestResult, error) {
	return &scm.PullRequestResult{Number: 1, URL: "https://example.test/pr/1", State: "open"}, nil
}

func newTestActor(t *testing.T) (*Actor, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		Alarm: config.AlarmConfig{
			InactivityTimeout:      30 * time.Minute,
			HeartbeatTimeout:       2 * time.Minute,
			ExecutionTimeout:       90 * time.Minute,
			AuthHandshakeTimeout:   10 * time.Second,
			WSTokenLifetime:        24 * time.Hour,
			PushRendezvousDeadline: 180 * time.Second,
			InactivityWarningLead:  5 * time.Minute,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 3, OpenWindow: 60 * time.Second},
		Model:   config.ModelConfig{DefaultModel: "claude-sonnet-4-5"},
	}

	a := New("session", Deps{
		Repo:            repo,
		SandboxProvider: &fakeSandboxProvider{},
		SCMProvider:     &fakeSCMProvider{},
		CallbackSvc:     nil,
		Config:          cfg,
	})
	return a, repo
}

func testInitRequest() InitRequest {
	return InitRequest{
		RepoOwner:     "acme",
		RepoName:      "web-app",
		RepoID:        "repo-1",
		BaseBranch:    "main",
		SessionName:   "fix-bug",
		Title:         "Fix the bug",
		Model:         "claude-sonnet-4-5",
		OwnerUserID:   "user-1",
		OwnerSCMLogin: "octocat",
		OwnerSCMName:  "The Octocat",
	}
}

func TestInitCreatesSessionSandboxAndOwner(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()

	result, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)
	require.Equal(t, domain.SessionSingletonID, result.SessionID)
	require.Equal(t, "created", result.Status)

	sess, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "acme", sess.RepoOwner)
	require.Equal(t, domain.SessionActive, sess.Status)

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.NotNil(t, sb)
	require.Equal(t, domain.SandboxPending, sb.Status)

	owner, err := repo.GetParticipantByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	require.Equal(t, domain.RoleOwner, owner.Role)
}

func TestInitIsIdempotent(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()

	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	first, err := repo.GetSession(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateSessionBranch(ctx, "session/fix-bug"))

	_, err = a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	second, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "session/fix-bug", second.BranchName)

	owners, err := repo.GetParticipantByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, owners)
}

func TestStateReturnsNilBeforeInit(t *testing.T) {
	a, _ := newTestActor(t)
	result, err := a.State(context.Background())
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestStateReturnsSessionAndSandboxAfterInit(t *testing.T) {
	a, _ := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	result, err := a.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Session)
	require.NotNil(t, result.Sandbox)
}

func TestPromptThenStop(t *testing.T) {
	a, _ := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	msg, err := a.Prompt(ctx, queue.EnqueueRequest{
		AuthorUserID: "user-1",
		Content:      "do the thing",
		Source:       domain.SourceWeb,
	})
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, a.Stop(ctx))
}

func TestRotateWSTokenPersistsHash(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	owner, err := repo.GetParticipantByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, owner)

	plaintext, err := a.RotateWSToken(ctx, owner.ID)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	byHash, err := repo.GetParticipantByWSTokenHash(ctx, crypto.HashToken(plaintext))
	require.NoError(t, err)
	require.NotNil(t, byHash)
	require.Equal(t, owner.ID, byHash.ID)
}

func TestRotateWSTokenUnknownParticipant(t *testing.T) {
	a, _ := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	_, err = a.RotateWSToken(ctx, "no-such-participant")
	require.Error(t, err)
}

func TestArchiveAndUnarchive(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	require.NoError(t, a.Archive(ctx))
	sess, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SessionArchived, sess.Status)

	require.NoError(t, a.Unarchive(ctx))
	sess, err = repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, sess.Status)
}

func TestVerifySandboxTokenMissingBeforeInit(t *testing.T) {
	a, _ := newTestActor(t)
	status, err := a.VerifySandboxToken(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, SandboxTokenMissing, status)
}

func TestVerifySandboxTokenValidAndInvalid(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	sb.AuthTokenHash = crypto.HashToken("correct-token")
	require.NoError(t, repo.UpsertSandbox(ctx, sb))

	status, err := a.VerifySandboxToken(ctx, "correct-token")
	require.NoError(t, err)
	require.Equal(t, SandboxTokenOK, status)

	status, err = a.VerifySandboxToken(ctx, "wrong-token")
	require.NoError(t, err)
	require.Equal(t, SandboxTokenInvalid, status)
}

func TestVerifySandboxTokenGoneWhenTerminal(t *testing.T) {
	a, repo := newTestActor(t)
	ctx := context.Background()
	_, err := a.Init(ctx, testInitRequest())
	require.NoError(t, err)

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	sb.Status = domain.SandboxStopped
	require.NoError(t, repo.UpsertSandbox(ctx, sb))

	status, err := a.VerifySandboxToken(ctx, "anything")
	require.NoError(t, err)
	require.Equal(t, SandboxTokenGone, status)
}

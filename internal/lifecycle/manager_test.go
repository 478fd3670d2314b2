package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/sandboxprovider"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

type fakeProvider struct {
	createErr      error
	createResult   *sandboxprovider.CreateResult
	supportRestore bool
	createCalls    int
}

func (f *fakeProvider) Create(ctx context.Context, cfg sandboxprovider.CreateConfig) (*sandboxprovider.CreateResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResult != nil {
		return f.createResult, nil
	}
	return &sandboxprovider.CreateResult{ProviderSandboxID: cfg.ExpectedSandboxID, ProviderObjectID: "obj-1"}, nil
}

func (f *fakeProvider) RestoreFromSnapshot(ctx context.Context, cfg sandboxprovider.SnapshotConfig) (*sandboxprovider.CreateResult, error) {
	return &sandboxprovider.CreateResult{ProviderSandboxID: cfg.ExpectedSandboxID, ProviderObjectID: "obj-restored"}, nil
}

func (f *fakeProvider) TakeSnapshot(ctx context.Context, providerObjectID string) (*sandboxprovider.SnapshotResult, error) {
	return &sandboxprovider.SnapshotResult{ImageID: "img-1"}, nil
}

func (f *fakeProvider) SupportsRestore() bool { return f.supportRestore }

func newTestManager(t *testing.T, provider sandboxprovider.Provider) (*Manager, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := wsregistry.New(repo)
	m := New(repo, reg, provider,
		config.AlarmConfig{InactivityTimeout: 30 * time.Minute, HeartbeatTimeout: 2 * time.Minute, ExecutionTimeout: 90 * time.Minute, InactivityWarningLead: 5 * time.Minute},
		config.BreakerConfig{FailureThreshold: 3, OpenWindow: 60 * time.Second},
		config.ModelConfig{DefaultModel: "claude-sonnet-4-5"},
	)
	return m, repo
}

func testSession() *domain.Session {
	return &domain.Session{ID: "session", RepoOwner: "acme", RepoName: "web-app", Status: domain.SessionActive, CreatedAt: domain.Now(), UpdatedAt: domain.Now()}
}

func TestSpawnTransitionsPendingToConnectingOnSuccess(t *testing.T) {
	provider := &fakeProvider{}
	m, repo := newTestManager(t, provider)

	err := m.Spawn(context.Background(), testSession())
	require.NoError(t, err)

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.SandboxConnecting, sb.Status)
	require.NotEmpty(t, sb.AuthTokenHash)
	require.Equal(t, 1, provider.createCalls)
}

func TestSpawnSkipsWhenSandboxAlreadyReady(t *testing.T) {
	provider := &fakeProvider{}
	m, repo := newTestManager(t, provider)

	require.NoError(t, repo.UpsertSandbox(context.Background(), &domain.Sandbox{ID: "sandbox", Status: domain.SandboxReady, CreatedAt: domain.Now()}))

	err := m.Spawn(context.Background(), testSession())
	require.NoError(t, err)
	require.Equal(t, 0, provider.createCalls)
}

func TestSpawnFailurePermanentIncrementsBreakerAndOpensAfterThreshold(t *testing.T) {
	provider := &fakeProvider{createErr: &sandboxprovider.Error{Class: sandboxprovider.FailurePermanent, Err: errors.New("no such image")}}
	m, repo := newTestManager(t, provider)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Spawn(context.Background(), testSession()))
		sb, err := repo.GetSandbox(context.Background())
		require.NoError(t, err)
		require.Equal(t, domain.SandboxFailed, sb.Status)
	}
	require.Equal(t, 3, provider.createCalls)

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sb.SpawnFailureCount)

	// Fourth call: breaker open, no provider call made.
	require.NoError(t, m.Spawn(context.Background(), testSession()))
	require.Equal(t, 3, provider.createCalls)
}

func TestSpawnFailureTransientDoesNotIncrementBreaker(t *testing.T) {
	provider := &fakeProvider{createErr: &sandboxprovider.Error{Class: sandboxprovider.FailureTransient, Err: errors.New("rate limited")}}
	m, repo := newTestManager(t, provider)

	require.NoError(t, m.Spawn(context.Background(), testSession()))

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.SandboxFailed, sb.Status)
	require.Equal(t, 0, sb.SpawnFailureCount)
}

func TestSpawnRestoresFromSnapshotWhenTerminalWithSnapshotImage(t *testing.T) {
	provider := &fakeProvider{supportRestore: true}
	m, repo := newTestManager(t, provider)

	require.NoError(t, repo.UpsertSandbox(context.Background(), &domain.Sandbox{
		ID: "sandbox", Status: domain.SandboxStopped, SnapshotImageID: "img-old", CreatedAt: domain.Now(),
	}))

	require.NoError(t, m.Spawn(context.Background(), testSession()))

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.SandboxConnecting, sb.Status)
	require.Equal(t, "obj-restored", sb.ProviderObjectID)
	require.Equal(t, 0, provider.createCalls)
}

func TestTriggerSnapshotIsNoOpWithoutProviderObjectID(t *testing.T) {
	provider := &fakeProvider{}
	m, repo := newTestManager(t, provider)

	require.NoError(t, repo.UpsertSandbox(context.Background(), &domain.Sandbox{ID: "sandbox", Status: domain.SandboxReady, CreatedAt: domain.Now()}))
	require.NoError(t, m.TriggerSnapshot(context.Background(), "manual"))

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Empty(t, sb.SnapshotImageID)
}

func TestTriggerSnapshotStoresImageAndRestoresStatus(t *testing.T) {
	provider := &fakeProvider{}
	m, repo := newTestManager(t, provider)

	require.NoError(t, repo.UpsertSandbox(context.Background(), &domain.Sandbox{ID: "sandbox", Status: domain.SandboxReady, ProviderObjectID: "obj-1", CreatedAt: domain.Now()}))
	require.NoError(t, m.TriggerSnapshot(context.Background(), "execution_complete"))

	sb, err := repo.GetSandbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, "img-1", sb.SnapshotImageID)
	require.Equal(t, domain.SandboxReady, sb.Status)
}

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "session.db")
	repo, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSessionUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertSession(ctx, &domain.Session{
		SessionName: "s1", RepoOwner: "acme", RepoName: "web-app",
		BaseBranch: "main", Model: "gpt-5", Status: domain.SessionCreated,
		CreatedAt: 1, UpdatedAt: 1,
	}))

	got, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "s1", got.SessionName)
	require.Equal(t, domain.SessionCreated, got.Status)

	require.NoError(t, repo.UpdateSessionStatus(ctx, domain.SessionArchived))
	got, err = repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SessionArchived, got.Status)
}

func TestSandboxSpawnFailureIncrementsCount(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertSandbox(ctx, &domain.Sandbox{
		Status: domain.SandboxPending, CreatedAt: 1,
	}))

	require.NoError(t, repo.RecordSpawnFailure(ctx, "boom", 100))
	require.NoError(t, repo.RecordSpawnFailure(ctx, "boom again", 200))

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sb.SpawnFailureCount)
	require.Equal(t, domain.SandboxFailed, sb.Status)
	require.Equal(t, "boom again", sb.LastSpawnError)

	require.NoError(t, repo.RecordSpawnSuccess(ctx, "sandbox-provider-1", "provider-obj-1"))
	sb, err = repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sb.SpawnFailureCount)
	require.Equal(t, domain.SandboxConnecting, sb.Status)
	require.Equal(t, "sandbox-provider-1", sb.ProviderSandboxID)
	require.Equal(t, "provider-obj-1", sb.ProviderObjectID)
}

func TestRecordRestoreFailureLeavesBreakerCountUntouched(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertSandbox(ctx, &domain.Sandbox{
		Status: domain.SandboxPending, CreatedAt: 1,
	}))
	require.NoError(t, repo.RecordSpawnFailure(ctx, "boom", 100))

	require.NoError(t, repo.RecordRestoreFailure(ctx, "restore boom", 200))

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sb.SpawnFailureCount, "restore failure must not increment the spawn breaker")
	require.Equal(t, domain.SandboxFailed, sb.Status)
	require.Equal(t, "restore boom", sb.LastSpawnError)
}

func TestMessageQueueOrdering(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.InsertMessage(ctx, &domain.Message{
			ID: id, AuthorID: "p1", Content: "hi", Source: domain.SourceWeb,
			Status: domain.MessagePending, CreatedAt: int64(i + 1),
		}))
	}

	next, err := repo.GetNextPendingMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "m1", next.ID)

	count, err := repo.GetPendingOrProcessingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	require.NoError(t, repo.UpdateMessageToProcessing(ctx, "m1", 10))
	processing, err := repo.GetProcessingMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "m1", processing.ID)

	require.NoError(t, repo.UpdateMessageCompletion(ctx, "m1", domain.MessageCompleted, 20))
	processing, err = repo.GetProcessingMessage(ctx)
	require.NoError(t, err)
	require.Nil(t, processing)
}

func TestTokenEventUpsertCoalesces(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertTokenEvent(ctx, "m1", `{"text":"a"}`, 1))
	require.NoError(t, repo.UpsertTokenEvent(ctx, "m1", `{"text":"ab"}`, 2))

	page, err := repo.GetEventsForReplay(ctx, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, `{"text":"ab"}`, page.Items[0].DataJSON)
	require.Equal(t, domain.TokenEventID("m1"), page.Items[0].ID)
}

func TestExecutionCompleteEventUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertExecutionCompleteEvent(ctx, "m1", `{"success":false}`, 1))
	require.NoError(t, repo.UpsertExecutionCompleteEvent(ctx, "m1", `{"success":true}`, 2))

	page, err := repo.GetEventsForReplay(ctx, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, `{"success":true}`, page.Items[0].DataJSON)
}

func TestEventReplayExcludesHeartbeatAndBoundsCount(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.InsertEvent(ctx, &domain.Event{
			ID: string(rune('a' + i)), Type: domain.EventToolCall, DataJSON: "{}", CreatedAt: int64(i + 1),
		}))
	}
	require.NoError(t, repo.InsertEvent(ctx, &domain.Event{
		ID: "hb1", Type: domain.EventHeartbeat, DataJSON: "{}", CreatedAt: 100,
	}))

	page, err := repo.GetEventsForReplay(ctx, 3)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Items, 3)
	// Chronological order: oldest first.
	require.True(t, page.Items[0].CreatedAt < page.Items[1].CreatedAt)
	require.True(t, page.Items[1].CreatedAt < page.Items[2].CreatedAt)
}

func TestEventHistoryPageCursorPagination(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.InsertEvent(ctx, &domain.Event{
			ID: string(rune('a' + i)), Type: domain.EventToolCall, DataJSON: "{}", CreatedAt: int64(i + 1),
		}))
	}

	page, err := repo.GetEventsHistoryPage(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)

	next, err := repo.GetEventsHistoryPage(ctx, page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, next.Items, 2)
}

func TestArtifactOnePRInvariant(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.InsertArtifact(ctx, &domain.Artifact{
		ID: "a1", Type: domain.ArtifactPR, URL: "https://example.com/pr/1", CreatedAt: 1,
	}))

	err := repo.InsertArtifact(ctx, &domain.Artifact{
		ID: "a2", Type: domain.ArtifactPR, URL: "https://example.com/pr/2", CreatedAt: 2,
	})
	require.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "session.db")
	repo, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	// Re-opening the same database must not error or duplicate migration rows.
	repo2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, repo2.Close())
}

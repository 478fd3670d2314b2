package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

type fakeSpawner struct {
	calls int
}

func (f *fakeSpawner) Spawn(ctx context.Context, session *domain.Session) error {
	f.calls++
	return nil
}

func newTestQueue(t *testing.T, spawner Spawner) (*Queue, store.Repository, *wsregistry.Registry) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := wsregistry.New(repo)
	q := New(repo, reg, spawner,
		config.ModelConfig{
			AllowedModels: []string{"claude-sonnet-4-5", "claude-opus-4"},
			DefaultModel:  "claude-sonnet-4-5", DefaultReasoningEffort: "medium",
		},
		config.AlarmConfig{ExecutionTimeout: 90 * time.Minute},
	)
	return q, repo, reg
}

func testSession(t *testing.T, repo store.Repository) *domain.Session {
	t.Helper()
	s := &domain.Session{
		RepoOwner: "acme", RepoName: "web-app", BaseBranch: "main",
		Status: domain.SessionActive, CreatedAt: domain.Now(), UpdatedAt: domain.Now(),
	}
	require.NoError(t, repo.UpsertSession(context.Background(), s))
	return s
}

// dialSandbox spins up an httptest server that immediately accepts the
// incoming socket as the session's sandbox connection, so Dispatch finds a
// live GetSandboxSocket and proceeds past the spawn-on-no-socket branch.
func dialSandbox(t *testing.T, reg *wsregistry.Registry) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		reg.AcceptSandbox(r.Context(), ws, domain.SandboxSingletonID)
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	time.Sleep(20 * time.Millisecond)
}

func TestEnqueueWithNoSandboxSocketTriggersSpawn(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, _ := newTestQueue(t, spawner)
	testSession(t, repo)

	msg, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "fix the bug", Source: domain.SourceWeb,
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, domain.MessagePending, msg.Status)
	require.Equal(t, 1, spawner.calls)

	processing, err := repo.GetProcessingMessage(context.Background())
	require.NoError(t, err)
	require.Nil(t, processing, "message should stay pending until a sandbox socket is available")
}

func TestEnqueueDropsDisallowedModelOverride(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, _ := newTestQueue(t, spawner)
	testSession(t, repo)

	msg, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "hello", Source: domain.SourceWeb, Model: "not-a-real-model",
	})
	require.NoError(t, err)
	require.Empty(t, msg.Model)
}

func TestDispatchSendsPromptWhenSandboxSocketIsLive(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, reg := newTestQueue(t, spawner)
	testSession(t, repo)
	dialSandbox(t, reg)

	msg, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "fix the bug", Source: domain.SourceWeb,
	})
	require.NoError(t, err)
	require.Equal(t, 0, spawner.calls)

	processing, err := repo.GetProcessingMessage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, processing)
	require.Equal(t, msg.ID, processing.ID)
}

func TestDispatchIsNoOpWhileAMessageIsAlreadyProcessing(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, reg := newTestQueue(t, spawner)
	testSession(t, repo)
	dialSandbox(t, reg)

	first, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "first", Source: domain.SourceWeb,
	})
	require.NoError(t, err)

	second, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "second", Source: domain.SourceWeb,
	})
	require.NoError(t, err)
	require.Equal(t, domain.MessagePending, second.Status)

	processing, err := repo.GetProcessingMessage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, processing)
	require.Equal(t, first.ID, processing.ID)
	stored, err := repo.GetMessageByID(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessagePending, stored.Status)
}

func TestStopExecutionMarksProcessingMessageFailed(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, reg := newTestQueue(t, spawner)
	testSession(t, repo)
	dialSandbox(t, reg)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		AuthorUserID: "user-1", Content: "fix the bug", Source: domain.SourceWeb,
	})
	require.NoError(t, err)

	require.NoError(t, q.StopExecution(context.Background()))

	processing, err := repo.GetProcessingMessage(context.Background())
	require.NoError(t, err)
	require.Nil(t, processing)
}

func TestFailStuckProcessingMessageIsNoOpWithoutAProcessingMessage(t *testing.T) {
	spawner := &fakeSpawner{}
	q, repo, _ := newTestQueue(t, spawner)
	testSession(t, repo)

	require.NoError(t, q.FailStuckProcessingMessage(context.Background(), "execution_timeout"))
}

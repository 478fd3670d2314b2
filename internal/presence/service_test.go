package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/crypto"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

func newTestService(t *testing.T, tokenLifetime time.Duration) (*Service, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := wsregistry.New(repo)
	require.NoError(t, repo.UpsertSession(context.Background(), &domain.Session{
		SessionName: "sess-1", RepoOwner: "acme", RepoName: "web-app",
		Status: domain.SessionActive, CreatedAt: 1, UpdatedAt: 1,
	}))
	return New(repo, reg, tokenLifetime), repo
}

// dialClient spins up a websocket echo server and returns a live client
// connection plus a teardown func, for exercising Subscribe against a real
// *websocket.Conn.
func dialClient(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	ws, _, err := websocket.Dial(context.Background(), "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	return ws, func() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func TestSubscribeReturnsReplayAndRegistersClient(t *testing.T) {
	svc, repo := newTestService(t, 24*time.Hour)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		ID: "p1", UserID: "u1", Role: domain.RoleOwner, JoinedAt: 1,
		WSAuthTokenHash: crypto.HashToken("plain-token"), WSTokenCreatedAt: &now,
	}))
	require.NoError(t, repo.InsertEvent(ctx, &domain.Event{ID: "e1", Type: domain.EventToolCall, DataJSON: "{}", CreatedAt: 1}))

	ws, teardown := dialClient(t)
	defer teardown()

	result, err := svc.Subscribe(ctx, ws, "ws1", "plain-token", "client-1")
	require.NoError(t, err)
	require.Equal(t, "p1", result.ParticipantID)
	require.Len(t, result.ReplayEvents, 1)
	require.False(t, result.HasMore)

	info, ok := svc.registry.GetClient(ws)
	require.True(t, ok)
	require.Equal(t, "p1", info.ParticipantID)
}

func TestSubscribeRejectsUnknownToken(t *testing.T) {
	svc, _ := newTestService(t, 24*time.Hour)
	ws, teardown := dialClient(t)
	defer teardown()

	_, err := svc.Subscribe(context.Background(), ws, "ws1", "bogus", "client-1")
	require.Error(t, err)
}

func TestSubscribeRejectsExpiredToken(t *testing.T) {
	svc, repo := newTestService(t, 1*time.Millisecond)
	ctx := context.Background()

	stale := time.Now().Add(-1 * time.Hour).UnixMilli()
	require.NoError(t, repo.UpsertParticipant(ctx, &domain.Participant{
		ID: "p1", UserID: "u1", Role: domain.RoleOwner, JoinedAt: 1,
		WSAuthTokenHash: crypto.HashToken("plain-token"), WSTokenCreatedAt: &stale,
	}))

	ws, teardown := dialClient(t)
	defer teardown()

	_, err := svc.Subscribe(ctx, ws, "ws1", "plain-token", "client-1")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestFetchHistoryIsRateLimitedPerClient(t *testing.T) {
	svc, repo := newTestService(t, 24*time.Hour)
	ctx := context.Background()
	require.NoError(t, repo.InsertEvent(ctx, &domain.Event{ID: "e1", Type: domain.EventToolCall, DataJSON: "{}", CreatedAt: 1}))

	ws, teardown := dialClient(t)
	defer teardown()

	result, err := svc.FetchHistory(ctx, ws, nil, 10)
	require.NoError(t, err)
	require.NotNil(t, result)

	result, err = svc.FetchHistory(ctx, ws, nil, 10)
	require.NoError(t, err)
	require.Nil(t, result, "a second immediate call within 200ms must be dropped")
}

func TestFetchHistoryClampsLimit(t *testing.T) {
	svc, _ := newTestService(t, 24*time.Hour)
	require.Equal(t, historyDefaultLimit, clamp(0, historyMinLimit, historyMaxLimit))
	require.Equal(t, historyMaxLimit, clamp(9999, historyMinLimit, historyMaxLimit))
	require.Equal(t, historyMinLimit, clamp(-5, historyMinLimit, historyMaxLimit))
	_ = svc
}

package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

type fakeDispatcher struct {
	calls int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context) error {
	f.calls++
	return nil
}

type fakeSnapshotter struct {
	snapshotCalls     int
	rescheduleCalls   int
	snapshotReasonGot string
}

func (f *fakeSnapshotter) TriggerSnapshot(ctx context.Context, reason string) error {
	f.snapshotCalls++
	f.snapshotReasonGot = reason
	return nil
}

func (f *fakeSnapshotter) RescheduleInactivityCheck() {
	f.rescheduleCalls++
}

func newTestProcessor(t *testing.T, dispatcher Dispatcher, snapshotter Snapshotter) (*Processor, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := wsregistry.New(repo)
	p := New(repo, reg, dispatcher, snapshotter, nil, 180*time.Second)
	return p, repo
}

func TestHeartbeatUpdatesSandboxWithoutPersistingAnEvent(t *testing.T) {
	p, repo := newTestProcessor(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, repo.UpsertSandbox(ctx, &domain.Sandbox{ID: domain.SandboxSingletonID, Status: domain.SandboxReady, CreatedAt: domain.Now()}))

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{Type: domain.EventHeartbeat}))

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.NotNil(t, sb.LastHeartbeat)

	page, err := repo.GetEventsForReplay(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestToolCallPersistsOnlyAllowlistedStatuses(t *testing.T) {
	p, repo := newTestProcessor(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventToolCall, MessageID: "m1", Data: map[string]any{"status": "streaming", "toolName": "grep"},
	}))
	page, err := repo.GetEventsForReplay(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventToolCall, MessageID: "m1", Data: map[string]any{"status": "done", "toolName": "grep"},
	}))
	page, err = repo.GetEventsForReplay(ctx, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestGitSyncUpdatesSandboxStatusAndSessionSHA(t *testing.T) {
	p, repo := newTestProcessor(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, repo.UpsertSession(ctx, &domain.Session{RepoOwner: "acme", RepoName: "web-app", BaseBranch: "main", Status: domain.SessionActive, CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, repo.UpsertSandbox(ctx, &domain.Sandbox{ID: domain.SandboxSingletonID, Status: domain.SandboxReady, CreatedAt: domain.Now()}))

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventGitSync, Data: map[string]any{"status": "syncing", "currentSha": "abc123"},
	}))

	sb, err := repo.GetSandbox(ctx)
	require.NoError(t, err)
	require.Equal(t, "syncing", sb.GitSyncStatus)

	sess, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc123", sess.CurrentSHA)
}

func TestExecutionCompleteTransitionsProcessingMessageAndDrainsQueue(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	snapshotter := &fakeSnapshotter{}
	p, repo := newTestProcessor(t, dispatcher, snapshotter)
	ctx := context.Background()

	require.NoError(t, repo.InsertMessage(ctx, &domain.Message{ID: "m1", AuthorID: "p1", Content: "hi", Status: domain.MessageProcessing, CreatedAt: 1, StartedAt: ptrInt64(2)}))

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventExecutionComplete, MessageID: "m1", Data: map[string]any{"success": true},
	}))

	msgs, err := repo.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageCompleted, msgs[0].Status)
	require.Equal(t, 1, dispatcher.calls)
	require.Equal(t, 1, snapshotter.rescheduleCalls)
}

func TestExecutionCompleteSkipsStateMutationWhenAlreadyStopped(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	p, repo := newTestProcessor(t, dispatcher, &fakeSnapshotter{})
	ctx := context.Background()

	require.NoError(t, repo.InsertMessage(ctx, &domain.Message{ID: "m1", AuthorID: "p1", Content: "hi", Status: domain.MessageFailed, CreatedAt: 1, StartedAt: ptrInt64(2), CompletedAt: ptrInt64(3)}))

	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventExecutionComplete, MessageID: "m1", Data: map[string]any{"success": false},
	}))

	msgs, err := repo.ListMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.MessageFailed, msgs[0].Status)
	require.Equal(t, 1, dispatcher.calls)
}

func TestAckSentForCriticalEventWithAckID(t *testing.T) {
	p, repo := newTestProcessor(t, &fakeDispatcher{}, &fakeSnapshotter{})
	ctx := context.Background()
	require.NoError(t, repo.InsertMessage(ctx, &domain.Message{ID: "m1", AuthorID: "p1", Content: "hi", Status: domain.MessageProcessing, CreatedAt: 1, StartedAt: ptrInt64(2)}))

	// No sandbox socket registered, so SendToSandbox is a silent no-op; this
	// only exercises that Ingest does not error when asked to ack.
	require.NoError(t, p.Ingest(ctx, wsproto.SandboxEvent{
		Type: domain.EventExecutionComplete, MessageID: "m1", AckID: "ack-1", Data: map[string]any{"success": true},
	}))
}

func TestPushBranchToRemoteNoOpsWithoutSandboxSocket(t *testing.T) {
	p, _ := newTestProcessor(t, nil, nil)
	err := p.PushBranchToRemote(context.Background(), "Feature/Foo", wsproto.PushSpec{BranchName: "feature/foo"})
	require.NoError(t, err)
}

func ptrInt64(v int64) *int64 { return &v }

// Package store provides the typed, schema-aware accessor over each
// session's embedded SQL database.
package store

import (
	"context"

	"github.com/remilabs/sessionactor/internal/domain"
)

// Cursor is the composite pagination key used for event history pages.
type Cursor struct {
	Timestamp int64
	ID        string
}

// EventPage is one page of historical events plus pagination metadata.
type EventPage struct {
	Items   []*domain.Event
	HasMore bool
	Cursor  *Cursor
}

// MessageTimestamps carries the timing fields needed to compute queue and
// processing durations when an execution completes.
type MessageTimestamps struct {
	CreatedAt   int64
	StartedAt   *int64
	CompletedAt *int64
}

// Repository is the typed accessor every component uses to read and write
// a session's persisted state. It is pure over SQL: it never broadcasts to
// sockets and never schedules alarms.
type Repository interface {
	// Session
	GetSession(ctx context.Context) (*domain.Session, error)
	UpsertSession(ctx context.Context, s *domain.Session) error
	UpdateSessionStatus(ctx context.Context, status domain.SessionStatus) error
	UpdateSessionBranch(ctx context.Context, branchName string) error
	UpdateSessionCurrentSHA(ctx context.Context, sha string) error

	// Sandbox
	GetSandbox(ctx context.Context) (*domain.Sandbox, error)
	UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error
	UpdateSandboxStatus(ctx context.Context, status domain.SandboxStatus) error
	UpdateSandboxHeartbeat(ctx context.Context, at int64) error
	UpdateSandboxActivity(ctx context.Context, at int64) error
	UpdateSandboxGitSyncStatus(ctx context.Context, status string) error
	RecordSpawnFailure(ctx context.Context, errMsg string, at int64) error
	RecordRestoreFailure(ctx context.Context, errMsg string, at int64) error
	RecordSpawnSuccess(ctx context.Context, providerSandboxID, providerObjectID string) error
	ClearSpawnError(ctx context.Context) error
	UpdateSandboxAuthToken(ctx context.Context, token, tokenHash string) error
	ResetSpawnBreaker(ctx context.Context) error
	UpdateSnapshotImageID(ctx context.Context, imageID string) error

	// Participant
	GetParticipantByUserID(ctx context.Context, userID string) (*domain.Participant, error)
	GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error)
	GetParticipantByWSTokenHash(ctx context.Context, hash string) (*domain.Participant, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	UpdateParticipantWSToken(ctx context.Context, participantID, hash string, createdAt int64) error
	ListParticipants(ctx context.Context) ([]*domain.Participant, error)

	// Message / queue
	InsertMessage(ctx context.Context, m *domain.Message) error
	GetMessageByID(ctx context.Context, id string) (*domain.Message, error)
	GetNextPendingMessage(ctx context.Context) (*domain.Message, error)
	GetProcessingMessage(ctx context.Context) (*domain.Message, error)
	GetProcessingMessageWithStartedAt(ctx context.Context) (*domain.Message, error)
	GetPendingOrProcessingCount(ctx context.Context) (int, error)
	UpdateMessageToProcessing(ctx context.Context, id string, startedAt int64) error
	UpdateMessageCompletion(ctx context.Context, id string, status domain.MessageStatus, completedAt int64) error
	GetMessageTimestamps(ctx context.Context, id string) (*MessageTimestamps, error)
	ListMessages(ctx context.Context) ([]*domain.Message, error)

	// Event log
	InsertEvent(ctx context.Context, e *domain.Event) error
	UpsertTokenEvent(ctx context.Context, messageID, dataJSON string, createdAt int64) error
	UpsertExecutionCompleteEvent(ctx context.Context, messageID, dataJSON string, createdAt int64) error
	GetEventsForReplay(ctx context.Context, limit int) (*EventPage, error)
	GetEventsHistoryPage(ctx context.Context, cursor *Cursor, limit int) (*EventPage, error)

	// Artifact
	InsertArtifact(ctx context.Context, a *domain.Artifact) error
	GetArtifactByType(ctx context.Context, t domain.ArtifactType) (*domain.Artifact, error)
	GetArtifactByTypeAndURLPrefix(ctx context.Context, t domain.ArtifactType, urlPrefix string) (*domain.Artifact, error)
	ListArtifacts(ctx context.Context) ([]*domain.Artifact, error)

	// WsClientMapping
	UpsertWsClientMapping(ctx context.Context, m *domain.WsClientMapping) error
	GetWsClientMapping(ctx context.Context, wsID string) (*domain.WsClientMapping, error)
	DeleteWsClientMapping(ctx context.Context, wsID string) error

	Ping(ctx context.Context) error
	Close() error
}

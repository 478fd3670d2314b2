package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/remilabs/sessionactor/internal/domain"
	_ "modernc.org/sqlite"
)

// singletonSessionID and singletonSandboxID are the fixed primary keys for
// the exactly-one session row and exactly-one sandbox row per database.
const (
	singletonSessionID = "session"
	singletonSandboxID = "sandbox"
)

// SQLiteStore implements Repository over a per-session SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewSQLite opens (creating if needed) the SQLite database at dbPath and
// applies any pending schema migrations.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A session database is written by exactly one actor; a single
	// connection avoids SQLITE_BUSY entirely instead of retrying around it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- Session -----------------------------------------------------------

func (s *SQLiteStore) GetSession(ctx context.Context) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_name, title, repo_owner, repo_name, repo_id,
		       base_branch, branch_name, base_sha, current_sha, model,
		       reasoning_effort, status, created_at, updated_at
		FROM session WHERE id = ?`, singletonSessionID)

	var sess domain.Session
	var title, repoID, branchName, baseSHA, currentSHA, reasoningEffort sql.NullString
	err := row.Scan(&sess.ID, &sess.SessionName, &title, &sess.RepoOwner, &sess.RepoName, &repoID,
		&sess.BaseBranch, &branchName, &baseSHA, &currentSHA, &sess.Model,
		&reasoningEffort, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Title = title.String
	sess.RepoID = repoID.String
	sess.BranchName = branchName.String
	sess.BaseSHA = baseSHA.String
	sess.CurrentSHA = currentSHA.String
	sess.ReasoningEffort = reasoningEffort.String
	return &sess, nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (id, session_name, title, repo_owner, repo_name, repo_id,
			base_branch, branch_name, base_sha, current_sha, model, reasoning_effort,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_name = excluded.session_name,
			title = excluded.title,
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			repo_id = excluded.repo_id,
			base_branch = excluded.base_branch,
			branch_name = excluded.branch_name,
			base_sha = excluded.base_sha,
			current_sha = excluded.current_sha,
			model = excluded.model,
			reasoning_effort = excluded.reasoning_effort,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		singletonSessionID, sess.SessionName, nullable(sess.Title), sess.RepoOwner, sess.RepoName, nullable(sess.RepoID),
		sess.BaseBranch, nullable(sess.BranchName), nullable(sess.BaseSHA), nullable(sess.CurrentSHA),
		sess.Model, nullable(sess.ReasoningEffort), sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, status domain.SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowMillis(), singletonSessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionBranch(ctx context.Context, branchName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session SET branch_name = ?, updated_at = ? WHERE id = ?`,
		branchName, nowMillis(), singletonSessionID)
	if err != nil {
		return fmt.Errorf("update session branch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionCurrentSHA(ctx context.Context, sha string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session SET current_sha = ?, updated_at = ? WHERE id = ?`,
		sha, nowMillis(), singletonSessionID)
	if err != nil {
		return fmt.Errorf("update session current sha: %w", err)
	}
	return nil
}

// --- Sandbox -------------------------------------------------------------

func (s *SQLiteStore) GetSandbox(ctx context.Context) (*domain.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_sandbox_id, provider_object_id, snapshot_image_id,
		       auth_token, auth_token_hash, status, git_sync_status,
		       last_heartbeat, last_activity, last_spawn_error, last_spawn_error_at,
		       spawn_failure_count, last_spawn_failure, created_at
		FROM sandbox WHERE id = ?`, singletonSandboxID)

	var sb domain.Sandbox
	var providerSandboxID, providerObjectID, snapshotImageID, authToken, authTokenHash, lastSpawnError sql.NullString
	var lastHeartbeat, lastActivity, lastSpawnErrorAt, lastSpawnFailure sql.NullInt64
	err := row.Scan(&sb.ID, &providerSandboxID, &providerObjectID, &snapshotImageID,
		&authToken, &authTokenHash, &sb.Status, &sb.GitSyncStatus,
		&lastHeartbeat, &lastActivity, &lastSpawnError, &lastSpawnErrorAt,
		&sb.SpawnFailureCount, &lastSpawnFailure, &sb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	sb.ProviderSandboxID = providerSandboxID.String
	sb.ProviderObjectID = providerObjectID.String
	sb.SnapshotImageID = snapshotImageID.String
	sb.AuthToken = authToken.String
	sb.AuthTokenHash = authTokenHash.String
	sb.LastSpawnError = lastSpawnError.String
	if lastHeartbeat.Valid {
		sb.LastHeartbeat = &lastHeartbeat.Int64
	}
	if lastActivity.Valid {
		sb.LastActivity = &lastActivity.Int64
	}
	if lastSpawnErrorAt.Valid {
		sb.LastSpawnErrorAt = &lastSpawnErrorAt.Int64
	}
	if lastSpawnFailure.Valid {
		sb.LastSpawnFailure = &lastSpawnFailure.Int64
	}
	return &sb, nil
}

func (s *SQLiteStore) UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox (id, provider_sandbox_id, provider_object_id, snapshot_image_id,
			auth_token, auth_token_hash, status, git_sync_status, last_heartbeat, last_activity,
			last_spawn_error, last_spawn_error_at, spawn_failure_count, last_spawn_failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_sandbox_id = excluded.provider_sandbox_id,
			provider_object_id = excluded.provider_object_id,
			snapshot_image_id = excluded.snapshot_image_id,
			auth_token = excluded.auth_token,
			auth_token_hash = excluded.auth_token_hash,
			status = excluded.status,
			git_sync_status = excluded.git_sync_status,
			last_heartbeat = excluded.last_heartbeat,
			last_activity = excluded.last_activity,
			last_spawn_error = excluded.last_spawn_error,
			last_spawn_error_at = excluded.last_spawn_error_at,
			spawn_failure_count = excluded.spawn_failure_count,
			last_spawn_failure = excluded.last_spawn_failure,
			created_at = excluded.created_at`,
		singletonSandboxID, nullable(sb.ProviderSandboxID), nullable(sb.ProviderObjectID), nullable(sb.SnapshotImageID),
		nullable(sb.AuthToken), nullable(sb.AuthTokenHash), sb.Status, sb.GitSyncStatus,
		nullableInt64(sb.LastHeartbeat), nullableInt64(sb.LastActivity),
		nullable(sb.LastSpawnError), nullableInt64(sb.LastSpawnErrorAt),
		sb.SpawnFailureCount, nullableInt64(sb.LastSpawnFailure), sb.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSandboxStatus(ctx context.Context, status domain.SandboxStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET status = ? WHERE id = ?`, status, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSandboxHeartbeat(ctx context.Context, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET last_heartbeat = ? WHERE id = ?`, at, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSandboxActivity(ctx context.Context, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET last_activity = ? WHERE id = ?`, at, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSandboxGitSyncStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET git_sync_status = ? WHERE id = ?`, status, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox git sync status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordSpawnFailure(ctx context.Context, errMsg string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandbox SET last_spawn_error = ?, last_spawn_error_at = ?,
			spawn_failure_count = spawn_failure_count + 1, last_spawn_failure = ?, status = ?
		WHERE id = ?`, errMsg, at, at, domain.SandboxFailed, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("record spawn failure: %w", err)
	}
	return nil
}

// RecordRestoreFailure marks the sandbox failed with the restore error
// without touching spawn_failure_count/last_spawn_failure: a snapshot
// restore failure does not count toward the spawn circuit breaker.
func (s *SQLiteStore) RecordRestoreFailure(ctx context.Context, errMsg string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandbox SET last_spawn_error = ?, last_spawn_error_at = ?, status = ?
		WHERE id = ?`, errMsg, at, domain.SandboxFailed, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("record restore failure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordSpawnSuccess(ctx context.Context, providerSandboxID, providerObjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandbox SET provider_sandbox_id = ?, provider_object_id = ?, status = ?, spawn_failure_count = 0, last_spawn_failure = NULL
		WHERE id = ?`, providerSandboxID, providerObjectID, domain.SandboxConnecting, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("record spawn success: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearSpawnError(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET last_spawn_error = NULL WHERE id = ?`, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("clear spawn error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSandboxAuthToken(ctx context.Context, token, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET auth_token = ?, auth_token_hash = ? WHERE id = ?`, token, tokenHash, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox auth token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResetSpawnBreaker(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET spawn_failure_count = 0, last_spawn_failure = NULL WHERE id = ?`, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("reset spawn breaker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSnapshotImageID(ctx context.Context, imageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandbox SET snapshot_image_id = ? WHERE id = ?`, imageID, singletonSandboxID)
	if err != nil {
		return fmt.Errorf("update snapshot image id: %w", err)
	}
	return nil
}

// --- Participant ---------------------------------------------------------

func scanParticipant(row interface {
	Scan(dest ...any) error
}) (*domain.Participant, error) {
	var p domain.Participant
	var scmUserID, scmLogin, scmName, scmEmail, scmAccess, scmRefresh, wsHash sql.NullString
	var scmTokenExpiresAt, wsTokenCreatedAt sql.NullInt64
	err := row.Scan(&p.ID, &p.UserID, &scmUserID, &scmLogin, &scmName, &scmEmail,
		&scmAccess, &scmRefresh, &scmTokenExpiresAt, &wsHash, &wsTokenCreatedAt,
		&p.Role, &p.JoinedAt)
	if err != nil {
		return nil, err
	}
	p.SCMUserID = scmUserID.String
	p.SCMLogin = scmLogin.String
	p.SCMName = scmName.String
	p.SCMEmail = scmEmail.String
	p.SCMAccessTokenEncrypted = scmAccess.String
	p.SCMRefreshTokenEncrypted = scmRefresh.String
	p.WSAuthTokenHash = wsHash.String
	if scmTokenExpiresAt.Valid {
		p.SCMTokenExpiresAt = &scmTokenExpiresAt.Int64
	}
	if wsTokenCreatedAt.Valid {
		p.WSTokenCreatedAt = &wsTokenCreatedAt.Int64
	}
	return &p, nil
}

const participantColumns = `id, user_id, scm_user_id, scm_login, scm_name, scm_email,
		scm_access_token_encrypted, scm_refresh_token_encrypted, scm_token_expires_at,
		ws_auth_token_hash, ws_token_created_at, role, joined_at`

func (s *SQLiteStore) GetParticipantByUserID(ctx context.Context, userID string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE user_id = ?`, userID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant by user id: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant by id: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetParticipantByWSTokenHash(ctx context.Context, hash string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE ws_auth_token_hash = ?`, hash)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant by ws token hash: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, user_id, scm_user_id, scm_login, scm_name, scm_email,
			scm_access_token_encrypted, scm_refresh_token_encrypted, scm_token_expires_at,
			ws_auth_token_hash, ws_token_created_at, role, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			scm_user_id = excluded.scm_user_id,
			scm_login = excluded.scm_login,
			scm_name = excluded.scm_name,
			scm_email = excluded.scm_email,
			scm_access_token_encrypted = excluded.scm_access_token_encrypted,
			scm_refresh_token_encrypted = excluded.scm_refresh_token_encrypted,
			scm_token_expires_at = excluded.scm_token_expires_at`,
		p.ID, p.UserID, nullable(p.SCMUserID), nullable(p.SCMLogin), nullable(p.SCMName), nullable(p.SCMEmail),
		nullable(p.SCMAccessTokenEncrypted), nullable(p.SCMRefreshTokenEncrypted), nullableInt64(p.SCMTokenExpiresAt),
		nullable(p.WSAuthTokenHash), nullableInt64(p.WSTokenCreatedAt), p.Role, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateParticipantWSToken(ctx context.Context, participantID, hash string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE participants SET ws_auth_token_hash = ?, ws_token_created_at = ? WHERE id = ?`,
		hash, createdAt, participantID)
	if err != nil {
		return fmt.Errorf("update participant ws token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListParticipants(ctx context.Context) ([]*domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY joined_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Message / queue -----------------------------------------------------

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, author_id, content, source, model, reasoning_effort,
			attachments_json, callback_context_json, status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.Content, m.Source, nullable(m.Model), nullable(m.ReasoningEffort),
		nullable(m.AttachmentsJSON), nullable(m.CallbackContextJSON), m.Status, m.CreatedAt,
		nullableInt64(m.StartedAt), nullableInt64(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanMessage(row interface {
	Scan(dest ...any) error
}) (*domain.Message, error) {
	var m domain.Message
	var model, reasoningEffort, attachmentsJSON, callbackContextJSON sql.NullString
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.AuthorID, &m.Content, &m.Source, &model, &reasoningEffort,
		&attachmentsJSON, &callbackContextJSON, &m.Status, &m.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Model = model.String
	m.ReasoningEffort = reasoningEffort.String
	m.AttachmentsJSON = attachmentsJSON.String
	m.CallbackContextJSON = callbackContextJSON.String
	if startedAt.Valid {
		m.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Int64
	}
	return &m, nil
}

const messageColumns = `id, author_id, content, source, model, reasoning_effort,
		attachments_json, callback_context_json, status, created_at, started_at, completed_at`

func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message by id: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetNextPendingMessage(ctx context.Context) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		domain.MessagePending)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan next pending message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetProcessingMessage(ctx context.Context) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE status = ? LIMIT 1`,
		domain.MessageProcessing)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan processing message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetProcessingMessageWithStartedAt(ctx context.Context) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE status = ? AND started_at IS NOT NULL LIMIT 1`,
		domain.MessageProcessing)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan processing message with started_at: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetPendingOrProcessingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE status IN (?, ?)`,
		domain.MessagePending, domain.MessageProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending or processing: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpdateMessageToProcessing(ctx context.Context, id string, startedAt int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, started_at = ? WHERE id = ?`,
		domain.MessageProcessing, startedAt, id)
	if err != nil {
		return fmt.Errorf("update message to processing: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessageCompletion(ctx context.Context, id string, status domain.MessageStatus, completedAt int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("update message completion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessageTimestamps(ctx context.Context, id string) (*MessageTimestamps, error) {
	var ts MessageTimestamps
	var startedAt, completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT created_at, started_at, completed_at FROM messages WHERE id = ?`, id).
		Scan(&ts.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message timestamps: %w", err)
	}
	if startedAt.Valid {
		ts.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		ts.CompletedAt = &completedAt.Int64
	}
	return &ts, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Event log -------------------------------------------------------------

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *domain.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, data_json, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.DataJSON, nullable(e.MessageID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// upsertDeterministicEvent inserts or replaces the single canonical row for
// a deterministic event ID (token:{messageId}, execution_complete:{messageId}).
func (s *SQLiteStore) upsertDeterministicEvent(ctx context.Context, id string, t domain.EventType, messageID, dataJSON string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, data_json, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data_json = excluded.data_json,
			created_at = excluded.created_at`,
		id, t, dataJSON, nullable(messageID), createdAt)
	if err != nil {
		return fmt.Errorf("upsert deterministic event %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertTokenEvent(ctx context.Context, messageID, dataJSON string, createdAt int64) error {
	return s.upsertDeterministicEvent(ctx, domain.TokenEventID(messageID), domain.EventToken, messageID, dataJSON, createdAt)
}

func (s *SQLiteStore) UpsertExecutionCompleteEvent(ctx context.Context, messageID, dataJSON string, createdAt int64) error {
	return s.upsertDeterministicEvent(ctx, domain.ExecutionCompleteEventID(messageID), domain.EventExecutionComplete, messageID, dataJSON, createdAt)
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (*domain.Event, error) {
	var e domain.Event
	var messageID sql.NullString
	err := row.Scan(&e.ID, &e.Type, &e.DataJSON, &messageID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.MessageID = messageID.String
	return &e, nil
}

// GetEventsForReplay returns the newest limit rows excluding heartbeat,
// fetched newest-first then reversed to chronological order.
func (s *SQLiteStore) GetEventsForReplay(ctx context.Context, limit int) (*EventPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, data_json, message_id, created_at FROM events
		WHERE type != ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		domain.EventHeartbeat, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query replay events: %w", err)
	}
	defer rows.Close()

	var desc []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replay event row: %w", err)
		}
		desc = append(desc, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replay events: %w", err)
	}

	hasMore := len(desc) > limit
	if hasMore {
		desc = desc[:limit]
	}

	items := make([]*domain.Event, len(desc))
	for i, e := range desc {
		items[len(desc)-1-i] = e
	}

	var cursor *Cursor
	if len(items) > 0 {
		oldest := items[0]
		cursor = &Cursor{Timestamp: oldest.CreatedAt, ID: oldest.ID}
	}

	return &EventPage{Items: items, HasMore: hasMore, Cursor: cursor}, nil
}

// GetEventsHistoryPage returns one page of events older than cursor, in
// descending order, with a limit+1 probe to determine hasMore.
func (s *SQLiteStore) GetEventsHistoryPage(ctx context.Context, cursor *Cursor, limit int) (*EventPage, error) {
	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, data_json, message_id, created_at FROM events
			WHERE type != ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			domain.EventHeartbeat, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, data_json, message_id, created_at FROM events
			WHERE type != ? AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC LIMIT ?`,
			domain.EventHeartbeat, cursor.Timestamp, cursor.Timestamp, cursor.ID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("query history page: %w", err)
	}
	defer rows.Close()

	var items []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history page row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history page: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var next *Cursor
	if len(items) > 0 {
		last := items[len(items)-1]
		next = &Cursor{Timestamp: last.CreatedAt, ID: last.ID}
	}

	return &EventPage{Items: items, HasMore: hasMore, Cursor: next}, nil
}

// --- Artifact --------------------------------------------------------------

func (s *SQLiteStore) InsertArtifact(ctx context.Context, a *domain.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, url, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Type, nullable(a.URL), nullable(a.MetadataJSON), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func scanArtifact(row interface {
	Scan(dest ...any) error
}) (*domain.Artifact, error) {
	var a domain.Artifact
	var url, metadataJSON sql.NullString
	err := row.Scan(&a.ID, &a.Type, &url, &metadataJSON, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.URL = url.String
	a.MetadataJSON = metadataJSON.String
	return &a, nil
}

func (s *SQLiteStore) GetArtifactByType(ctx context.Context, t domain.ArtifactType) (*domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, url, metadata_json, created_at FROM artifacts WHERE type = ? LIMIT 1`, t)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact by type: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetArtifactByTypeAndURLPrefix(ctx context.Context, t domain.ArtifactType, urlPrefix string) (*domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, url, metadata_json, created_at FROM artifacts
		WHERE type = ? AND url LIKE ? ORDER BY created_at DESC LIMIT 1`, t, urlPrefix+"%")
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact by type and url prefix: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context) ([]*domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, url, metadata_json, created_at FROM artifacts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- WsClientMapping ---------------------------------------------------------

func (s *SQLiteStore) UpsertWsClientMapping(ctx context.Context, m *domain.WsClientMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ws_client_mappings (ws_id, participant_id, client_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ws_id) DO UPDATE SET
			participant_id = excluded.participant_id,
			client_id = excluded.client_id,
			created_at = excluded.created_at`,
		m.WsID, m.ParticipantID, m.ClientID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ws client mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWsClientMapping(ctx context.Context, wsID string) (*domain.WsClientMapping, error) {
	var m domain.WsClientMapping
	err := s.db.QueryRowContext(ctx, `
		SELECT ws_id, participant_id, client_id, created_at FROM ws_client_mappings WHERE ws_id = ?`, wsID).
		Scan(&m.WsID, &m.ParticipantID, &m.ClientID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ws client mapping: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) DeleteWsClientMapping(ctx context.Context, wsID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ws_client_mappings WHERE ws_id = ?`, wsID)
	if err != nil {
		return fmt.Errorf("delete ws client mapping: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

package store

import (
	"database/sql"
	"fmt"

	"github.com/remilabs/sessionactor/internal/shared"
)

// migration is one numbered, idempotent schema change. Migrations never
// rewrite history: once applied and recorded in _schema_migrations, a
// migration ID is never reused.
type migration struct {
	id  int
	sql string
}

// migrations is the monotonic list of schema changes. The initial CREATE
// statements (id 1) are kept in sync with every later ALTER so a fresh
// database and a migrated database converge on the same shape.
var migrations = []migration{
	{
		id: 1,
		sql: `
CREATE TABLE IF NOT EXISTS session (
	id TEXT PRIMARY KEY,
	session_name TEXT NOT NULL,
	title TEXT,
	repo_owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	repo_id TEXT,
	base_branch TEXT NOT NULL,
	branch_name TEXT,
	base_sha TEXT,
	current_sha TEXT,
	model TEXT NOT NULL,
	reasoning_effort TEXT,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sandbox (
	id TEXT PRIMARY KEY,
	provider_sandbox_id TEXT,
	provider_object_id TEXT,
	snapshot_image_id TEXT,
	auth_token TEXT,
	auth_token_hash TEXT,
	status TEXT NOT NULL,
	git_sync_status TEXT NOT NULL DEFAULT '',
	last_heartbeat INTEGER,
	last_activity INTEGER,
	last_spawn_error TEXT,
	last_spawn_error_at INTEGER,
	spawn_failure_count INTEGER NOT NULL DEFAULT 0,
	last_spawn_failure INTEGER,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	scm_user_id TEXT,
	scm_login TEXT,
	scm_name TEXT,
	scm_email TEXT,
	scm_access_token_encrypted TEXT,
	scm_refresh_token_encrypted TEXT,
	scm_token_expires_at INTEGER,
	ws_auth_token_hash TEXT UNIQUE,
	ws_token_created_at INTEGER,
	role TEXT NOT NULL,
	joined_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	author_id TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL,
	model TEXT,
	reasoning_effort TEXT,
	attachments_json TEXT,
	callback_context_json TEXT,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_status_created ON messages(status, created_at);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	data_json TEXT NOT NULL,
	message_id TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_id ON events(created_at, id);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	url TEXT,
	metadata_json TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ws_client_mappings (
	ws_id TEXT PRIMARY KEY,
	participant_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`,
	},
	{
		// Exactly-one-PR-per-session, enforced at the DB level in addition to
		// the application re-check — see SPEC_FULL.md open question 2.
		id:  2,
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_one_pr ON artifacts(type) WHERE type = 'pr';`,
	},
}

// applyMigrations runs every migration not yet recorded in
// _schema_migrations, in order, swallowing "duplicate column"/"already
// exists" errors so each migration is idempotent. Any other error aborts
// initialization.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS _schema_migrations (
	id INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT id FROM _schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration id: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate applied migrations: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil && !shared.IsDuplicateColumnError(err) {
			return fmt.Errorf("apply migration %d: %w", m.id, err)
		}
		if _, err := db.Exec(`INSERT INTO _schema_migrations (id, applied_at) VALUES (?, ?)`,
			m.id, nowMillis()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
	}
	return nil
}

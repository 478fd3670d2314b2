// Package domain contains the core entity types persisted by a session actor.
package domain

import "time"

// SessionSingletonID and SandboxSingletonID are the fixed primary keys for
// the exactly-one Session and Sandbox rows a session actor owns.
const (
	SessionSingletonID = "session"
	SandboxSingletonID = "sandbox"
)

// SessionStatus is the lifecycle status of a Session row.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Session is the single session row owned by a session actor.
type Session struct {
	ID              string
	SessionName     string
	Title           string
	RepoOwner       string
	RepoName        string
	RepoID          string
	BaseBranch      string
	BranchName      string
	BaseSHA         string
	CurrentSHA      string
	Model           string
	ReasoningEffort string
	Status          SessionStatus
	CreatedAt       int64
	UpdatedAt       int64
}

// IsArchived reports whether write paths that require an active session
// must be blocked.
func (s *Session) IsArchived() bool {
	return s.Status == SessionArchived
}

// Now returns the current time as epoch milliseconds, the timestamp unit
// used throughout the persisted schema.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Package wsproto defines the JSON wire frames exchanged with client and
// sandbox WebSocket connections.
package wsproto

import "encoding/json"

// ClientFrameType enumerates client → server frame types.
type ClientFrameType string

const (
	ClientPing         ClientFrameType = "ping"
	ClientSubscribe    ClientFrameType = "subscribe"
	ClientPrompt       ClientFrameType = "prompt"
	ClientStop         ClientFrameType = "stop"
	ClientTyping       ClientFrameType = "typing"
	ClientFetchHistory ClientFrameType = "fetch_history"
	ClientPresence     ClientFrameType = "presence"
)

// ClientEnvelope is the outer shape of every client → server frame; Data
// carries the type-specific payload and is re-decoded once the type field
// is known.
type ClientEnvelope struct {
	Type ClientFrameType `json:"type"`
	Data json.RawMessage `json:"-"`
}

// SubscribePayload authenticates a client socket.
type SubscribePayload struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
}

// PromptPayload enqueues a new prompt from a client socket.
type PromptPayload struct {
	Content         string   `json:"content"`
	Model           string   `json:"model,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
	RequestID       string   `json:"requestId,omitempty"`
}

// FetchHistoryPayload requests a page of historical events.
type FetchHistoryPayload struct {
	Cursor *HistoryCursor `json:"cursor,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// HistoryCursor is the wire shape of store.Cursor.
type HistoryCursor struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// PresencePayload reports a client-side presence status change.
type PresencePayload struct {
	Status string         `json:"status"`
	Cursor *HistoryCursor `json:"cursor,omitempty"`
}

// ServerFrameType enumerates server → client frame types.
type ServerFrameType string

const (
	ServerPong             ServerFrameType = "pong"
	ServerSubscribed       ServerFrameType = "subscribed"
	ServerPromptQueued     ServerFrameType = "prompt_queued"
	ServerSandboxEvent     ServerFrameType = "sandbox_event"
	ServerProcessingStatus ServerFrameType = "processing_status"
	ServerSandboxStatus    ServerFrameType = "sandbox_status"
	ServerSandboxWarming   ServerFrameType = "sandbox_warming"
	ServerSandboxSpawning  ServerFrameType = "sandbox_spawning"
	ServerSandboxRestored  ServerFrameType = "sandbox_restored"
	ServerSandboxError     ServerFrameType = "sandbox_error"
	ServerSandboxWarning   ServerFrameType = "sandbox_warning"
	ServerSnapshotSaved    ServerFrameType = "snapshot_saved"
	ServerArtifactCreated  ServerFrameType = "artifact_created"
	ServerSessionStatus    ServerFrameType = "session_status"
	ServerPresenceSync     ServerFrameType = "presence_sync"
	ServerPresenceUpdate   ServerFrameType = "presence_update"
	ServerPresenceLeave    ServerFrameType = "presence_leave"
	ServerHistoryPage      ServerFrameType = "history_page"
	ServerError            ServerFrameType = "error"
)

// Frame is a generic server → client envelope; Payload is marshaled
// inline alongside Type so clients see a flat JSON object.
type Frame struct {
	Type    ServerFrameType `json:"type"`
	Payload map[string]any  `json:"-"`
}

// MarshalJSON flattens Payload's keys alongside "type".
func (f Frame) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": f.Type}
	for k, v := range f.Payload {
		out[k] = v
	}
	return json.Marshal(out)
}

// NewFrame builds a Frame from a type and a set of payload fields.
func NewFrame(t ServerFrameType, payload map[string]any) Frame {
	return Frame{Type: t, Payload: payload}
}

// Close codes used on client sockets, per spec.md §6.
const (
	CloseNormal        = 1000
	CloseAbnormal      = 1006
	CloseInternalError = 1011
	CloseAuthRequired  = 4001
	CloseMappingLost   = 4002
	CloseAuthTimeout   = 4008
)

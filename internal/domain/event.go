package domain

import "fmt"

// EventType enumerates the kinds of append-only activity records.
type EventType string

const (
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventToken              EventType = "token"
	EventError              EventType = "error"
	EventGitSync            EventType = "git_sync"
	EventStepStart          EventType = "step_start"
	EventStepFinish         EventType = "step_finish"
	EventExecutionComplete  EventType = "execution_complete"
	EventHeartbeat          EventType = "heartbeat"
	EventPushComplete       EventType = "push_complete"
	EventPushError          EventType = "push_error"
	EventUserMessage        EventType = "user_message"
)

// Event is a single row in the append-only activity log. Most event types
// get a generated ID; token and execution_complete events use a
// deterministic ID so repeated ingestion upserts instead of appending.
type Event struct {
	ID        string
	Type      EventType
	DataJSON  string
	MessageID string
	CreatedAt int64
}

// TokenEventID returns the deterministic ID used to upsert the latest
// token event for a message.
func TokenEventID(messageID string) string {
	return fmt.Sprintf("token:%s", messageID)
}

// ExecutionCompleteEventID returns the deterministic ID used to upsert the
// canonical execution_complete event for a message.
func ExecutionCompleteEventID(messageID string) string {
	return fmt.Sprintf("execution_complete:%s", messageID)
}

// IsCritical reports whether the event type requires an ack back to the
// sandbox when the inbound frame carried an ackId.
func (t EventType) IsCritical() bool {
	switch t {
	case EventExecutionComplete, EventPushComplete, EventPushError, EventError:
		return true
	default:
		return false
	}
}

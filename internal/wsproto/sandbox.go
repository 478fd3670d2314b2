package wsproto

import "github.com/remilabs/sessionactor/internal/domain"

// SandboxFrameType enumerates server → sandbox frame types.
type SandboxFrameType string

const (
	SandboxPrompt   SandboxFrameType = "prompt"
	SandboxStop     SandboxFrameType = "stop"
	SandboxShutdown SandboxFrameType = "shutdown"
	SandboxPush     SandboxFrameType = "push"
	SandboxAck      SandboxFrameType = "ack"
)

// PromptCommand is sent to the sandbox socket to start processing a message.
type PromptCommand struct {
	Type            SandboxFrameType `json:"type"`
	MessageID       string           `json:"messageId"`
	Content         string           `json:"content"`
	Model           string           `json:"model"`
	ReasoningEffort string           `json:"reasoningEffort,omitempty"`
	Author          PromptAuthor     `json:"author"`
	Attachments     []string         `json:"attachments,omitempty"`
}

// PromptAuthor identifies who authored a queued prompt, for the sandbox to
// attribute its work.
type PromptAuthor struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

// NewPromptCommand builds a PromptCommand from a Message and its author.
// Attachments are decoded by the caller from Message.AttachmentsJSON, since
// the Repository stores them as opaque JSON.
func NewPromptCommand(m *domain.Message, author *domain.Participant, model, reasoningEffort string, attachments []string) PromptCommand {
	return PromptCommand{
		Type:            SandboxPrompt,
		MessageID:       m.ID,
		Content:         m.Content,
		Model:           model,
		ReasoningEffort: reasoningEffort,
		Author:          PromptAuthor{ParticipantID: author.ID, DisplayName: author.DisplayName()},
		Attachments:     attachments,
	}
}

// StopCommand asks the sandbox to abort the currently processing message.
type StopCommand struct {
	Type SandboxFrameType `json:"type"`
}

// ShutdownCommand asks the sandbox to terminate.
type ShutdownCommand struct {
	Type SandboxFrameType `json:"type"`
}

// PushCommand asks the sandbox to push a branch to the remote.
type PushCommand struct {
	Type     SandboxFrameType `json:"type"`
	PushSpec PushSpec         `json:"pushSpec"`
}

// PushSpec describes a branch push the sandbox should perform.
type PushSpec struct {
	BranchName  string `json:"branchName"`
	BaseBranch  string `json:"baseBranch"`
	RemoteURL   string `json:"remoteUrl"`
	AccessToken string `json:"accessToken"`
}

// AckCommand acknowledges a critical event back to the sandbox.
type AckCommand struct {
	Type  SandboxFrameType `json:"type"`
	AckID string           `json:"ackId"`
}

// SandboxEvent is the inbound shape of every sandbox → server frame.
type SandboxEvent struct {
	Type      domain.EventType `json:"type"`
	MessageID string           `json:"messageId,omitempty"`
	AckID     string           `json:"ackId,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
}

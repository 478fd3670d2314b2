package domain

// MessageSource identifies where a prompt originated.
type MessageSource string

const (
	SourceWeb       MessageSource = "web"
	SourceSlack     MessageSource = "slack"
	SourceLinear    MessageSource = "linear"
	SourceExtension MessageSource = "extension"
	SourceGitHub    MessageSource = "github"
)

// MessageStatus is the queue state of a Message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Message is a single queued prompt.
type Message struct {
	ID                  string
	AuthorID            string
	Content             string
	Source              MessageSource
	Model               string
	ReasoningEffort     string
	AttachmentsJSON     string
	CallbackContextJSON string
	Status              MessageStatus
	CreatedAt           int64
	StartedAt           *int64
	CompletedAt         *int64
}

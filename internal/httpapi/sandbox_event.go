package httpapi

import (
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/wsproto"
)

// sandboxEventBody is the wire shape of a sandbox event arriving over
// either POST /sandbox-event or the sandbox WebSocket.
type sandboxEventBody struct {
	Type      string         `json:"type"`
	MessageID string         `json:"messageId,omitempty"`
	AckID     string         `json:"ackId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (b sandboxEventBody) toWire() wsproto.SandboxEvent {
	return wsproto.SandboxEvent{
		Type:      domain.EventType(b.Type),
		MessageID: b.MessageID,
		AckID:     b.AckID,
		Data:      b.Data,
	}
}

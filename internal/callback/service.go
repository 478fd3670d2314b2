// Package callback delivers best-effort notifications to whatever
// downstream integration bot (Slack, Linear, GitHub...) originated a
// session, identified by the callbackContext carried on a Message. Delivery
// is retried with backoff but never blocks or fails the caller — every
// entry point in SandboxEventProcessor invokes these in the background.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/remilabs/sessionactor/internal/callbackretry"
)

// ToolCallEvent is the payload for a background tool-call notification.
type ToolCallEvent struct {
	MessageID string `json:"messageId"`
	ToolName  string `json:"toolName"`
	Status    string `json:"status"`
}

// ExecutionCompleteEvent is the payload for an execution-complete
// notification.
type ExecutionCompleteEvent struct {
	MessageID         string `json:"messageId"`
	Success           bool   `json:"success"`
	QueueDurationMs   int64  `json:"queueDurationMs"`
	ProcessDurationMs int64  `json:"processDurationMs"`
	TotalDurationMs   int64  `json:"totalDurationMs"`
}

// Service is the narrow surface SandboxEventProcessor needs. callbackContext
// is the opaque JSON a Message carries (domain.Message.CallbackContextJSON)
// identifying where to deliver the notification.
type Service interface {
	NotifyToolCall(ctx context.Context, callbackContextJSON string, event ToolCallEvent) error
	NotifyExecutionComplete(ctx context.Context, callbackContextJSON string, event ExecutionCompleteEvent) error
}

// context_ is the shape callbackContextJSON decodes into: an endpoint URL
// and a bearer token, set by whichever bot originated the message.
type context_ struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// HTTPService posts JSON notifications to a per-message callback URL. A
// nil/empty callbackContextJSON is treated as "no callback configured" and
// is a silent no-op, matching spec.md's web-originated prompts which carry
// none.
type HTTPService struct {
	client *http.Client
	retry  callbackretry.Config
}

// NewHTTPService builds an HTTPService with the given HTTP client (pass nil
// for http.DefaultClient) and retry policy (zero InitialDelay, MaxDelay and
// MaxElapsed take callbackretry.DefaultConfig()'s values; a zero
// MaxAttempts places no cap on the number of attempts).
func NewHTTPService(client *http.Client, retry callbackretry.Config) *HTTPService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPService{client: client, retry: retry}
}

func (s *HTTPService) NotifyToolCall(ctx context.Context, callbackContextJSON string, event ToolCallEvent) error {
	return s.post(ctx, callbackContextJSON, "tool_call", event)
}

func (s *HTTPService) NotifyExecutionComplete(ctx context.Context, callbackContextJSON string, event ExecutionCompleteEvent) error {
	return s.post(ctx, callbackContextJSON, "execution_complete", event)
}

func (s *HTTPService) post(ctx context.Context, callbackContextJSON string, kind string, event any) error {
	cc, ok := decodeContext(callbackContextJSON)
	if !ok {
		return nil
	}

	body, err := json.Marshal(map[string]any{"type": kind, "event": event})
	if err != nil {
		return fmt.Errorf("marshal %s callback payload: %w", kind, err)
	}

	return callbackretry.Do(ctx, s.retry, kind, func(retryCtx context.Context) error {
		req, err := http.NewRequestWithContext(retryCtx, http.MethodPost, cc.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s callback request: %w", kind, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cc.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cc.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("send %s callback request: %w", kind, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
			callErr := fmt.Errorf("%s callback returned HTTP %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(respBody)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
				return callbackretry.Permanent(callErr)
			}
			return callErr
		}
		return nil
	})
}

func decodeContext(callbackContextJSON string) (context_, bool) {
	if strings.TrimSpace(callbackContextJSON) == "" {
		return context_{}, false
	}
	var cc context_
	if err := json.Unmarshal([]byte(callbackContextJSON), &cc); err != nil {
		return context_{}, false
	}
	if _, err := url.ParseRequestURI(cc.URL); err != nil {
		return context_{}, false
	}
	return cc, true
}

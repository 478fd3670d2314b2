package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/remilabs/sessionactor/internal/presence"
	"github.com/remilabs/sessionactor/internal/queue"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
)

// handleClientWS upgrades a client connection, enforces the subscribe
// handshake deadline, then reads frames until the socket closes.
func (h *Handler) handleClientWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("accept client websocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
		h.actor.Registry.RemoveClient(ws)
		h.actor.Presence.Leave(context.Background(), ws)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wsID := uuid.NewString()
	go h.actor.Registry.EnforceAuthTimeout(ctx, ws, wsID, h.actor.AuthHandshakeTimeout())

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env wsproto.ClientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendClientError(ctx, ws, "bad_request", "malformed frame")
			continue
		}
		env.Data = data
		h.dispatchClientFrame(ctx, ws, wsID, env)
	}
}

func (h *Handler) dispatchClientFrame(ctx context.Context, ws *websocket.Conn, wsID string, env wsproto.ClientEnvelope) {
	switch env.Type {
	case wsproto.ClientPing:
		h.actor.Registry.Send(ctx, ws, wsproto.NewFrame(wsproto.ServerPong, map[string]any{"timestamp": time.Now().UnixMilli()}))

	case wsproto.ClientSubscribe:
		var payload wsproto.SubscribePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.sendClientError(ctx, ws, "bad_request", "malformed subscribe payload")
			return
		}
		h.handleSubscribe(ctx, ws, wsID, payload)

	case wsproto.ClientPrompt:
		var payload wsproto.PromptPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.sendClientError(ctx, ws, "bad_request", "malformed prompt payload")
			return
		}
		h.handleClientPrompt(ctx, ws, payload)

	case wsproto.ClientStop:
		if err := h.actor.Stop(ctx); err != nil {
			h.sendClientError(ctx, ws, "stop_failed", err.Error())
		}

	case wsproto.ClientTyping:
		// typing from a subscribed client runs the sandbox spawn decision so
		// the sandbox warms before the prompt arrives.
		if _, ok := h.actor.Registry.GetClient(ws); !ok {
			return
		}
		state, err := h.actor.State(ctx)
		if err != nil || state == nil {
			return
		}
		if err := h.actor.Lifecycle.Spawn(ctx, state.Session); err != nil {
			slog.Warn("spawn on typing", "error", err)
		}

	case wsproto.ClientFetchHistory:
		var payload wsproto.FetchHistoryPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.sendClientError(ctx, ws, "bad_request", "malformed fetch_history payload")
			return
		}
		h.handleFetchHistory(ctx, ws, payload)

	case wsproto.ClientPresence:
		var payload wsproto.PresencePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.sendClientError(ctx, ws, "bad_request", "malformed presence payload")
			return
		}
		h.actor.Presence.Update(ctx, ws, payload.Status)

	default:
		h.sendClientError(ctx, ws, "unknown_frame_type", string(env.Type))
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, ws *websocket.Conn, wsID string, payload wsproto.SubscribePayload) {
	result, err := h.actor.Presence.Subscribe(ctx, ws, wsID, payload.Token, payload.ClientID)
	if err != nil {
		if errors.Is(err, presence.ErrTokenExpired) {
			_ = ws.Close(wsproto.CloseAuthRequired, "ws auth token expired")
			return
		}
		_ = ws.Close(wsproto.CloseAuthRequired, "invalid ws auth token")
		return
	}

	replay := map[string]any{
		"events":  result.ReplayEvents,
		"hasMore": result.HasMore,
	}
	if result.ReplayCursor != nil {
		replay["cursor"] = wsproto.HistoryCursor{Timestamp: result.ReplayCursor.Timestamp, ID: result.ReplayCursor.ID}
	}

	h.actor.Registry.Send(ctx, ws, wsproto.NewFrame(wsproto.ServerSubscribed, map[string]any{
		"sessionId":     result.SessionID,
		"state":         result.State,
		"participantId": result.ParticipantID,
		"participant":   result.Participant,
		"replay":        replay,
		"spawnError":    result.SpawnError,
	}))
}

func (h *Handler) handleClientPrompt(ctx context.Context, ws *websocket.Conn, payload wsproto.PromptPayload) {
	info, ok := h.actor.Registry.GetClient(ws)
	if !ok {
		h.sendClientError(ctx, ws, "unauthenticated", "subscribe before sending prompts")
		return
	}
	var attachmentsJSON string
	if len(payload.Attachments) > 0 {
		if data, err := json.Marshal(payload.Attachments); err == nil {
			attachmentsJSON = string(data)
		}
	}
	_, err := h.actor.Prompt(ctx, queue.EnqueueRequest{
		AuthorUserID:    info.ParticipantID,
		Content:         payload.Content,
		Source:          "web",
		Model:           payload.Model,
		ReasoningEffort: payload.ReasoningEffort,
		AttachmentsJSON: attachmentsJSON,
		RequestID:       payload.RequestID,
	})
	if err != nil {
		h.sendClientError(ctx, ws, "prompt_failed", err.Error())
	}
}

func (h *Handler) handleFetchHistory(ctx context.Context, ws *websocket.Conn, payload wsproto.FetchHistoryPayload) {
	var cursor *store.Cursor
	if payload.Cursor != nil {
		cursor = &store.Cursor{Timestamp: payload.Cursor.Timestamp, ID: payload.Cursor.ID}
	}
	result, err := h.actor.Presence.FetchHistory(ctx, ws, cursor, payload.Limit)
	if err != nil {
		h.sendClientError(ctx, ws, "fetch_history_failed", err.Error())
		return
	}
	if result == nil {
		h.sendClientError(ctx, ws, "RATE_LIMITED", "fetch_history called too frequently")
		return
	}
	frame := map[string]any{"items": result.Items, "hasMore": result.HasMore}
	if result.Cursor != nil {
		frame["cursor"] = wsproto.HistoryCursor{Timestamp: result.Cursor.Timestamp, ID: result.Cursor.ID}
	}
	h.actor.Registry.Send(ctx, ws, wsproto.NewFrame(wsproto.ServerHistoryPage, frame))
}

func (h *Handler) sendClientError(ctx context.Context, ws *websocket.Conn, code, message string) {
	h.actor.Registry.Send(ctx, ws, wsproto.NewFrame(wsproto.ServerError, map[string]any{"code": code, "message": message}))
}

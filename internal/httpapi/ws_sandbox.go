package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/remilabs/sessionactor/internal/actor"
	"github.com/remilabs/sessionactor/internal/wsproto"
)

// handleSandboxWS upgrades the sandbox's connection, per spec.md §6:
// `Authorization: Bearer {plaintext}` plus `X-Sandbox-ID` must match the
// session's single sandbox row before the upgrade is allowed.
func (h *Handler) handleSandboxWS(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.Header.Get("X-Sandbox-ID")
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	status, err := h.actor.VerifySandboxToken(r.Context(), token)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if status != actor.SandboxTokenOK {
		http.Error(w, "unauthorized", int(status))
		return
	}

	state, err := h.actor.State(r.Context())
	if err != nil || state == nil || state.Sandbox == nil || state.Sandbox.ProviderSandboxID != sandboxID {
		http.Error(w, "sandbox id mismatch", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("accept sandbox websocket", "error", err)
		return
	}
	result := h.actor.Registry.AcceptSandbox(r.Context(), ws, sandboxID)
	if result.Replaced {
		slog.Info("sandbox socket replaced", "sandboxId", sandboxID)
	}
	defer func() {
		h.actor.Registry.ClearSandboxSocketIfMatch(ws)
		_ = ws.Close(websocket.StatusNormalClosure, "sandbox session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.actor.SandboxConnected(ctx); err != nil {
		slog.Error("mark sandbox connected", "error", err, "sandboxId", sandboxID)
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var body sandboxEventBody
		if err := json.Unmarshal(data, &body); err != nil {
			slog.Warn("malformed sandbox event frame", "error", err)
			continue
		}
		evt := body.toWire()
		if err := h.actor.SandboxEvent(ctx, evt); err != nil {
			slog.Warn("ingest sandbox event", "error", err, "type", evt.Type)
			continue
		}
		if evt.Type.IsCritical() && evt.AckID != "" {
			h.actor.Registry.SendToSandbox(ctx, wsproto.AckCommand{Type: wsproto.SandboxAck, AckID: evt.AckID})
		}
	}
}

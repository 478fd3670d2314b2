// Package wsregistry is the sole owner of WebSocket bookkeeping for a
// session actor: accepting sockets, tagging them for hibernation recovery,
// classifying them on reentry, and routing sends.
package wsregistry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
)

// socketKind distinguishes a client socket from the sandbox socket once a
// raw *websocket.Conn has been classified.
type socketKind string

const (
	KindClient  socketKind = "client"
	KindSandbox socketKind = "sandbox"
)

// Classification is the result of classify(ws).
type Classification struct {
	Kind      socketKind
	WsID      string
	SandboxID string
}

// ClientInfo is the in-memory identity cache for an authenticated client
// socket. It is rebuilt from a persisted WsClientMapping when missing
// after a restart.
type ClientInfo struct {
	WsID          string
	ParticipantID string
	ClientID      string
}

// BroadcastMode selects which sockets a broadcast reaches.
type BroadcastMode string

const (
	BroadcastAllClients        BroadcastMode = "all_clients"
	BroadcastAuthenticatedOnly BroadcastMode = "authenticated_only"
)

type socketTag struct {
	kind      socketKind
	wsID      string
	sandboxID string
}

// Registry tracks every live socket for one session actor.
type Registry struct {
	repo store.Repository

	mu sync.Mutex

	tags    map[*websocket.Conn]socketTag
	clients map[*websocket.Conn]*ClientInfo

	sandboxSocket   *websocket.Conn
	sandboxSocketID string

	authenticatedSockets map[*websocket.Conn]bool
	authSetComplete      bool
}

// New builds a Registry backed by repo for hibernation-recovery lookups.
func New(repo store.Repository) *Registry {
	return &Registry{
		repo:                 repo,
		tags:                 make(map[*websocket.Conn]socketTag),
		clients:              make(map[*websocket.Conn]*ClientInfo),
		authenticatedSockets: make(map[*websocket.Conn]bool),
	}
}

// AcceptClient registers a freshly upgraded client socket under wsId.
func (r *Registry) AcceptClient(ws *websocket.Conn, wsID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[ws] = socketTag{kind: KindClient, wsID: wsID}
}

// AcceptResult reports whether accepting a sandbox socket replaced a prior
// one that was still open.
type AcceptResult struct {
	Replaced bool
}

// AcceptSandbox registers the sandbox socket. If a prior sandbox socket is
// cached and still open, it is closed with code 1000 and replaced.
func (r *Registry) AcceptSandbox(ctx context.Context, ws *websocket.Conn, sandboxID string) AcceptResult {
	r.mu.Lock()
	prior := r.sandboxSocket
	r.sandboxSocket = ws
	r.sandboxSocketID = sandboxID
	r.tags[ws] = socketTag{kind: KindSandbox, sandboxID: sandboxID}
	r.mu.Unlock()

	replaced := false
	if prior != nil && prior != ws {
		replaced = true
		_ = prior.Close(websocket.StatusNormalClosure, "New sandbox connecting")
	}
	return AcceptResult{Replaced: replaced}
}

// Classify parses the tag recorded for ws.
func (r *Registry) Classify(ws *websocket.Conn) (Classification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag, ok := r.tags[ws]
	if !ok {
		return Classification{}, false
	}
	return Classification{Kind: tag.kind, WsID: tag.wsID, SandboxID: tag.sandboxID}, true
}

// GetSandboxSocket returns the cached open sandbox socket. If none is
// cached (hibernation recovery), it scans all live sockets for one tagged
// sandbox with a matching sandboxID and re-caches it.
func (r *Registry) GetSandboxSocket(expectedSandboxID string) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sandboxSocket != nil {
		return r.sandboxSocket
	}

	for ws, tag := range r.tags {
		if tag.kind == KindSandbox && tag.sandboxID == expectedSandboxID {
			r.sandboxSocket = ws
			r.sandboxSocketID = tag.sandboxID
			return ws
		}
	}
	return nil
}

// ClearSandboxSocketIfMatch clears the cached sandbox reference only if it
// is still the same socket, so a close racing with a replacement does not
// clobber the newly active one.
func (r *Registry) ClearSandboxSocketIfMatch(ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sandboxSocket == ws {
		r.sandboxSocket = nil
		r.sandboxSocketID = ""
	}
	delete(r.tags, ws)
}

// SetClient populates the in-memory identity cache for a client socket.
func (r *Registry) SetClient(ws *websocket.Conn, info *ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[ws] = info
	r.authenticatedSockets[ws] = true
}

// GetClient returns the in-memory identity cache entry, if any.
func (r *Registry) GetClient(ws *websocket.Conn) (*ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.clients[ws]
	return info, ok
}

// RemoveClient drops all bookkeeping for a closed client socket.
func (r *Registry) RemoveClient(ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, ws)
	delete(r.tags, ws)
	delete(r.authenticatedSockets, ws)
}

// RecoverClientMapping reads the persisted WsClientMapping for a socket
// whose in-memory identity was lost (process restart). The caller is
// responsible for calling SetClient with the rebuilt ClientInfo.
func (r *Registry) RecoverClientMapping(ctx context.Context, wsID string) (*domain.WsClientMapping, error) {
	return r.repo.GetWsClientMapping(ctx, wsID)
}

// PersistClientMapping upserts the durable wsId -> participant mapping so
// it survives a restart even if the in-memory cache is lost.
func (r *Registry) PersistClientMapping(ctx context.Context, wsID, participantID, clientID string) error {
	return r.repo.UpsertWsClientMapping(ctx, &domain.WsClientMapping{
		WsID:          wsID,
		ParticipantID: participantID,
		ClientID:      clientID,
		CreatedAt:     time.Now().UnixMilli(),
	})
}

// Send writes msg to ws as a JSON text frame, failing silently (returning
// false) if the socket is not open.
func (r *Registry) Send(ctx context.Context, ws *websocket.Conn, frame wsproto.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("marshal frame for send", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// SendToSandbox writes a command frame to the cached sandbox socket, if
// any is open. Returns false if there is none.
func (r *Registry) SendToSandbox(ctx context.Context, v any) bool {
	r.mu.Lock()
	ws := r.sandboxSocket
	r.mu.Unlock()
	if ws == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal sandbox command", "error", err)
		return false
	}
	return ws.Write(ctx, websocket.MessageText, data) == nil
}

// CloseSandboxSocket closes the cached sandbox socket, if any, and clears
// the cache.
func (r *Registry) CloseSandboxSocket(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	ws := r.sandboxSocket
	r.sandboxSocket = nil
	r.sandboxSocketID = ""
	r.mu.Unlock()
	if ws != nil {
		_ = ws.Close(code, reason)
	}
}

// HasConnectedClients reports whether any client socket is currently open.
// Used by the inactivity watchdog to decide whether to extend or time out.
func (r *Registry) HasConnectedClients() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tag := range r.tags {
		if tag.kind == KindClient {
			return true
		}
	}
	return false
}

// clientSockets returns a snapshot of socket -> tag for client-kind sockets.
func (r *Registry) clientSockets() map[*websocket.Conn]socketTag {
	out := make(map[*websocket.Conn]socketTag)
	for ws, tag := range r.tags {
		if tag.kind == KindClient {
			out[ws] = tag
		}
	}
	return out
}

// Broadcast serializes frame once and routes it to either all client
// sockets or only authenticated ones. "Authenticated" means an in-memory
// ClientInfo exists OR a persisted WsClientMapping exists for the wsId.
// The authenticated-set cache is built incrementally: the first full scan
// after a restart backfills it and marks it complete; subsequent
// broadcasts use the fast path.
func (r *Registry) Broadcast(ctx context.Context, mode BroadcastMode, frame wsproto.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("marshal frame for broadcast", "error", err)
		return
	}

	r.mu.Lock()
	sockets := r.clientSockets()
	needFullScan := mode == BroadcastAuthenticatedOnly && !r.authSetComplete
	r.mu.Unlock()

	for ws, tag := range sockets {
		if mode == BroadcastAuthenticatedOnly {
			if !r.isAuthenticated(ctx, ws, tag, needFullScan) {
				continue
			}
		}
		_ = ws.Write(ctx, websocket.MessageText, data)
	}

	if needFullScan {
		r.mu.Lock()
		r.authSetComplete = true
		r.mu.Unlock()
	}
}

func (r *Registry) isAuthenticated(ctx context.Context, ws *websocket.Conn, tag socketTag, allowRecovery bool) bool {
	r.mu.Lock()
	if r.authenticatedSockets[ws] {
		r.mu.Unlock()
		return true
	}
	_, cached := r.clients[ws]
	r.mu.Unlock()
	if cached {
		r.markAuthenticated(ws)
		return true
	}
	if !allowRecovery {
		return false
	}

	mapping, err := r.repo.GetWsClientMapping(ctx, tag.wsID)
	if err != nil || mapping == nil {
		return false
	}
	r.markAuthenticated(ws)
	return true
}

func (r *Registry) markAuthenticated(ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticatedSockets[ws] = true
}

// EnforceAuthTimeout closes ws with code 4008 if, after timeout elapses,
// it is still open and neither an in-memory nor a persisted mapping
// exists for wsId.
func (r *Registry) EnforceAuthTimeout(ctx context.Context, ws *websocket.Conn, wsID string, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if _, ok := r.GetClient(ws); ok {
		return
	}
	mapping, err := r.repo.GetWsClientMapping(ctx, wsID)
	if err == nil && mapping != nil {
		return
	}
	_ = ws.Close(wsproto.CloseAuthTimeout, "authentication timeout")
}

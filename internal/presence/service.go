// Package presence implements the Presence contract of spec.md §4.9:
// subscribe handshake with replay, presence fan-out on join/update/leave,
// and rate-limited history paging.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/remilabs/sessionactor/internal/crypto"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

const (
	replayLimit          = 500
	historyMinLimit      = 1
	historyMaxLimit      = 500
	historyDefaultLimit  = 100
	fetchHistoryInterval = 200 * time.Millisecond
)

// Service implements PresenceService: authenticated-client bookkeeping and
// the fan-out/history surface spec.md §4.9 describes.
type Service struct {
	repo          store.Repository
	registry      *wsregistry.Registry
	tokenLifetime time.Duration

	mu          sync.Mutex
	lastFetchAt map[*websocket.Conn]time.Time
	statusByWS  map[*websocket.Conn]string
}

func New(repo store.Repository, registry *wsregistry.Registry, tokenLifetime time.Duration) *Service {
	return &Service{
		repo:          repo,
		registry:      registry,
		tokenLifetime: tokenLifetime,
		lastFetchAt:   make(map[*websocket.Conn]time.Time),
		statusByWS:    make(map[*websocket.Conn]string),
	}
}

// ErrTokenExpired is returned by Subscribe when the participant's WS auth
// token has outlived tokenLifetime; the caller must close with 4001.
var ErrTokenExpired = fmt.Errorf("ws auth token expired")

// SubscribeResult is everything Subscribe needs to build the "subscribed"
// frame spec.md §6 names.
type SubscribeResult struct {
	SessionID     string
	State         *domain.Session
	ParticipantID string
	Participant   *domain.Participant
	ReplayEvents  []*domain.Event
	ReplayCursor  *store.Cursor
	HasMore       bool
	SpawnError    string
}

// Subscribe authenticates ws against token, registers it as a live client,
// and returns the payload for a single "subscribed" frame plus a
// "presence_sync" fan-out to every authenticated client, this one included.
func (s *Service) Subscribe(ctx context.Context, ws *websocket.Conn, wsID, token, clientID string) (*SubscribeResult, error) {
	hash := crypto.HashToken(token)
	participant, err := s.repo.GetParticipantByWSTokenHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("look up participant by ws token: %w", err)
	}
	if participant == nil {
		return nil, fmt.Errorf("invalid or unknown ws auth token")
	}
	if s.tokenLifetime > 0 && participant.WSTokenCreatedAt != nil {
		issuedAt := time.UnixMilli(*participant.WSTokenCreatedAt)
		if time.Since(issuedAt) > s.tokenLifetime {
			return nil, ErrTokenExpired
		}
	}

	sess, err := s.repo.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	page, err := s.repo.GetEventsForReplay(ctx, replayLimit)
	if err != nil {
		return nil, fmt.Errorf("load replay events: %w", err)
	}

	var spawnError string
	if sb, err := s.repo.GetSandbox(ctx); err == nil && sb != nil {
		spawnError = sb.LastSpawnError
	}

	s.registry.AcceptClient(ws, wsID)
	s.registry.SetClient(ws, &wsregistry.ClientInfo{WsID: wsID, ParticipantID: participant.ID, ClientID: clientID})
	if err := s.registry.PersistClientMapping(ctx, wsID, participant.ID, clientID); err != nil {
		return nil, fmt.Errorf("persist ws client mapping: %w", err)
	}

	s.mu.Lock()
	s.statusByWS[ws] = "online"
	s.mu.Unlock()

	s.broadcastPresence(ctx, wsproto.ServerPresenceSync, participant, "online")

	return &SubscribeResult{
		SessionID:     sess.ID,
		State:         sess,
		ParticipantID: participant.ID,
		Participant:   participant,
		ReplayEvents:  page.Items,
		ReplayCursor:  page.Cursor,
		HasMore:       page.HasMore,
		SpawnError:    spawnError,
	}, nil
}

// Update records a client-reported presence status change and fans it out
// as "presence_update".
func (s *Service) Update(ctx context.Context, ws *websocket.Conn, status string) {
	info, ok := s.registry.GetClient(ws)
	if !ok {
		return
	}
	participant, err := s.repo.GetParticipantByID(ctx, info.ParticipantID)
	if err != nil || participant == nil {
		return
	}

	s.mu.Lock()
	s.statusByWS[ws] = status
	s.mu.Unlock()

	s.broadcastPresence(ctx, wsproto.ServerPresenceUpdate, participant, status)
}

// Leave fans out "presence_leave" for a closing client socket and drops
// its rate-limit bookkeeping.
func (s *Service) Leave(ctx context.Context, ws *websocket.Conn) {
	info, ok := s.registry.GetClient(ws)

	s.mu.Lock()
	delete(s.lastFetchAt, ws)
	delete(s.statusByWS, ws)
	s.mu.Unlock()

	if !ok {
		return
	}
	participant, err := s.repo.GetParticipantByID(ctx, info.ParticipantID)
	if err != nil || participant == nil {
		return
	}
	s.broadcastPresence(ctx, wsproto.ServerPresenceLeave, participant, "offline")
}

func (s *Service) broadcastPresence(ctx context.Context, frameType wsproto.ServerFrameType, participant *domain.Participant, status string) {
	s.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.Frame{
		Type: frameType,
		Payload: map[string]any{
			"participantId": participant.ID,
			"participant":   participant,
			"status":        status,
		},
	})
}

// FetchHistoryResult is the payload for a single "history_page" frame.
type FetchHistoryResult struct {
	Items   []*domain.Event
	HasMore bool
	Cursor  *store.Cursor
}

// FetchHistory serves one page of historical events for ws, enforcing the
// per-client rate limit and limit clamp spec.md §4.9 names. Returns
// (nil, nil) when the call is dropped for being too frequent.
func (s *Service) FetchHistory(ctx context.Context, ws *websocket.Conn, cursor *store.Cursor, limit int) (*FetchHistoryResult, error) {
	if !s.allowFetch(ws) {
		return nil, nil
	}

	limit = clamp(limit, historyMinLimit, historyMaxLimit)
	page, err := s.repo.GetEventsHistoryPage(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history page: %w", err)
	}
	return &FetchHistoryResult{Items: page.Items, HasMore: page.HasMore, Cursor: page.Cursor}, nil
}

func (s *Service) allowFetch(ws *websocket.Conn) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastFetchAt[ws]; ok && now.Sub(last) < fetchHistoryInterval {
		return false
	}
	s.lastFetchAt[ws] = now
	return true
}

func clamp(v, lo, hi int) int {
	if v == 0 {
		return historyDefaultLimit
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

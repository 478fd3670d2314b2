// Package queue implements the FIFO prompt queue: enqueue, dispatch to the
// sandbox, stop, and the watchdog-only stuck-message failure path.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// Spawner is the narrow view of LifecycleManager the queue needs to
// trigger a spawn when dispatch finds no live sandbox socket. Defined
// locally (rather than importing package lifecycle) to avoid a
// queue<->lifecycle import cycle; lifecycle.Manager satisfies this.
type Spawner interface {
	Spawn(ctx context.Context, session *domain.Session) error
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	AuthorUserID        string
	Content             string
	Source              domain.MessageSource
	Model               string
	ReasoningEffort     string
	AttachmentsJSON     string
	CallbackContextJSON string
	RequestID           string
}

// Queue is the FIFO prompt queue for one session actor. It fetches the
// session row itself on every call rather than taking it as a parameter,
// so its exported methods satisfy the narrow Dispatcher interfaces
// lifecycle and events consume without needing the caller to thread a
// *domain.Session through.
type Queue struct {
	repo     store.Repository
	registry *wsregistry.Registry
	spawner  Spawner
	modelCfg config.ModelConfig
	alarmCfg config.AlarmConfig

	scheduleExecutionAlarm func(at time.Time)
}

// New builds a Queue.
func New(repo store.Repository, registry *wsregistry.Registry, spawner Spawner, modelCfg config.ModelConfig, alarmCfg config.AlarmConfig) *Queue {
	return &Queue{repo: repo, registry: registry, spawner: spawner, modelCfg: modelCfg, alarmCfg: alarmCfg}
}

// SetExecutionAlarmScheduler wires in the "earlier wins" alarm scheduler
// from lifecycle.Manager, invoked by Dispatch once a message starts
// processing.
func (q *Queue) SetExecutionAlarmScheduler(fn func(at time.Time)) {
	q.scheduleExecutionAlarm = fn
}

// Enqueue implements 4.4's enqueue(msg) contract.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Message, error) {
	participant, err := q.resolveParticipant(ctx, req.AuthorUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve participant: %w", err)
	}

	model := req.Model
	if model != "" && !q.modelCfg.Allows(model) {
		slog.Warn("dropping disallowed model override", "model", model)
		model = ""
	}
	reasoningEffort := req.ReasoningEffort
	if reasoningEffort != "" && !q.modelCfg.AllowsReasoningEffort(reasoningEffort) {
		slog.Warn("dropping disallowed reasoning effort override", "reasoningEffort", reasoningEffort)
		reasoningEffort = ""
	}

	now := domain.Now()
	msg := &domain.Message{
		ID:                  uuid.NewString(),
		AuthorID:            participant.ID,
		Content:             req.Content,
		Source:              req.Source,
		Model:               model,
		ReasoningEffort:     reasoningEffort,
		AttachmentsJSON:     req.AttachmentsJSON,
		CallbackContextJSON: req.CallbackContextJSON,
		Status:              domain.MessagePending,
		CreatedAt:           now,
	}
	if err := q.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	userEventData, err := json.Marshal(map[string]any{
		"content":       req.Content,
		"participantId": participant.ID,
		"displayName":   participant.DisplayName(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal user_message event: %w", err)
	}
	if err := q.repo.InsertEvent(ctx, &domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventUserMessage,
		DataJSON:  string(userEventData),
		MessageID: msg.ID,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("insert user_message event: %w", err)
	}

	position, err := q.repo.GetPendingOrProcessingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending/processing: %w", err)
	}
	q.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerPromptQueued, map[string]any{
		"messageId": msg.ID,
		"position":  position,
		"requestId": req.RequestID,
	}))

	if err := q.Dispatch(ctx); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return msg, nil
}

func (q *Queue) resolveParticipant(ctx context.Context, userID string) (*domain.Participant, error) {
	existing, err := q.repo.GetParticipantByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	p := &domain.Participant{
		ID:       uuid.NewString(),
		UserID:   userID,
		Role:     domain.RoleMember,
		JoinedAt: domain.Now(),
	}
	if err := q.repo.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Dispatch implements 4.4's dispatch() contract. Satisfies
// lifecycle.Dispatcher and events.Dispatcher.
func (q *Queue) Dispatch(ctx context.Context) error {
	processing, err := q.repo.GetProcessingMessage(ctx)
	if err != nil {
		return fmt.Errorf("get processing message: %w", err)
	}
	if processing != nil {
		return nil
	}

	next, err := q.repo.GetNextPendingMessage(ctx)
	if err != nil {
		return fmt.Errorf("get next pending message: %w", err)
	}
	if next == nil {
		return nil
	}

	session, err := q.repo.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("dispatch called before session init")
	}

	sb, err := q.repo.GetSandbox(ctx)
	if err != nil {
		return fmt.Errorf("get sandbox: %w", err)
	}
	var expectedSandboxID string
	if sb != nil {
		expectedSandboxID = sb.ProviderSandboxID
	}
	ws := q.registry.GetSandboxSocket(expectedSandboxID)
	if ws == nil {
		q.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxSpawning, nil))
		if q.spawner != nil {
			if err := q.spawner.Spawn(ctx, session); err != nil {
				return fmt.Errorf("spawn sandbox: %w", err)
			}
		}
		return nil
	}

	now := domain.Now()
	if err := q.repo.UpdateMessageToProcessing(ctx, next.ID, now); err != nil {
		return fmt.Errorf("mark message processing: %w", err)
	}

	model := next.Model
	if model == "" {
		model = session.Model
	}
	if model == "" {
		model = q.modelCfg.DefaultModel
	}
	reasoningEffort := next.ReasoningEffort
	if reasoningEffort == "" {
		reasoningEffort = session.ReasoningEffort
	}
	if reasoningEffort == "" {
		reasoningEffort = q.modelCfg.DefaultReasoningEffort
	}

	author, err := q.repo.GetParticipantByID(ctx, next.AuthorID)
	if err != nil {
		return fmt.Errorf("get message author: %w", err)
	}
	if author == nil {
		author = &domain.Participant{ID: next.AuthorID, UserID: next.AuthorID}
	}

	attachments := decodeAttachments(next.AttachmentsJSON)
	cmd := wsproto.NewPromptCommand(next, author, model, reasoningEffort, attachments)
	q.registry.SendToSandbox(ctx, cmd)

	q.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerProcessingStatus, map[string]any{"isProcessing": true}))
	if err := q.repo.UpdateSandboxActivity(ctx, now); err != nil {
		slog.Warn("update sandbox activity on dispatch", "error", err)
	}
	if q.scheduleExecutionAlarm != nil {
		q.scheduleExecutionAlarm(time.UnixMilli(now).Add(q.alarmCfg.ExecutionTimeout))
	}
	return nil
}

func decodeAttachments(attachmentsJSON string) []string {
	if attachmentsJSON == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(attachmentsJSON), &out); err != nil {
		slog.Warn("decode attachments json", "error", err)
		return nil
	}
	return out
}

// StopExecution implements 4.4's stopExecution() contract.
func (q *Queue) StopExecution(ctx context.Context) error {
	return q.failProcessing(ctx, "stopped", true)
}

// FailStuckProcessingMessage implements 4.4's failStuckProcessingMessage()
// contract: the same DB effect as stop, without a sandbox command, and
// without draining the queue. Part of lifecycle.Dispatcher.
func (q *Queue) FailStuckProcessingMessage(ctx context.Context, reason string) error {
	return q.failProcessing(ctx, reason, false)
}

func (q *Queue) failProcessing(ctx context.Context, reason string, forwardStop bool) error {
	processing, err := q.repo.GetProcessingMessage(ctx)
	if err != nil {
		return fmt.Errorf("get processing message: %w", err)
	}
	if processing == nil {
		return nil
	}

	now := domain.Now()
	if err := q.repo.UpdateMessageCompletion(ctx, processing.ID, domain.MessageFailed, now); err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	data, err := json.Marshal(map[string]any{"success": false, "reason": reason})
	if err != nil {
		return fmt.Errorf("marshal execution_complete event: %w", err)
	}
	if err := q.repo.UpsertExecutionCompleteEvent(ctx, processing.ID, string(data), now); err != nil {
		return fmt.Errorf("upsert execution_complete event: %w", err)
	}

	q.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxEvent, map[string]any{
		"event": map[string]any{"type": "execution_complete", "messageId": processing.ID, "success": false, "reason": reason},
	}))
	q.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerProcessingStatus, map[string]any{"isProcessing": false}))

	if forwardStop {
		q.registry.SendToSandbox(ctx, wsproto.StopCommand{Type: wsproto.SandboxStop})
	}
	return nil
}

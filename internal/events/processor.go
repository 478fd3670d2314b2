// Package events implements SandboxEventProcessor (spec.md §4.5): the
// authoritative ingest path for every inbound sandbox event, and the push
// rendezvous (§4.6) used by the PR flow to await an in-sandbox git push.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/remilabs/sessionactor/internal/callback"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// Dispatcher is the narrow view of the message queue the processor needs:
// re-driving the queue once an execution completes. Defined locally to
// avoid an events<->queue import cycle; queue.Queue satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context) error
}

// Snapshotter is the narrow view of LifecycleManager the processor needs:
// triggering a best-effort snapshot after an execution completes, and
// nudging the inactivity watchdog's schedule after resetting activity.
// Defined locally to avoid an events<->lifecycle import cycle;
// lifecycle.Manager satisfies this.
type Snapshotter interface {
	TriggerSnapshot(ctx context.Context, reason string) error
	RescheduleInactivityCheck()
}

// toolCallPersistStatuses is the allowlist of tool_call statuses persisted
// to the event log (spec.md §4.5); other statuses are dropped to avoid
// logging every intermediate streaming delta.
var toolCallPersistStatuses = map[string]bool{"running": true, "done": true, "error": true}

// pendingPush is one in-flight push-rendezvous registration, keyed by the
// normalized branch name (§4.6).
type pendingPush struct {
	resolve func()
	reject  func(error)
}

// Processor ingests sandbox events, persists/broadcasts them per type,
// drives ack/rendezvous/callback side effects, and keeps the queue/
// lifecycle watchdogs informed.
type Processor struct {
	repo        store.Repository
	registry    *wsregistry.Registry
	dispatcher  Dispatcher
	snapshotter Snapshotter
	callbackSvc callback.Service

	pushDeadline time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPush
}

// New builds a Processor. callbackSvc may be nil to disable callback
// delivery entirely (tests, or a deployment with no integration bots).
func New(repo store.Repository, registry *wsregistry.Registry, dispatcher Dispatcher, snapshotter Snapshotter, callbackSvc callback.Service, pushDeadline time.Duration) *Processor {
	return &Processor{
		repo: repo, registry: registry, dispatcher: dispatcher, snapshotter: snapshotter, callbackSvc: callbackSvc,
		pushDeadline: pushDeadline,
		pending:      make(map[string]*pendingPush),
	}
}

// Ingest implements the per-event-type contract of 4.5, then acks critical
// events carrying an ackId.
func (p *Processor) Ingest(ctx context.Context, evt wsproto.SandboxEvent) error {
	var err error
	switch evt.Type {
	case domain.EventHeartbeat:
		err = p.handleHeartbeat(ctx)
	case domain.EventToken:
		err = p.handleToken(ctx, evt)
	case domain.EventStepStart, domain.EventStepFinish:
		err = p.handleStep(ctx, evt)
	case domain.EventToolCall:
		err = p.handleToolCall(ctx, evt)
	case domain.EventToolResult:
		err = p.handleSimplePersist(ctx, evt)
	case domain.EventGitSync:
		err = p.handleGitSync(ctx, evt)
	case domain.EventPushComplete, domain.EventPushError:
		err = p.handlePush(ctx, evt)
	case domain.EventExecutionComplete:
		err = p.handleExecutionComplete(ctx, evt)
	default:
		err = p.handleUnknown(ctx, evt)
	}
	if err != nil {
		return err
	}

	if evt.Type.IsCritical() && evt.AckID != "" {
		p.registry.SendToSandbox(ctx, wsproto.AckCommand{Type: wsproto.SandboxAck, AckID: evt.AckID})
	}
	return nil
}

func (p *Processor) handleHeartbeat(ctx context.Context) error {
	if err := p.repo.UpdateSandboxHeartbeat(ctx, domain.Now()); err != nil {
		return fmt.Errorf("update sandbox heartbeat: %w", err)
	}
	return nil
}

func (p *Processor) handleToken(ctx context.Context, evt wsproto.SandboxEvent) error {
	data, err := marshalEventData(evt)
	if err != nil {
		return err
	}
	if err := p.repo.UpsertTokenEvent(ctx, evt.MessageID, data, domain.Now()); err != nil {
		return fmt.Errorf("upsert token event: %w", err)
	}
	p.broadcast(ctx, evt)
	return nil
}

func (p *Processor) handleStep(ctx context.Context, evt wsproto.SandboxEvent) error {
	p.broadcast(ctx, evt)
	p.resetActivity(ctx)
	return nil
}

func (p *Processor) handleToolCall(ctx context.Context, evt wsproto.SandboxEvent) error {
	status, _ := evt.Data["status"].(string)
	if toolCallPersistStatuses[status] {
		if err := p.persist(ctx, evt); err != nil {
			return err
		}
	}
	p.broadcast(ctx, evt)
	p.resetActivity(ctx)

	if status == "running" && p.callbackSvc != nil {
		toolName, _ := evt.Data["toolName"].(string)
		messageID := evt.MessageID
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			msg, err := p.repo.GetMessageByID(bgCtx, messageID)
			if err != nil || msg == nil {
				if err != nil {
					slog.Warn("load message for tool_call callback", "error", err)
				}
				return
			}
			if err := p.callbackSvc.NotifyToolCall(bgCtx, msg.CallbackContextJSON, callback.ToolCallEvent{
				MessageID: messageID, ToolName: toolName, Status: status,
			}); err != nil {
				slog.Warn("tool_call callback failed", "error", err)
			}
		}()
	}
	return nil
}

func (p *Processor) handleSimplePersist(ctx context.Context, evt wsproto.SandboxEvent) error {
	if err := p.persist(ctx, evt); err != nil {
		return err
	}
	p.broadcast(ctx, evt)
	return nil
}

func (p *Processor) handleGitSync(ctx context.Context, evt wsproto.SandboxEvent) error {
	if err := p.persist(ctx, evt); err != nil {
		return err
	}
	if status, ok := evt.Data["status"].(string); ok {
		if err := p.repo.UpdateSandboxGitSyncStatus(ctx, status); err != nil {
			return fmt.Errorf("update sandbox git sync status: %w", err)
		}
	}
	if sha, ok := evt.Data["currentSha"].(string); ok && sha != "" {
		if err := p.repo.UpdateSessionCurrentSHA(ctx, sha); err != nil {
			return fmt.Errorf("update session current sha: %w", err)
		}
	}
	p.broadcast(ctx, evt)
	return nil
}

func (p *Processor) handlePush(ctx context.Context, evt wsproto.SandboxEvent) error {
	if err := p.persist(ctx, evt); err != nil {
		return err
	}

	branchName, _ := evt.Data["branchName"].(string)
	p.resolvePush(evt.Type, normalizeBranch(branchName), evt.Data)

	p.broadcast(ctx, evt)
	return nil
}

// handleExecutionComplete implements the last, most involved branch of
// 4.5: resolve the target message, transition it if still processing, log
// completion durations, notify callback, trigger a snapshot, reset the
// watchdog, and drain the queue — all regardless of whether the message
// had already been failed out from under us by stopExecution.
func (p *Processor) handleExecutionComplete(ctx context.Context, evt wsproto.SandboxEvent) error {
	messageID := evt.MessageID
	if messageID == "" {
		if processing, err := p.repo.GetProcessingMessage(ctx); err != nil {
			return fmt.Errorf("get processing message: %w", err)
		} else if processing != nil {
			messageID = processing.ID
		}
	}

	data, err := marshalEventData(evt)
	if err != nil {
		return err
	}
	now := domain.Now()
	if messageID != "" {
		if err := p.repo.UpsertExecutionCompleteEvent(ctx, messageID, data, now); err != nil {
			return fmt.Errorf("upsert execution_complete event: %w", err)
		}
	}

	success, _ := evt.Data["success"].(bool)
	if messageID != "" {
		if err := p.completeMessageIfProcessing(ctx, messageID, success, now); err != nil {
			slog.Warn("complete processing message", "error", err)
		}
	}

	p.broadcast(ctx, evt)

	if p.callbackSvc != nil && messageID != "" {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			msg, err := p.repo.GetMessageByID(bgCtx, messageID)
			if err != nil || msg == nil {
				if err != nil {
					slog.Warn("load message for execution_complete callback", "error", err)
				}
				return
			}
			if err := p.callbackSvc.NotifyExecutionComplete(bgCtx, msg.CallbackContextJSON, callback.ExecutionCompleteEvent{
				MessageID: messageID, Success: success,
			}); err != nil {
				slog.Warn("execution_complete callback failed", "error", err)
			}
		}()
	}

	if p.snapshotter != nil {
		snapshotter := p.snapshotter
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := snapshotter.TriggerSnapshot(bgCtx, "execution_complete"); err != nil {
				slog.Warn("execution_complete snapshot failed", "error", err)
			}
		}()
		snapshotter.RescheduleInactivityCheck()
	}
	p.resetActivity(ctx)

	if p.dispatcher != nil {
		if err := p.dispatcher.Dispatch(ctx); err != nil {
			return fmt.Errorf("dispatch after execution_complete: %w", err)
		}
	}
	return nil
}

// completeMessageIfProcessing transitions messageID to completed/failed and
// logs a prompt.complete summary, but only if it is still the one
// processing message — a stop() may have already failed it out, in which
// case spec.md says to skip the state mutation.
func (p *Processor) completeMessageIfProcessing(ctx context.Context, messageID string, success bool, now int64) error {
	processing, err := p.repo.GetProcessingMessage(ctx)
	if err != nil {
		return fmt.Errorf("get processing message: %w", err)
	}
	if processing == nil || processing.ID != messageID {
		return nil
	}

	status := domain.MessageCompleted
	if !success {
		status = domain.MessageFailed
	}
	if err := p.repo.UpdateMessageCompletion(ctx, messageID, status, now); err != nil {
		return fmt.Errorf("complete message: %w", err)
	}

	ts, err := p.repo.GetMessageTimestamps(ctx, messageID)
	if err == nil && ts != nil {
		queueMs, processMs, totalMs := computeDurations(ts, now)
		slog.Info("prompt.complete", "message_id", messageID, "success", success,
			"queue_duration_ms", queueMs, "process_duration_ms", processMs, "total_duration_ms", totalMs)
	} else if err != nil {
		slog.Warn("load message timestamps for prompt.complete", "error", err)
	}
	return nil
}

func computeDurations(ts *store.MessageTimestamps, now int64) (queueMs, processMs, totalMs int64) {
	started := now
	if ts.StartedAt != nil {
		started = *ts.StartedAt
	}
	queueMs = started - ts.CreatedAt
	processMs = now - started
	totalMs = now - ts.CreatedAt
	return queueMs, processMs, totalMs
}

func (p *Processor) handleUnknown(ctx context.Context, evt wsproto.SandboxEvent) error {
	if err := p.persist(ctx, evt); err != nil {
		return err
	}
	p.broadcast(ctx, evt)
	return nil
}

func (p *Processor) persist(ctx context.Context, evt wsproto.SandboxEvent) error {
	data, err := marshalEventData(evt)
	if err != nil {
		return err
	}
	if err := p.repo.InsertEvent(ctx, &domain.Event{
		ID: uuid.NewString(), Type: evt.Type, DataJSON: data, MessageID: evt.MessageID, CreatedAt: domain.Now(),
	}); err != nil {
		return fmt.Errorf("insert %s event: %w", evt.Type, err)
	}
	return nil
}

func (p *Processor) broadcast(ctx context.Context, evt wsproto.SandboxEvent) {
	p.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxEvent, map[string]any{
		"event": map[string]any{"type": string(evt.Type), "messageId": evt.MessageID, "data": evt.Data},
	}))
}

func (p *Processor) resetActivity(ctx context.Context) {
	if err := p.repo.UpdateSandboxActivity(ctx, domain.Now()); err != nil {
		slog.Warn("update sandbox activity", "error", err)
	}
}

func marshalEventData(evt wsproto.SandboxEvent) (string, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return "", fmt.Errorf("marshal %s event data: %w", evt.Type, err)
	}
	return string(data), nil
}

func normalizeBranch(branchName string) string {
	normalized := strings.ToLower(strings.TrimSpace(branchName))
	if !utf8.ValidString(normalized) {
		return strings.TrimSpace(branchName)
	}
	return normalized
}

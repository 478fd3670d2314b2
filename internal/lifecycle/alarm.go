package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// checkInterval is the polling cadence for "extend"/"schedule" inactivity
// re-checks, when the alarm isn't due to fire closer than that already.
const checkInterval = time.Minute

// HandleAlarm runs the single alarm-driven watchdog pass described in
// 4.7.4: execution timeout, terminal guard, heartbeat staleness, then
// inactivity. At most one of these actually changes sandbox state per
// call; whichever fires first for a terminal condition returns early.
func (m *Manager) HandleAlarm(ctx context.Context, session *domain.Session) error {
	now := domain.Now()

	if msg, err := m.repo.GetProcessingMessageWithStartedAt(ctx); err != nil {
		return fmt.Errorf("get processing message: %w", err)
	} else if msg != nil && msg.StartedAt != nil {
		if now-*msg.StartedAt >= m.alarmCfg.ExecutionTimeout.Milliseconds() {
			if m.dispatcher != nil {
				if err := m.dispatcher.FailStuckProcessingMessage(ctx, "execution_timeout"); err != nil {
					slog.Warn("fail stuck processing message", "error", err)
				}
			}
		}
	}

	sb, err := m.repo.GetSandbox(ctx)
	if err != nil {
		return fmt.Errorf("get sandbox: %w", err)
	}
	if sb == nil || sb.Status.IsTerminal() {
		return nil
	}

	if sb.LastHeartbeat != nil && now-*sb.LastHeartbeat >= m.alarmCfg.HeartbeatTimeout.Milliseconds() {
		return m.handleHeartbeatStale(ctx, session)
	}

	return m.handleInactivity(ctx, session, sb, now)
}

func (m *Manager) handleHeartbeatStale(ctx context.Context, session *domain.Session) error {
	if m.dispatcher != nil {
		if err := m.dispatcher.FailStuckProcessingMessage(ctx, "heartbeat_timeout"); err != nil {
			slog.Warn("fail stuck processing message on heartbeat timeout", "error", err)
		}
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := m.TriggerSnapshot(bgCtx, "heartbeat_timeout"); err != nil {
			slog.Warn("heartbeat-timeout snapshot failed", "error", err)
		}
	}()

	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxStale); err != nil {
		return fmt.Errorf("update sandbox status to stale: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxStale)
	m.registry.SendToSandbox(ctx, wsproto.ShutdownCommand{Type: wsproto.SandboxShutdown})
	m.registry.CloseSandboxSocket(websocket.StatusNormalClosure, "heartbeat timeout")
	m.clearInactivityWarning()
	return nil
}

func (m *Manager) handleInactivity(ctx context.Context, session *domain.Session, sb *domain.Sandbox, now int64) error {
	base := sb.CreatedAt
	if sb.LastActivity != nil {
		base = *sb.LastActivity
	}
	deadline := base + m.alarmCfg.InactivityTimeout.Milliseconds()
	remaining := deadline - now
	hasClients := m.registry.HasConnectedClients()

	if remaining <= 0 && !hasClients {
		return m.handleInactivityTimeout(ctx)
	}

	if hasClients {
		if remaining <= m.alarmCfg.InactivityWarningLead.Milliseconds() && !m.inactivityWarned() {
			m.broadcastSandboxWarning(ctx, fmt.Sprintf("sandbox will stop due to inactivity in %s", time.Duration(remaining)*time.Millisecond))
			m.markInactivityWarned()
		}
		m.rescheduleCheck(time.Now().Add(checkInterval))
		return nil
	}

	next := time.UnixMilli(deadline)
	if soon := time.Now().Add(checkInterval); next.After(soon) {
		next = soon
	}
	m.rescheduleCheck(next)
	return nil
}

func (m *Manager) handleInactivityTimeout(ctx context.Context) error {
	if m.dispatcher != nil {
		if err := m.dispatcher.FailStuckProcessingMessage(ctx, "inactivity_timeout"); err != nil {
			slog.Warn("fail stuck processing message on inactivity timeout", "error", err)
		}
	}
	// stopped is set before the snapshot so a late reconnect is rejected
	// while the snapshot is still in flight.
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxStopped); err != nil {
		return fmt.Errorf("update sandbox status to stopped: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxStopped)

	if err := m.TriggerSnapshot(ctx, "inactivity_timeout"); err != nil {
		slog.Warn("inactivity-timeout snapshot failed", "error", err)
	}

	m.registry.SendToSandbox(ctx, wsproto.ShutdownCommand{Type: wsproto.SandboxShutdown})
	m.registry.CloseSandboxSocket(websocket.StatusNormalClosure, "inactivity timeout")
	m.broadcastSandboxWarning(ctx, "sandbox stopped due to inactivity")
	m.clearInactivityWarning()
	return nil
}

func (m *Manager) broadcastSandboxWarning(ctx context.Context, message string) {
	m.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxWarning, map[string]any{"message": message}))
}

func (m *Manager) inactivityWarned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnedInactivity
}

func (m *Manager) markInactivityWarned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnedInactivity = true
}

func (m *Manager) clearInactivityWarning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnedInactivity = false
}

// rescheduleCheck schedules the next alarm-handler pass at at, subject to
// the "earlier wins" rule in ScheduleAlarm.
func (m *Manager) rescheduleCheck(at time.Time) {
	m.mu.Lock()
	fire := m.fireFn
	m.mu.Unlock()
	if fire == nil {
		return
	}
	m.ScheduleAlarm(at, fire)
}

// RescheduleInactivityCheck arranges for the next alarm-handler pass to run
// no later than checkInterval from now. SandboxEventProcessor calls this
// after resetting sandbox activity (execution_complete, step/tool events)
// so the inactivity deadline is recomputed from the new baseline instead of
// waiting for whatever pass was previously scheduled.
func (m *Manager) RescheduleInactivityCheck() {
	m.rescheduleCheck(time.Now().Add(checkInterval))
}

// TriggerSnapshot implements 4.7.5: no-op if the sandbox has never been
// created or is already mid-snapshot; otherwise commits the sandbox's
// filesystem via the provider and restores the previous status, unless
// reason is "heartbeat_timeout" where the caller (handleHeartbeatStale)
// owns the final status.
func (m *Manager) TriggerSnapshot(ctx context.Context, reason string) error {
	sb, err := m.repo.GetSandbox(ctx)
	if err != nil {
		return fmt.Errorf("get sandbox: %w", err)
	}
	if sb == nil || sb.ProviderObjectID == "" || sb.Status == domain.SandboxSnapshotting {
		return nil
	}

	previousStatus := sb.Status
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxSnapshotting); err != nil {
		return fmt.Errorf("update sandbox status to snapshotting: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxSnapshotting)

	result, err := m.provider.TakeSnapshot(ctx, sb.ProviderObjectID)
	if err != nil {
		if reason != "heartbeat_timeout" {
			if restoreErr := m.repo.UpdateSandboxStatus(ctx, previousStatus); restoreErr != nil {
				slog.Warn("restore status after failed snapshot", "error", restoreErr)
			}
			m.broadcastSandboxStatus(ctx, previousStatus)
		}
		return fmt.Errorf("take snapshot: %w", err)
	}

	if err := m.repo.UpdateSnapshotImageID(ctx, result.ImageID); err != nil {
		return fmt.Errorf("store snapshot image id: %w", err)
	}
	m.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSnapshotSaved, map[string]any{"imageId": result.ImageID, "reason": reason}))

	if reason != "heartbeat_timeout" {
		if err := m.repo.UpdateSandboxStatus(ctx, previousStatus); err != nil {
			return fmt.Errorf("restore sandbox status: %w", err)
		}
		m.broadcastSandboxStatus(ctx, previousStatus)
	}
	return nil
}

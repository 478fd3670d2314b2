// Package lifecycle owns the sandbox state machine and every alarm-driven
// watchdog: spawn/restore decisions guarded by a circuit breaker, the
// inactivity/heartbeat/execution-timeout alarm handler, and snapshotting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/crypto"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/sandboxprovider"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// Dispatcher is the narrow view of the message queue LifecycleManager needs:
// re-driving dispatch once a sandbox becomes reachable, and failing a
// message stuck in processing when a watchdog fires. Defined here (rather
// than importing package queue) so queue can depend on lifecycle without a
// cycle; queue.Queue satisfies this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context) error
	FailStuckProcessingMessage(ctx context.Context, reason string) error
}

type spawnAction string

const (
	actionSkip    spawnAction = "skip"
	actionWait    spawnAction = "wait"
	actionRestore spawnAction = "restore"
	actionSpawn   spawnAction = "spawn"
)

const sandboxIDPrefix = "sbx"

// Manager drives the Sandbox row through pending -> spawning -> connecting
// -> ready -> (stopped | stale | failed | snapshotting).
type Manager struct {
	repo       store.Repository
	registry   *wsregistry.Registry
	provider   sandboxprovider.Provider
	dispatcher Dispatcher

	alarmCfg   config.AlarmConfig
	breakerCfg config.BreakerConfig
	modelCfg   config.ModelConfig

	globalEnv  map[string]string
	perRepoEnv map[string]map[string]string

	mu               sync.Mutex
	spawning         bool
	nextAlarmAt      time.Time
	alarmTimer       *time.Timer
	warnedInactivity bool
	fireFn           func()
}

// SetAlarmFire wires the callback ScheduleAlarm invokes when a scheduled
// check comes due. The actor sets this once, after construction, to
// HandleAlarm bound to its own context/session refresh.
func (m *Manager) SetAlarmFire(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireFn = fn
}

// New builds a Manager. dispatcher may be nil until the queue is wired in
// (set later via SetDispatcher) to break the queue<->lifecycle init cycle.
func New(repo store.Repository, registry *wsregistry.Registry, provider sandboxprovider.Provider, alarmCfg config.AlarmConfig, breakerCfg config.BreakerConfig, modelCfg config.ModelConfig) *Manager {
	return &Manager{
		repo:       repo,
		registry:   registry,
		provider:   provider,
		alarmCfg:   alarmCfg,
		breakerCfg: breakerCfg,
		modelCfg:   modelCfg,
		globalEnv:  map[string]string{},
		perRepoEnv: map[string]map[string]string{},
	}
}

// SetDispatcher wires the queue after both packages are constructed.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

// SetGlobalEnv sets the secrets merged into every sandbox's environment.
func (m *Manager) SetGlobalEnv(env map[string]string) { m.globalEnv = env }

// SetRepoEnv sets per-repo secret overrides, keyed "owner/name"; per-repo
// keys win over the global map on conflict.
func (m *Manager) SetRepoEnv(repoOwner, repoName string, env map[string]string) {
	m.perRepoEnv[repoOwner+"/"+repoName] = env
}

func (m *Manager) resolveEnv(repoOwner, repoName string) map[string]string {
	out := make(map[string]string, len(m.globalEnv))
	for k, v := range m.globalEnv {
		out[k] = v
	}
	for k, v := range m.perRepoEnv[repoOwner+"/"+repoName] {
		out[k] = v
	}
	return out
}

// Spawn is the entry point named "spawn decision" in 4.7.1: called on init
// warm, on client typing, and by the queue when dispatch finds no sandbox
// socket.
func (m *Manager) Spawn(ctx context.Context, session *domain.Session) error {
	sb, err := m.repo.GetSandbox(ctx)
	if err != nil {
		return fmt.Errorf("get sandbox: %w", err)
	}
	if sb == nil {
		sb = &domain.Sandbox{ID: domain.SandboxSingletonID, Status: domain.SandboxPending, CreatedAt: domain.Now()}
	}

	open, waitRemaining, cooldownElapsed := m.breakerState(sb)
	if open {
		m.broadcastSandboxError(ctx, fmt.Sprintf("sandbox spawning is temporarily disabled, retry in %s", waitRemaining.Round(time.Second)))
		return nil
	}
	if cooldownElapsed {
		if err := m.repo.ResetSpawnBreaker(ctx); err != nil {
			return fmt.Errorf("reset spawn breaker: %w", err)
		}
		sb.SpawnFailureCount = 0
		sb.LastSpawnFailure = nil
	}

	m.mu.Lock()
	if m.spawning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	action := decideSpawnAction(sb, m.provider)
	switch action {
	case actionSkip, actionWait:
		return nil
	case actionRestore:
		return m.restore(ctx, session, sb)
	default:
		return m.spawn(ctx, session)
	}
}

// breakerState evaluates spawnFailureCount/lastSpawnFailure: open reports
// whether the breaker currently rejects a spawn attempt; cooldownElapsed
// reports whether the failure count had reached the threshold but the
// open window has since passed, meaning the caller should reset it before
// proceeding.
func (m *Manager) breakerState(sb *domain.Sandbox) (open bool, wait time.Duration, cooldownElapsed bool) {
	if sb.SpawnFailureCount < m.breakerCfg.FailureThreshold || sb.LastSpawnFailure == nil {
		return false, 0, false
	}
	elapsed := time.Since(time.UnixMilli(*sb.LastSpawnFailure))
	if elapsed < m.breakerCfg.OpenWindow {
		return true, m.breakerCfg.OpenWindow - elapsed, false
	}
	return false, 0, true
}

// decideSpawnAction maps the persisted status to the action named in 4.7.1
// step 3.
func decideSpawnAction(sb *domain.Sandbox, provider sandboxprovider.Provider) spawnAction {
	switch sb.Status {
	case domain.SandboxReady, domain.SandboxRunning, domain.SandboxConnecting, domain.SandboxWarming, domain.SandboxSyncing:
		return actionSkip
	case domain.SandboxSpawning:
		return actionWait
	case domain.SandboxStopped, domain.SandboxStale, domain.SandboxFailed, domain.SandboxPending:
		if sb.SnapshotImageID != "" && provider.SupportsRestore() {
			return actionRestore
		}
		return actionSpawn
	default:
		return actionSpawn
	}
}

func (m *Manager) spawn(ctx context.Context, session *domain.Session) error {
	m.mu.Lock()
	m.spawning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.spawning = false
		m.mu.Unlock()
	}()

	if err := m.repo.ClearSpawnError(ctx); err != nil {
		return fmt.Errorf("clear spawn error: %w", err)
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		return fmt.Errorf("generate sandbox auth token: %w", err)
	}
	tokenHash := crypto.HashToken(token)
	expectedSandboxID := fmt.Sprintf("%s-%s-%s-%d", sandboxIDPrefix, session.RepoOwner, session.RepoName, domain.Now())

	now := domain.Now()
	sb := &domain.Sandbox{
		ID:            domain.SandboxSingletonID,
		AuthTokenHash: tokenHash,
		Status:        domain.SandboxSpawning,
		CreatedAt:     now,
	}
	// Carry the breaker counters over so repeated failed spawns accumulate.
	if prev, err := m.repo.GetSandbox(ctx); err == nil && prev != nil {
		sb.SpawnFailureCount = prev.SpawnFailureCount
		sb.LastSpawnFailure = prev.LastSpawnFailure
	}
	if err := m.repo.UpsertSandbox(ctx, sb); err != nil {
		return fmt.Errorf("persist spawning sandbox: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxSpawning)

	model := session.Model
	if model == "" {
		model = m.modelCfg.DefaultModel
	}

	cfg := sandboxprovider.CreateConfig{
		ExpectedSandboxID: expectedSandboxID,
		RepoOwner:         session.RepoOwner,
		RepoName:          session.RepoName,
		BaseBranch:        session.BaseBranch,
		Model:             model,
		AuthToken:         token,
		Env:               m.resolveEnv(session.RepoOwner, session.RepoName),
	}

	result, createErr := m.provider.Create(ctx, cfg)
	if createErr != nil {
		return m.recordSpawnFailure(ctx, createErr)
	}

	if err := m.repo.RecordSpawnSuccess(ctx, result.ProviderSandboxID, result.ProviderObjectID); err != nil {
		return fmt.Errorf("record spawn success: %w", err)
	}
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxConnecting); err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxConnecting)
	return nil
}

func (m *Manager) restore(ctx context.Context, session *domain.Session, sb *domain.Sandbox) error {
	m.mu.Lock()
	m.spawning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.spawning = false
		m.mu.Unlock()
	}()

	if err := m.repo.ClearSpawnError(ctx); err != nil {
		return fmt.Errorf("clear spawn error: %w", err)
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		return fmt.Errorf("generate sandbox auth token: %w", err)
	}
	tokenHash := crypto.HashToken(token)
	expectedSandboxID := fmt.Sprintf("%s-%s-%s-%d", sandboxIDPrefix, session.RepoOwner, session.RepoName, domain.Now())

	if err := m.repo.UpdateSandboxAuthToken(ctx, "", tokenHash); err != nil {
		return fmt.Errorf("update sandbox auth token: %w", err)
	}
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxSpawning); err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxSpawning)

	model := session.Model
	if model == "" {
		model = m.modelCfg.DefaultModel
	}

	cfg := sandboxprovider.SnapshotConfig{
		CreateConfig: sandboxprovider.CreateConfig{
			ExpectedSandboxID: expectedSandboxID,
			RepoOwner:         session.RepoOwner,
			RepoName:          session.RepoName,
			BaseBranch:        session.BaseBranch,
			Model:             model,
			AuthToken:         token,
			Env:               m.resolveEnv(session.RepoOwner, session.RepoName),
		},
		SnapshotImageID: sb.SnapshotImageID,
	}

	result, restoreErr := m.provider.RestoreFromSnapshot(ctx, cfg)
	if restoreErr != nil {
		// Restore failures do not count toward the breaker (4.7.3).
		if err := m.repo.RecordRestoreFailure(ctx, restoreErr.Error(), domain.Now()); err != nil {
			slog.Warn("record restore failure", "error", err)
		}
		if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxFailed); err != nil {
			slog.Warn("update sandbox status after restore failure", "error", err)
		}
		m.broadcastSandboxStatus(ctx, domain.SandboxFailed)
		return nil
	}

	if err := m.repo.RecordSpawnSuccess(ctx, result.ProviderSandboxID, result.ProviderObjectID); err != nil {
		return fmt.Errorf("record restore success: %w", err)
	}
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxConnecting); err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	m.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxRestored, map[string]any{"message": "restoring from last snapshot"}))
	m.broadcastSandboxStatus(ctx, domain.SandboxConnecting)
	return nil
}

// recordSpawnFailure persists the failure, increments the breaker only for
// permanent/unknown classes (4.7.2 step 6), and always transitions to
// failed.
func (m *Manager) recordSpawnFailure(ctx context.Context, createErr error) error {
	class := sandboxprovider.ClassOf(createErr)
	if class != sandboxprovider.FailureTransient {
		if err := m.repo.RecordSpawnFailure(ctx, createErr.Error(), domain.Now()); err != nil {
			slog.Warn("record spawn failure", "error", err)
		}
	} else {
		var perr *sandboxprovider.Error
		if errors.As(createErr, &perr) {
			slog.Warn("transient sandbox create failure, breaker unaffected", "error", perr.Err)
		}
	}
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxFailed); err != nil {
		slog.Warn("update sandbox status after spawn failure", "error", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxFailed)
	return nil
}

// MarkSandboxConnected implements the WS-upgrade-time side of 4.3's sandbox
// connect contract: set ready, mark activity, schedule the inactivity
// alarm, and drain the queue, so a prompt enqueued while the sandbox was
// still spawning is dispatched the moment it connects.
func (m *Manager) MarkSandboxConnected(ctx context.Context) error {
	if err := m.repo.UpdateSandboxStatus(ctx, domain.SandboxReady); err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	m.broadcastSandboxStatus(ctx, domain.SandboxReady)
	if err := m.repo.UpdateSandboxActivity(ctx, domain.Now()); err != nil {
		slog.Warn("update sandbox activity on connect", "error", err)
	}
	m.RescheduleInactivityCheck()
	if m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx); err != nil {
			return fmt.Errorf("drain queue on sandbox connect: %w", err)
		}
	}
	return nil
}

func (m *Manager) broadcastSandboxStatus(ctx context.Context, status domain.SandboxStatus) {
	m.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxStatus, map[string]any{"status": string(status)}))
}

func (m *Manager) broadcastSandboxError(ctx context.Context, message string) {
	m.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.NewFrame(wsproto.ServerSandboxError, map[string]any{"error": message}))
}

// ScheduleAlarm arranges for fire to be invoked at at, unless an earlier
// alarm is already scheduled — whoever schedules earlier wins. An alarm
// whose time has passed no longer counts as scheduled.
func (m *Manager) ScheduleAlarm(at time.Time, fire func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.nextAlarmAt.IsZero() && m.nextAlarmAt.After(time.Now()) && m.nextAlarmAt.Before(at) {
		return
	}
	if m.alarmTimer != nil {
		m.alarmTimer.Stop()
	}
	m.nextAlarmAt = at
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	m.alarmTimer = time.AfterFunc(d, fire)
}

// ClearAlarm drops the currently scheduled alarm bookkeeping so the next
// ScheduleAlarm call always wins.
func (m *Manager) ClearAlarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alarmTimer != nil {
		m.alarmTimer.Stop()
	}
	m.alarmTimer = nil
	m.nextAlarmAt = time.Time{}
}

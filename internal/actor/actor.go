// Package actor implements SessionActor: the single-writer composition
// root spec.md §4.3 describes, wiring the store, registry, queue,
// lifecycle, event processor, presence and PR services together behind
// one per-session mutex so exactly one operation body runs at a time
// (spec.md §5's scheduling model).
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remilabs/sessionactor/internal/actorlease"
	"github.com/remilabs/sessionactor/internal/callback"
	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/crypto"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/events"
	"github.com/remilabs/sessionactor/internal/lifecycle"
	"github.com/remilabs/sessionactor/internal/presence"
	"github.com/remilabs/sessionactor/internal/pr"
	"github.com/remilabs/sessionactor/internal/queue"
	"github.com/remilabs/sessionactor/internal/sandboxprovider"
	"github.com/remilabs/sessionactor/internal/scm"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// Actor is one session's in-process instance: its store, its collaborators,
// and the mutex serializing every public operation against them.
type Actor struct {
	SessionID string

	repo      store.Repository
	Registry  *wsregistry.Registry
	Queue     *queue.Queue
	Lifecycle *lifecycle.Manager
	Events    *events.Processor
	Presence  *presence.Service
	PR        *pr.Service
	lease     *actorlease.Lease

	authHandshakeTimeout time.Duration

	mu sync.Mutex
}

// AuthHandshakeTimeout is how long a freshly upgraded client socket has
// to send subscribe before wsregistry.EnforceAuthTimeout closes it.
func (a *Actor) AuthHandshakeTimeout() time.Duration { return a.authHandshakeTimeout }

// Deps bundles the per-session collaborators New needs, so main.go's
// composition root supplies one struct rather than a long parameter list.
type Deps struct {
	Repo            store.Repository
	SandboxProvider sandboxprovider.Provider
	SCMProvider     scm.Provider
	CallbackSvc     callback.Service
	Config          *config.Config
}

// New builds an Actor, wiring every collaborator's cross-package
// dependency via the narrow local interfaces established in queue/
// lifecycle/events (Spawner/Dispatcher/Snapshotter) to avoid import
// cycles, exactly as each package's own doc comments describe.
func New(sessionID string, deps Deps) *Actor {
	repo := deps.Repo
	registry := wsregistry.New(repo)

	lm := lifecycle.New(repo, registry, deps.SandboxProvider, deps.Config.Alarm, deps.Config.Breaker, deps.Config.Model)
	q := queue.New(repo, registry, lm, deps.Config.Model, deps.Config.Alarm)
	lm.SetDispatcher(q)

	fireAlarm := func() {
		ctx := context.Background()
		sess, err := repo.GetSession(ctx)
		if err != nil {
			slog.Warn("load session for alarm fire", "error", err)
			return
		}
		if sess == nil {
			return
		}
		if err := lm.HandleAlarm(ctx, sess); err != nil {
			slog.Warn("handle alarm", "error", err)
		}
	}
	lm.SetAlarmFire(fireAlarm)
	q.SetExecutionAlarmScheduler(func(at time.Time) { lm.ScheduleAlarm(at, fireAlarm) })

	ev := events.New(repo, registry, q, lm, deps.CallbackSvc, deps.Config.Alarm.PushRendezvousDeadline)
	prSvc := pr.New(repo, registry, deps.SCMProvider, ev)
	presenceSvc := presence.New(repo, registry, deps.Config.Alarm.WSTokenLifetime)

	return &Actor{
		SessionID:            sessionID,
		repo:                 repo,
		Registry:             registry,
		Queue:                q,
		Lifecycle:            lm,
		Events:               ev,
		Presence:             presenceSvc,
		PR:                   prSvc,
		authHandshakeTimeout: deps.Config.Alarm.AuthHandshakeTimeout,
	}
}

// WithLease records the distributed lease this actor holds, so Close can
// release it on shutdown. Optional: no-op deployments never call this.
func (a *Actor) WithLease(lease *actorlease.Lease) *Actor {
	a.lease = lease
	return a
}

// Close releases the actor's distributed lease, if any.
func (a *Actor) Close() {
	a.lease.Release()
}

func (a *Actor) locked(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// InitRequest is the body of POST init.
type InitRequest struct {
	RepoOwner     string
	RepoName      string
	RepoID        string
	BaseBranch    string
	SessionName   string
	Title         string
	Model         string
	OwnerUserID   string
	OwnerSCMLogin string
	OwnerSCMName  string
}

// InitResult is the response to POST init.
type InitResult struct {
	SessionID string
	Status    string
}

// Init idempotently upserts Session + Sandbox + owner Participant and
// spawns the sandbox warm in the background, per spec.md §4.3.
func (a *Actor) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	var result *InitResult
	err := a.locked(func() error {
		now := domain.Now()
		existing, err := a.repo.GetSession(ctx)
		if err != nil {
			return fmt.Errorf("load existing session: %w", err)
		}

		sess := &domain.Session{
			ID:          domain.SessionSingletonID,
			SessionName: req.SessionName,
			Title:       req.Title,
			RepoOwner:   req.RepoOwner,
			RepoName:    req.RepoName,
			RepoID:      req.RepoID,
			BaseBranch:  req.BaseBranch,
			Model:       req.Model,
			Status:      domain.SessionActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if existing != nil {
			sess.CreatedAt = existing.CreatedAt
			sess.BranchName = existing.BranchName
			sess.BaseSHA = existing.BaseSHA
			sess.CurrentSHA = existing.CurrentSHA
			if existing.Status != "" {
				sess.Status = existing.Status
			}
		}
		if err := a.repo.UpsertSession(ctx, sess); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if sb, err := a.repo.GetSandbox(ctx); err != nil {
			return fmt.Errorf("load existing sandbox: %w", err)
		} else if sb == nil {
			if err := a.repo.UpsertSandbox(ctx, &domain.Sandbox{
				ID: domain.SandboxSingletonID, Status: domain.SandboxPending, CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("create sandbox row: %w", err)
			}
		}

		owner, err := a.repo.GetParticipantByUserID(ctx, req.OwnerUserID)
		if err != nil {
			return fmt.Errorf("load owner participant: %w", err)
		}
		if owner == nil {
			if err := a.repo.UpsertParticipant(ctx, &domain.Participant{
				ID: uuid.NewString(), UserID: req.OwnerUserID,
				SCMLogin: req.OwnerSCMLogin, SCMName: req.OwnerSCMName,
				Role: domain.RoleOwner, JoinedAt: now,
			}); err != nil {
				return fmt.Errorf("create owner participant: %w", err)
			}
		}

		result = &InitResult{SessionID: sess.ID, Status: "created"}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		sess, err := a.repo.GetSession(bgCtx)
		if err != nil || sess == nil {
			return
		}
		if err := a.Lifecycle.Spawn(bgCtx, sess); err != nil {
			slog.Warn("background warm spawn", "error", err)
		}
	}()

	return result, nil
}

// ListParticipants returns every participant who has joined the session.
func (a *Actor) ListParticipants(ctx context.Context) ([]*domain.Participant, error) {
	var participants []*domain.Participant
	err := a.locked(func() error {
		var err error
		participants, err = a.repo.ListParticipants(ctx)
		return err
	})
	return participants, err
}

// listEventsLimit bounds GET events the same way replay is bounded: the
// caller pages through history via fetch_history for anything older.
const listEventsLimit = 500

// ListEvents returns the most recent non-heartbeat events, oldest first.
func (a *Actor) ListEvents(ctx context.Context) ([]*domain.Event, error) {
	var events []*domain.Event
	err := a.locked(func() error {
		page, err := a.repo.GetEventsForReplay(ctx, listEventsLimit)
		if err != nil {
			return err
		}
		events = page.Items
		return nil
	})
	return events, err
}

// ListArtifacts returns every persisted artifact (pr, branch).
func (a *Actor) ListArtifacts(ctx context.Context) ([]*domain.Artifact, error) {
	var artifacts []*domain.Artifact
	err := a.locked(func() error {
		var err error
		artifacts, err = a.repo.ListArtifacts(ctx)
		return err
	})
	return artifacts, err
}

// ListMessages returns every message in the queue's history.
func (a *Actor) ListMessages(ctx context.Context) ([]*domain.Message, error) {
	var messages []*domain.Message
	err := a.locked(func() error {
		var err error
		messages, err = a.repo.ListMessages(ctx)
		return err
	})
	return messages, err
}

// StateResult is the response to GET state.
type StateResult struct {
	Session *domain.Session
	Sandbox *domain.Sandbox
}

// State returns the current Session + Sandbox snapshot, or (nil, nil) if
// uninitialized — the caller maps that to 404.
func (a *Actor) State(ctx context.Context) (*StateResult, error) {
	var result *StateResult
	err := a.locked(func() error {
		sess, err := a.repo.GetSession(ctx)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess == nil {
			return nil
		}
		sb, err := a.repo.GetSandbox(ctx)
		if err != nil {
			return fmt.Errorf("load sandbox: %w", err)
		}
		result = &StateResult{Session: sess, Sandbox: sb}
		return nil
	})
	return result, err
}

// Prompt enqueues a prompt from any source (HTTP or WS), per spec.md §4.3.
func (a *Actor) Prompt(ctx context.Context, req queue.EnqueueRequest) (*domain.Message, error) {
	var msg *domain.Message
	err := a.locked(func() error {
		var err error
		msg, err = a.Queue.Enqueue(ctx, req)
		return err
	})
	return msg, err
}

// Stop invokes MessageQueue.stopExecution.
func (a *Actor) Stop(ctx context.Context) error {
	return a.locked(func() error { return a.Queue.StopExecution(ctx) })
}

// SandboxEvent ingests an event from any sandbox transport (WS or HTTP).
func (a *Actor) SandboxEvent(ctx context.Context, evt wsproto.SandboxEvent) error {
	return a.locked(func() error { return a.Events.Ingest(ctx, evt) })
}

// SandboxConnected runs spec.md §4.3's post-upgrade sandbox contract: set
// ready, mark activity, schedule the inactivity alarm, drain the queue.
// Called once the sandbox WS upgrade has validated id and token.
func (a *Actor) SandboxConnected(ctx context.Context) error {
	return a.locked(func() error { return a.Lifecycle.MarkSandboxConnected(ctx) })
}

// CreatePR invokes PullRequestService.
func (a *Actor) CreatePR(ctx context.Context, req pr.Request) (*pr.Result, error) {
	var result *pr.Result
	err := a.locked(func() error {
		var err error
		result, err = a.PR.Create(ctx, req)
		return err
	})
	return result, err
}

// RotateWSToken issues a new plaintext WS auth token for participantID,
// persisting only its hash, per spec.md §4.3's ws-token endpoint.
func (a *Actor) RotateWSToken(ctx context.Context, participantID string) (string, error) {
	var plaintext string
	err := a.locked(func() error {
		participant, err := a.repo.GetParticipantByID(ctx, participantID)
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		if participant == nil {
			return fmt.Errorf("unknown participant %q", participantID)
		}
		token, err := crypto.GenerateToken()
		if err != nil {
			return fmt.Errorf("generate ws token: %w", err)
		}
		if err := a.repo.UpdateParticipantWSToken(ctx, participantID, crypto.HashToken(token), domain.Now()); err != nil {
			return fmt.Errorf("persist ws token hash: %w", err)
		}
		plaintext = token
		return nil
	})
	return plaintext, err
}

// Archive sets the session status to archived.
func (a *Actor) Archive(ctx context.Context) error {
	return a.locked(func() error { return a.repo.UpdateSessionStatus(ctx, domain.SessionArchived) })
}

// Unarchive sets the session status back to active.
func (a *Actor) Unarchive(ctx context.Context) error {
	return a.locked(func() error { return a.repo.UpdateSessionStatus(ctx, domain.SessionActive) })
}

// VerifySandboxTokenStatus is the narrow result VerifySandboxToken returns,
// mapping 1:1 to the HTTP status spec.md §4.3 names for this endpoint.
type VerifySandboxTokenStatus int

const (
	SandboxTokenOK      VerifySandboxTokenStatus = 200
	SandboxTokenInvalid VerifySandboxTokenStatus = 401
	SandboxTokenMissing VerifySandboxTokenStatus = 404
	SandboxTokenGone    VerifySandboxTokenStatus = 410
)

// VerifySandboxToken constant-time compares plaintext against the
// sandbox's authTokenHash (falling back to the legacy plaintext column),
// per spec.md §4.3.
func (a *Actor) VerifySandboxToken(ctx context.Context, plaintext string) (VerifySandboxTokenStatus, error) {
	var status VerifySandboxTokenStatus
	err := a.locked(func() error {
		sb, err := a.repo.GetSandbox(ctx)
		if err != nil {
			return fmt.Errorf("load sandbox: %w", err)
		}
		if sb == nil {
			status = SandboxTokenMissing
			return nil
		}
		if sb.Status.IsTerminal() {
			status = SandboxTokenGone
			return nil
		}
		valid := false
		if sb.AuthTokenHash != "" {
			valid = crypto.Verify(plaintext, sb.AuthTokenHash)
		} else {
			valid = crypto.VerifyLegacyPlaintext(plaintext, sb.AuthToken)
		}
		if !valid {
			status = SandboxTokenInvalid
			return nil
		}
		status = SandboxTokenOK
		return nil
	})
	return status, err
}

// Package pr implements PullRequestService: turning a client's "create a
// PR for this session" intent into either a created PR artifact or a
// manual-fallback branch artifact, with exactly-one semantics per session
// (spec.md §4.8).
package pr

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/remilabs/sessionactor/internal/apierr"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/scm"
	"github.com/remilabs/sessionactor/internal/store"
	"github.com/remilabs/sessionactor/internal/wsproto"
	"github.com/remilabs/sessionactor/internal/wsregistry"
)

// Pusher is the narrow push-rendezvous surface Service needs; satisfied by
// *events.Processor. Declared locally to avoid an events<->pr import cycle.
type Pusher interface {
	PushBranchToRemote(ctx context.Context, branchName string, spec wsproto.PushSpec) error
}

// Request is the body of a create-pr call.
type Request struct {
	ParticipantID string
	BaseBranch    string
	HeadBranch    string
	Title         string
	Body          string
}

// Result is the outcome of Create: exactly one of the two shapes spec.md
// §4.8 names is populated.
type Result struct {
	Status      string
	PRNumber    int
	PRUrl       string
	State       string
	CreatePRUrl string
	HeadBranch  string
	BaseBranch  string
}

// Service implements the 8-step flow of spec.md §4.8.
type Service struct {
	repo     store.Repository
	registry *wsregistry.Registry
	provider scm.Provider
	pusher   Pusher
}

func New(repo store.Repository, registry *wsregistry.Registry, provider scm.Provider, pusher Pusher) *Service {
	return &Service{repo: repo, registry: registry, provider: provider, pusher: pusher}
}

// Create runs the PR-creation flow for the given request.
func (s *Service) Create(ctx context.Context, req Request) (*Result, error) {
	if existing, err := s.repo.GetArtifactByType(ctx, domain.ArtifactPR); err != nil {
		return nil, fmt.Errorf("check existing pr artifact: %w", err)
	} else if existing != nil {
		return nil, apierr.Conflict("a pull request already exists for this session")
	}

	sess, err := s.repo.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	creds, err := s.provider.AppPushCredentials(ctx, sess.RepoOwner, sess.RepoName)
	if err != nil {
		return nil, err
	}

	baseBranch, err := s.resolveBaseBranch(ctx, req.BaseBranch, sess)
	if err != nil {
		return nil, err
	}
	headBranch := resolveHeadBranch(req.HeadBranch, sess)

	pushSpec := wsproto.PushSpec{
		BranchName:  headBranch,
		BaseBranch:  baseBranch,
		RemoteURL:   creds.RemoteURL,
		AccessToken: creds.AccessToken,
	}
	if err := s.pusher.PushBranchToRemote(ctx, headBranch, pushSpec); err != nil {
		return nil, fmt.Errorf("push branch to remote: %w", err)
	}

	if err := s.repo.UpdateSessionBranch(ctx, headBranch); err != nil {
		return nil, fmt.Errorf("persist session branch: %w", err)
	}

	// Re-check: a concurrent create-pr call may have landed its artifact
	// during the push rendezvous window above. The artifacts table also
	// enforces at most one "pr" row at the storage layer as a backstop.
	if existing, err := s.repo.GetArtifactByType(ctx, domain.ArtifactPR); err != nil {
		return nil, fmt.Errorf("re-check pr artifact: %w", err)
	} else if existing != nil {
		return nil, apierr.Conflict("a pull request already exists for this session")
	}

	participant, err := s.repo.GetParticipantByID(ctx, req.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("load prompting participant: %w", err)
	}

	if participant != nil && participant.HasSCMAuth() {
		return s.createViaOAuth(ctx, sess, participant, req, headBranch, baseBranch)
	}
	return s.fallbackManual(ctx, sess, headBranch, baseBranch)
}

func (s *Service) resolveBaseBranch(ctx context.Context, requested string, sess *domain.Session) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if sess.BaseBranch != "" {
		return sess.BaseBranch, nil
	}
	return s.provider.DefaultBranch(ctx, sess.RepoOwner, sess.RepoName)
}

func resolveHeadBranch(requested string, sess *domain.Session) string {
	if requested != "" {
		return requested
	}
	if sess.BranchName != "" {
		return sess.BranchName
	}
	return fmt.Sprintf("session/%s", sess.SessionName)
}

func (s *Service) createViaOAuth(ctx context.Context, sess *domain.Session, participant *domain.Participant, req Request, headBranch, baseBranch string) (*Result, error) {
	body := req.Body + sessionLinkFooter(sess)
	created, err := s.provider.CreatePullRequest(ctx, participant.SCMAccessTokenEncrypted, scm.CreatePullRequestRequest{
		RepoOwner:  sess.RepoOwner,
		RepoName:   sess.RepoName,
		Title:      req.Title,
		Body:       body,
		HeadBranch: headBranch,
		BaseBranch: baseBranch,
	})
	if err != nil {
		return nil, err
	}

	artifact := &domain.Artifact{
		ID:        uuid.NewString(),
		Type:      domain.ArtifactPR,
		URL:       created.URL,
		CreatedAt: domain.Now(),
	}
	if err := s.repo.InsertArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("persist pr artifact: %w", err)
	}
	s.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.Frame{
		Type:    wsproto.ServerArtifactCreated,
		Payload: map[string]any{"artifact": artifact},
	})

	return &Result{Status: "created", PRNumber: created.Number, PRUrl: created.URL, State: created.State}, nil
}

func (s *Service) fallbackManual(ctx context.Context, sess *domain.Session, headBranch, baseBranch string) (*Result, error) {
	createPRUrl := fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1", sess.RepoOwner, sess.RepoName, baseBranch, headBranch)

	existing, err := s.repo.GetArtifactByTypeAndURLPrefix(ctx, domain.ArtifactBranch, createPRUrl)
	if err != nil {
		return nil, fmt.Errorf("check existing branch artifact: %w", err)
	}
	if existing == nil {
		artifact := &domain.Artifact{
			ID:           uuid.NewString(),
			Type:         domain.ArtifactBranch,
			URL:          createPRUrl,
			MetadataJSON: `{"mode":"manual_pr"}`,
			CreatedAt:    domain.Now(),
		}
		if err := s.repo.InsertArtifact(ctx, artifact); err != nil {
			return nil, fmt.Errorf("persist branch artifact: %w", err)
		}
		s.registry.Broadcast(ctx, wsregistry.BroadcastAuthenticatedOnly, wsproto.Frame{
			Type:    wsproto.ServerArtifactCreated,
			Payload: map[string]any{"artifact": artifact},
		})
	}

	return &Result{Status: "manual", CreatePRUrl: createPRUrl, HeadBranch: headBranch, BaseBranch: baseBranch}, nil
}

func sessionLinkFooter(sess *domain.Session) string {
	return fmt.Sprintf("\n\n---\nOpened from session `%s`.", sess.SessionName)
}

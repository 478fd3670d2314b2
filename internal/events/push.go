package events

import (
	"context"
	"fmt"
	"time"

	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/wsproto"
)

const defaultPushDeadline = 180 * time.Second

// PushBranchToRemote implements 4.6: ask the sandbox to push branchName and
// await push_complete/push_error for it, bounded by pushDeadline. At most
// one pending resolver per normalized branch is honored at a time; the
// resolver and its deadline timer are always cleared on return.
func (p *Processor) PushBranchToRemote(ctx context.Context, branchName string, spec wsproto.PushSpec) error {
	var expectedSandboxID string
	if sb, err := p.repo.GetSandbox(ctx); err == nil && sb != nil {
		expectedSandboxID = sb.ProviderSandboxID
	}
	ws := p.registry.GetSandboxSocket(expectedSandboxID)
	if ws == nil {
		// No live sandbox: the caller falls back to assuming the branch was
		// pushed manually out-of-band.
		return nil
	}

	normalized := normalizeBranch(branchName)
	resultCh := make(chan error, 1)

	p.mu.Lock()
	if _, exists := p.pending[normalized]; exists {
		p.mu.Unlock()
		return fmt.Errorf("push already pending for branch %q", branchName)
	}
	entry := &pendingPush{
		resolve: func() { resultCh <- nil },
		reject:  func(err error) { resultCh <- err },
	}
	p.pending[normalized] = entry
	p.mu.Unlock()

	deadline := p.pushDeadline
	if deadline <= 0 {
		deadline = defaultPushDeadline
	}
	timerCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		p.mu.Lock()
		delete(p.pending, normalized)
		p.mu.Unlock()
	}()

	p.registry.SendToSandbox(ctx, wsproto.PushCommand{Type: wsproto.SandboxPush, PushSpec: spec})

	select {
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("push branch %q: %w", branchName, err)
		}
		return nil
	case <-timerCtx.Done():
		return fmt.Errorf("push branch %q: timed out waiting for push_complete", branchName)
	}
}

// resolvePush fulfills the pending resolver for a normalized branch name,
// if one is registered. push_complete resolves; push_error rejects with
// the event's error field.
func (p *Processor) resolvePush(eventType domain.EventType, normalizedBranch string, data map[string]any) {
	p.mu.Lock()
	entry, ok := p.pending[normalizedBranch]
	p.mu.Unlock()
	if !ok {
		return
	}

	if eventType == domain.EventPushError {
		msg, _ := data["error"].(string)
		if msg == "" {
			msg = "push failed"
		}
		entry.reject(fmt.Errorf("%s", msg))
		return
	}
	entry.resolve()
}

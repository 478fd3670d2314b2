// Package actorlease provides an optional distributed lock ensuring at
// most one live session actor exists per sessionId across processes, for
// horizontally-scaled deployments. When no Redis address is configured it
// falls back to a no-op in-process lease, matching single-node behavior.
package actorlease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaseTTL      = 30 * time.Second
	renewInterval = 10 * time.Second
	keyPrefix     = "sessionactor:lease:"
)

// Lease represents one process's ownership of a session's actor slot.
// Release must be called exactly once when the actor shuts down.
type Lease struct {
	cancel func()
	done   chan struct{}
}

// Release stops the background renewal loop and drops the Redis key.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Manager acquires and renews per-session leases. A nil Addr configuration
// makes every Acquire call a no-op that always succeeds, so single-node
// deployments pay no Redis dependency cost.
type Manager struct {
	rdb *redis.Client
}

// New builds a Manager. addr empty means single-node mode: Acquire always
// succeeds without contacting Redis.
func New(addr, password string, db int) *Manager {
	if addr == "" {
		return &Manager{}
	}
	return &Manager{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})}
}

// Close shuts down the underlying Redis client, if any.
func (m *Manager) Close() error {
	if m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

// Acquire takes out the lease for sessionID, blocking renewal in a
// background goroutine until Release is called. In single-node mode it
// returns a Lease immediately with a no-op Release.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if m.rdb == nil {
		noop := func() {}
		done := make(chan struct{})
		close(done)
		return &Lease{cancel: noop, done: done}, nil
	}

	key := keyPrefix + sessionID
	token := uuid.NewString()

	ok, err := m.rdb.SetNX(ctx, key, token, leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire actor lease for %q: %w", sessionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("actor lease for %q is held by another instance", sessionID)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go m.renewLoop(renewCtx, done, key, token)

	return &Lease{cancel: cancel, done: done}, nil
}

func (m *Manager) renewLoop(ctx context.Context, done chan struct{}, key, token string) {
	defer close(done)
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			m.releaseIfOwned(releaseCtx, key, token)
			cancel()
			return
		case <-ticker.C:
			m.renew(ctx, key, token)
		}
	}
}

// renewScript extends the lease TTL only if the caller still holds it
// (token match), so a lease that already expired and was re-acquired by
// another instance is never clobbered by a late renewal.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

func (m *Manager) renew(ctx context.Context, key, token string) {
	if err := renewScript.Run(ctx, m.rdb, []string{key}, token, leaseTTL.Milliseconds()).Err(); err != nil {
		slog.Warn("actorlease: renew failed", "error", err)
	}
}

// releaseScript deletes the key only if the caller still holds it, for
// the same reason renewScript guards on the token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

func (m *Manager) releaseIfOwned(ctx context.Context, key, token string) {
	_ = releaseScript.Run(ctx, m.rdb, []string{key}, token).Err()
}

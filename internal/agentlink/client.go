// Package agentlink is the session actor's optional gRPC client to the
// sandbox's agent runtime sidecar, used for diagnostics: confirming the
// runtime is alive and ready before the actor bets a PromptCommand
// delivery on it. It mirrors the teacher's Python-agent gRPC bridge
// (internal/agent/grpc_client.go), generalized to a generic health-check
// RPC instead of a chat/terminal-streaming protocol, since no
// sandbox-runtime-specific proto surface is part of this spec.
package agentlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("agentlink: connection shutdown")
	errConnectionStateUnchanged = errors.New("agentlink: connection state did not change")
)

// Config holds the dial parameters for Client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns sane defaults for a sidecar reachable on localhost.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client is a thin wrapper over grpc_health_v1.HealthClient against the
// sandbox's agent runtime sidecar.
type Client struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	addr    string
	reqDead time.Duration
}

// Dial builds a Client and blocks until the connection is Ready or
// cfg.ConnectTimeout elapses, so the caller fails fast on a misconfigured
// address rather than discovering it mid-session.
func Dial(cfg Config) (*Client, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("agentlink: dial %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("agentlink: close connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agentlink: sidecar at %s not ready: %w", cfg.Address, err)
	}

	return &Client{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		addr:    cfg.Address,
		reqDead: cfg.RequestTimeout,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close shuts down the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Healthy reports whether the sandbox's agent runtime sidecar reports
// SERVING for its default service, used as a best-effort diagnostic
// before PromptCommand delivery; callers must never fail a prompt solely
// because this check errors (spec.md §7's "best-effort side effects").
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reqDead)
	defer cancel()

	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("agentlink: health check against %s: %w", c.addr, err)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

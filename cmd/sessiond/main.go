// sessiond is the session actor process: one instance owns exactly one
// session's SQLite database and in-memory state, per spec.md §2.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/remilabs/sessionactor/internal/actor"
	"github.com/remilabs/sessionactor/internal/actorlease"
	"github.com/remilabs/sessionactor/internal/callback"
	"github.com/remilabs/sessionactor/internal/callbackretry"
	"github.com/remilabs/sessionactor/internal/config"
	"github.com/remilabs/sessionactor/internal/httpapi"
	"github.com/remilabs/sessionactor/internal/sandboxprovider"
	"github.com/remilabs/sessionactor/internal/scm"
	"github.com/remilabs/sessionactor/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	sessionID := os.Getenv("SESSIOND_SESSION_ID")
	if sessionID == "" {
		slog.Error("SESSIOND_SESSION_ID is required")
		os.Exit(1)
	}

	slog.Info("starting sessiond", "port", cfg.Port, "sessionId", sessionID)

	dbPath := filepath.Join(cfg.DB.DataDir, sessionID+".db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", dbPath)

	leaseMgr := actorlease.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() {
		if closeErr := leaseMgr.Close(); closeErr != nil {
			slog.Warn("failed to close actor lease manager", "error", closeErr)
		}
	}()

	lease, err := leaseMgr.Acquire(context.Background(), sessionID)
	if err != nil {
		slog.Error("failed to acquire actor lease", "error", err, "sessionId", sessionID)
		os.Exit(1)
	}

	sandboxProvider, err := sandboxprovider.NewDockerProvider()
	if err != nil {
		slog.Error("failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}

	scmProvider := scm.NewGitHubProvider(os.Getenv("SESSIOND_GITHUB_API_URL"), os.Getenv("SESSIOND_GITHUB_APP_TOKEN"))
	callbackSvc := callback.NewHTTPService(http.DefaultClient, callbackretry.DefaultConfig())

	a := actor.New(sessionID, actor.Deps{
		Repo:            repo,
		SandboxProvider: sandboxProvider,
		SCMProvider:     scmProvider,
		CallbackSvc:     callbackSvc,
		Config:          cfg,
	}).WithLease(lease)
	defer a.Close()

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	router := httpapi.NewRouter(a, repo, allowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0: WebSocket connections must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sessiond listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("sessiond stopped successfully")
}

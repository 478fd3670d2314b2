package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/remilabs/sessionactor/internal/actor"
	"github.com/remilabs/sessionactor/internal/apierr"
	"github.com/remilabs/sessionactor/internal/middleware"
	"github.com/remilabs/sessionactor/internal/store"
)

// NewRouter builds the chi router for one session actor's internal HTTP
// surface, mirroring the teacher's cmd/server/main.go middleware stack.
func NewRouter(a *actor.Actor, repo store.Repository, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))

	healthHandler := NewHealthHandler(repo)
	healthHandler.RegisterHealth(r)

	NewHandler(a).RegisterRoutes(r)

	return r
}

// HealthHandler reports the session database's reachability, matching the
// shape the teacher's internal/api.HealthHandler returns.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler builds a HealthHandler backed by repo.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterHealth mounts GET /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports "healthy" or "degraded" depending on whether the
// session's SQLite database responds within 5 seconds.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]any{"status": "healthy", "checks": map[string]string{"db": "ok"}}
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["checks"].(map[string]string)["db"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	apierr.JSON(w, code, status)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/gigachat-relay/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler reports whether the relay's dependencies are reachable.
type HealthHandler struct {
	repo   store.Repository
	tokens TokenStatus
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(repo store.Repository, tokens TokenStatus) *HealthHandler {
	return &HealthHandler{repo: repo, tokens: tokens}
}

// Health checks the journal database and the token state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// A missing token is not fatal: it is fetched on the next request.
	if h.tokens.NeedsRefresh() {
		checks["token"] = "refresh_pending"
	} else {
		checks["token"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

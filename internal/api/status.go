package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const statsWindow = 24 * time.Hour

// RegisterRoutes registers the admin routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/exchanges", h.RecentExchanges)
		r.Get("/conversations/{id}", h.Conversation)
		r.Post("/conversations/{id}/reset", h.ResetConversation)
	})
}

type tokenState struct {
	Present      bool       `json:"present"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	NeedsRefresh bool       `json:"needs_refresh"`
}

// Status returns token state, conversation count and journal statistics.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tok := h.tokens.Current()
	state := tokenState{Present: !tok.IsZero(), NeedsRefresh: h.tokens.NeedsRefresh()}
	if state.Present {
		expiry := tok.Expiry
		state.ExpiresAt = &expiry
	}

	stats, err := h.repo.Stats(r.Context(), h.now().Add(-statsWindow))
	if err != nil {
		slog.Error("Failed to load exchange stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load exchange stats")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"token":         state,
		"conversations": h.conversations.Len(),
		"exchanges":     stats,
	})
}

// RecentExchanges lists the newest journal rows. ?limit= caps the count.
func (h *Handler) RecentExchanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	exchanges, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to load exchanges", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load exchanges")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"exchanges": exchanges})
}

// Conversation summarises one conversation without its content.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	info, found := h.conversations.Info(id)
	if !found {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	JSON(w, http.StatusOK, info)
}

// ResetConversation clears a conversation's history and continuation.
func (h *Handler) ResetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	cleared := h.resetter.Reset(id)
	slog.Info("Conversation reset via admin API", "chat_id", id, "cleared", cleared)
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"cleared":         cleared,
	})
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

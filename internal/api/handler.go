// Package api provides the admin HTTP handlers for the relay.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/gigachat-relay/internal/domain"
	"github.com/ashureev/gigachat-relay/internal/store"
)

// TokenStatus exposes the bearer token state without the token itself.
type TokenStatus interface {
	Current() domain.Token
	NeedsRefresh() bool
}

// Conversations is read access to the conversation store.
type Conversations interface {
	Info(conversationID int64) (domain.ConversationInfo, bool)
	Len() int
}

// Resetter clears a conversation.
type Resetter interface {
	Reset(conversationID int64) bool
}

// Handler provides common handler utilities.
type Handler struct {
	repo          store.Repository
	tokens        TokenStatus
	conversations Conversations
	resetter      Resetter
	now           func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, tokens TokenStatus, conversations Conversations, resetter Resetter) *Handler {
	return &Handler{
		repo:          repo,
		tokens:        tokens,
		conversations: conversations,
		resetter:      resetter,
		now:           time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

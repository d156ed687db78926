// Package domain contains core domain types for the GigaChat relay.
package domain

// Role identifies the author of a conversation entry.
type Role string

// Conversation roles understood by the completions API.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single turn in a conversation history.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationInfo summarises a conversation without exposing its content.
type ConversationInfo struct {
	ConversationID  int64 `json:"conversation_id"`
	Entries         int   `json:"entries"`
	HasContinuation bool  `json:"has_continuation"`
}

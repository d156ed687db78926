// Package conversation keeps per-chat dialogue history in process memory.
package conversation

import (
	"sync"

	"github.com/ashureev/gigachat-relay/internal/domain"
)

// Store holds the history and continuation handle of every conversation.
// Conversations are created lazily and are never persisted.
type Store struct {
	systemPrompt string
	maxHistory   int

	mu            sync.RWMutex
	conversations map[int64]*conversation
}

type conversation struct {
	// exchange serialises whole request/response cycles for one chat.
	exchange sync.Mutex

	mu           sync.Mutex
	history      []domain.Entry
	continuation string
}

// NewStore creates a store. maxHistory is the number of non-system entries
// kept after truncation.
func NewStore(systemPrompt string, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Store{
		systemPrompt:  systemPrompt,
		maxHistory:    maxHistory,
		conversations: make(map[int64]*conversation),
	}
}

func (s *Store) systemEntry() domain.Entry {
	return domain.Entry{Role: domain.RoleSystem, Content: s.systemPrompt}
}

// get returns the conversation for id, creating it when create is set.
func (s *Store) get(id int64, create bool) *conversation {
	s.mu.RLock()
	c, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.conversations[id]; ok {
		return c
	}
	c = &conversation{history: []domain.Entry{s.systemEntry()}}
	s.conversations[id] = c
	return c
}

// Lock serialises exchanges on one conversation. Unrelated conversations
// never block each other. The returned function releases the lock.
func (s *Store) Lock(id int64) (unlock func()) {
	c := s.get(id, true)
	c.exchange.Lock()
	return c.exchange.Unlock
}

// AppendUser records a user turn, creating the conversation if needed.
func (s *Store) AppendUser(id int64, text string) {
	s.append(id, domain.Entry{Role: domain.RoleUser, Content: text})
}

// AppendAssistant records an assistant turn.
func (s *Store) AppendAssistant(id int64, text string) {
	s.append(id, domain.Entry{Role: domain.RoleAssistant, Content: text})
}

func (s *Store) append(id int64, e domain.Entry) {
	c := s.get(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	c.history = truncate(c.history, s.maxHistory)
}

// Truncate trims a conversation to its system entry plus the most recent
// maxHistory entries. Appends already truncate.
func (s *Store) Truncate(id int64) {
	c := s.get(id, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = truncate(c.history, s.maxHistory)
}

func truncate(history []domain.Entry, max int) []domain.Entry {
	if len(history) <= max+1 {
		return history
	}
	kept := make([]domain.Entry, 0, max+1)
	kept = append(kept, history[0])
	kept = append(kept, history[len(history)-max:]...)
	return kept
}

// History returns a copy of the conversation history. An unknown
// conversation yields just the system entry.
func (s *Store) History(id int64) []domain.Entry {
	c := s.get(id, false)
	if c == nil {
		return []domain.Entry{s.systemEntry()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Entry, len(c.history))
	copy(out, c.history)
	return out
}

// SetContinuation stores the server-side context handle. An empty handle
// clears it.
func (s *Store) SetContinuation(id int64, handle string) {
	c := s.get(id, handle != "")
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continuation = handle
}

// Continuation returns the context handle, if any.
func (s *Store) Continuation(id int64) (string, bool) {
	c := s.get(id, false)
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuation, c.continuation != ""
}

// Reset drops everything but the system entry and forgets the continuation
// handle. It returns false when there was nothing to clear.
func (s *Store) Reset(id int64) bool {
	c := s.get(id, false)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) <= 1 && c.continuation == "" {
		return false
	}
	c.history = []domain.Entry{s.systemEntry()}
	c.continuation = ""
	return true
}

// Info summarises a conversation without exposing its content.
func (s *Store) Info(id int64) (domain.ConversationInfo, bool) {
	c := s.get(id, false)
	if c == nil {
		return domain.ConversationInfo{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConversationInfo{
		ConversationID:  id,
		Entries:         len(c.history),
		HasContinuation: c.continuation != "",
	}, true
}

// Len returns the number of conversations tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

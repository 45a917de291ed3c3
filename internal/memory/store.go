// Package memory provides volatile per-thread conversation memory.
//
// A thread is one versioned conversation lineage for a user, keyed
// "{userID}:v{promptVersion}". The store is process-local by design:
// a request may land on a cold instance, in which case the Seeder
// rebuilds the thread from the durable log. The authoritative copy of
// every exchange lives in the log, never here.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleHuman is a user query.
	RoleHuman Role = "human"
	// RoleAssistant is a model reply.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool invocation result.
	RoleTool Role = "tool"
	// RoleProfile is the one-shot user profile block injected at cold
	// start. It is not a conversational turn; the window function keeps
	// it alive across trimming.
	RoleProfile Role = "profile"
)

// Message is one entry in a thread's history.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"` // RoleTool only
	CallID   string `json:"call_id,omitempty"`   // RoleTool only
}

// Human builds a user message.
func Human(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// Assistant builds a model message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Tool builds a tool-result message.
func Tool(toolName, callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolName: toolName, CallID: callID}
}

// Profile builds the one-shot profile message.
func Profile(content string) Message {
	return Message{Role: RoleProfile, Content: content}
}

// ToolRecord is the serialized output of a single tool invocation, in
// the shape persisted to the durable log. Data is already JSON-safe.
type ToolRecord struct {
	ToolName string          `json:"tool_name"`
	Data     json.RawMessage `json:"data"`
}

// LogEntry is one completed exchange read back from the durable log.
type LogEntry struct {
	Human     string
	Assistant string
	Tool      *ToolRecord
	Timestamp time.Time
}

// ThreadID derives the versioned thread key for a user.
func ThreadID(userID string, promptVersion int) string {
	return fmt.Sprintf("%s:v%d", userID, promptVersion)
}

// Store holds per-thread message history. It is the only mutable state
// shared between request goroutines; a single coarse mutex is enough
// because mutations are short and rare relative to request volume.
type Store struct {
	mu      sync.Mutex
	threads map[string][]Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{threads: make(map[string][]Message)}
}

// Get returns a copy of the thread's messages, or nil if the thread is
// unknown to this process.
func (s *Store) Get(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Set replaces the thread's messages.
func (s *Store) Set(threadID string, msgs []Message) {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = cp
}

// Append adds messages to the end of the thread, creating it if needed.
func (s *Store) Append(threadID string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], msgs...)
}

// Len returns the number of messages stored for the thread.
func (s *Store) Len(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads[threadID])
}

// Stats returns store statistics for diagnostics.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, msgs := range s.threads {
		total += len(msgs)
	}
	return map[string]any{
		"threads":  len(s.threads),
		"messages": total,
	}
}

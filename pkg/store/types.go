package store

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message from the user, including tool result batches.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a session's history. Messages are immutable
// once appended; ordering is the append order.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult represents the outcome of a tool call. ID matches the
// originating ToolCall.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// SessionInfo provides metadata about a stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	WorkDir      string    `json:"work_dir,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// NewUserMessage creates a user message with a fresh ID.
func NewUserMessage(text string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message carrying optional tool calls.
func NewAssistantMessage(text string, calls []ToolCall) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   text,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolResultsMessage creates the follow-up message that returns a batch of
// tool results to the model.
func NewToolResultsMessage(results []ToolResult) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleUser,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns a copy of the message that shares no slices or maps with m.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			out.ToolCalls[i] = c
			if c.Arguments != nil {
				out.ToolCalls[i].Arguments = maps.Clone(c.Arguments)
			}
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	return out
}

// CloneMessages copies a history slice element by element.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

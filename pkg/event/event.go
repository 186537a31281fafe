// Package event defines the events emitted during a turn and a bus that fans
// them out to subscribers.
package event

import (
	"time"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Type identifies the kind of an Event. The set is closed.
type Type string

const (
	UserMessage     Type = "user.message"
	MessageStart    Type = "message.start"
	MessageDelta    Type = "message.delta"
	MessageComplete Type = "message.complete"

	ToolStart             Type = "tool.start"
	ToolComplete          Type = "tool.complete"
	ToolPermissionRequest Type = "tool.permission.request"
	ToolPermissionGranted Type = "tool.permission.granted"
	ToolPermissionDenied  Type = "tool.permission.denied"

	CompactionPending  Type = "compaction.pending"
	CompactionStart    Type = "compaction.start"
	CompactionComplete Type = "compaction.complete"
	CompactionError    Type = "compaction.error"

	Error Type = "error"
)

// Types lists every event type.
var Types = []Type{
	UserMessage, MessageStart, MessageDelta, MessageComplete,
	ToolStart, ToolComplete, ToolPermissionRequest, ToolPermissionGranted, ToolPermissionDenied,
	CompactionPending, CompactionStart, CompactionComplete, CompactionError,
	Error,
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a tagged union. Type selects which payload pointer is set:
//
//	user.message, message.complete    Message
//	message.start, message.delta      Delta
//	tool.*                            Tool
//	compaction.*                      Compaction
//	error                             Error
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
	// Seq orders the events of a session. It is assigned on emission.
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	Message    *store.Message     `json:"message,omitempty"`
	Delta      *DeltaPayload      `json:"delta,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Compaction *CompactionPayload `json:"compaction,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// DeltaPayload is a piece of streamed assistant text.
type DeltaPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text,omitempty"`
}

type ToolPayload struct {
	Call   store.ToolCall    `json:"call"`
	Result *store.ToolResult `json:"result,omitempty"`
}

type CompactionPayload struct {
	CurrentTokens     int `json:"current_tokens,omitempty"`
	Threshold         int `json:"threshold,omitempty"`
	MessagesToCompact int `json:"messages_to_compact,omitempty"`

	CompactionID     string  `json:"compaction_id,omitempty"`
	Summary          string  `json:"summary,omitempty"`
	MessagesPruned   int     `json:"messages_pruned,omitempty"`
	OriginalTokens   int     `json:"original_tokens,omitempty"`
	CompactedTokens  int     `json:"compacted_tokens,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`

	Error string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(t Type, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, Time: time.Now().UTC()}
}

// NewUserMessage and the other constructors below are the only way the turn
// loop builds events, so every Type carries its payload.
func NewUserMessage(sessionID string, msg store.Message) Event {
	e := newEvent(UserMessage, sessionID)
	e.Message = &msg
	return e
}

func NewMessageStart(sessionID, messageID string) Event {
	e := newEvent(MessageStart, sessionID)
	e.Delta = &DeltaPayload{MessageID: messageID}
	return e
}

func NewMessageDelta(sessionID, messageID, text string) Event {
	e := newEvent(MessageDelta, sessionID)
	e.Delta = &DeltaPayload{MessageID: messageID, Text: text}
	return e
}

func NewMessageComplete(sessionID string, msg store.Message) Event {
	e := newEvent(MessageComplete, sessionID)
	e.Message = &msg
	return e
}

// NewTool builds one of the tool.* events. result is nil for events that
// precede execution.
func NewTool(t Type, sessionID string, call store.ToolCall, result *store.ToolResult) Event {
	e := newEvent(t, sessionID)
	e.Tool = &ToolPayload{Call: call, Result: result}
	return e
}

// NewCompaction builds one of the compaction.* events.
func NewCompaction(t Type, sessionID string, p CompactionPayload) Event {
	e := newEvent(t, sessionID)
	e.Compaction = &p
	return e
}

func NewError(sessionID string, err error) Event {
	e := newEvent(Error, sessionID)
	e.Error = &ErrorPayload{Message: err.Error()}
	return e
}

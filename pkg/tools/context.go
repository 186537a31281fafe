package tools

import (
	"sync"

	"github.com/mariozechner/coding-agent/core/pkg/event"
)

// Context is handed to every tool call. The turn loop builds one per turn and
// passes the same value to each call of that turn.
type Context struct {
	WorkDir   string
	SessionID string
	Todos     *TodoList
	Phase     *Phase
	// Emit publishes an event on the session's stream.
	Emit func(event.Event)
	// Extensions carries plugin data keyed by plugin name.
	Extensions map[string]any
}

// Phase is the session's current work phase (e.g. "planning", "implementing").
type Phase struct {
	mu    sync.Mutex
	value string
}

func (p *Phase) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *Phase) Set(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

var (
	// ErrToolNotFound is returned when a call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned when call arguments do not match the
	// tool's input schema. The tool is not invoked.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() *jsonschema.Schema
	Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error)
}

// Output is what a tool returns to the model.
type Output struct {
	Text     string
	Metadata map[string]any
}

type entry struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Registry manages the available tools. It is safe for concurrent use; MCP
// servers may add tools while sessions run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]entry),
	}
}

// Register adds a tool to the registry, replacing any tool with the same name.
// The input schema is resolved once here.
func (r *Registry) Register(t Tool) error {
	e := entry{tool: t}
	if s := t.InputSchema(); s != nil {
		resolved, err := s.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolving schema of tool %s: %w", t.Name(), err)
		}
		e.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = e
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		list = append(list, e.tool)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Schemas describes the registered tools for a model request. A non-empty
// allow list keeps only tools matching one of its patterns.
func (r *Registry) Schemas(allow []string) []models.ToolSchema {
	var out []models.ToolSchema
	for _, t := range r.List() {
		if len(allow) > 0 && !matchesAny(allow, t.Name()) {
			continue
		}
		out = append(out, models.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if permission.MatchPattern(p, name) {
			return true
		}
	}
	return false
}

// Execute validates the call's arguments and runs the tool. A panicking tool
// is reported as an error.
func (r *Registry) Execute(ctx context.Context, call store.ToolCall, tc *Context) (out Output, err error) {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	input := call.Arguments
	if input == nil {
		input = map[string]any{}
	}
	if e.resolved != nil {
		if err := e.resolved.Validate(input); err != nil {
			return Output{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()

	slog.Debug("Executing tool", "tool", call.Name, "callID", call.ID)
	return e.tool.Execute(ctx, input, tc)
}

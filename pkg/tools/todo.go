package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// TodoStatus is the state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one entry of the session's task list.
type Todo struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoList is the per-session task list shared by the todo tools.
type TodoList struct {
	mu    sync.Mutex
	items []Todo
}

// Items returns a copy of the list.
func (l *TodoList) Items() []Todo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Todo(nil), l.items...)
}

// Set replaces the list.
func (l *TodoList) Set(items []Todo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append([]Todo(nil), items...)
}

func (l *TodoList) render() string {
	items := l.Items()
	if len(items) == 0 {
		return "No todos."
	}
	var b strings.Builder
	for i, t := range items {
		mark := " "
		switch t.Status {
		case TodoInProgress:
			mark = "~"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, t.Content)
	}
	return b.String()
}

// --- Todo Write Tool ---

type TodoWriteTool struct{}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Replace the session's todo list. Use it to plan multi-step work and track progress."
}

func (t *TodoWriteTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"todos": {
				Type:        "array",
				Description: "The complete, updated todo list.",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"content": {Type: "string"},
						"status":  {Type: "string", Enum: []any{"pending", "in_progress", "completed"}},
					},
					Required: []string{"content", "status"},
				},
			},
		},
		Required: []string{"todos"},
	}
}

func (t *TodoWriteTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	if tc == nil || tc.Todos == nil {
		return Output{}, fmt.Errorf("no todo list in this session")
	}
	raw, _ := input["todos"].([]any)
	items := make([]Todo, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return Output{}, fmt.Errorf("todo %d is not an object", i)
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		items = append(items, Todo{Content: content, Status: TodoStatus(status)})
	}
	tc.Todos.Set(items)
	return Output{Text: tc.Todos.render(), Metadata: map[string]any{"count": len(items)}}, nil
}

// --- Todo Read Tool ---

type TodoReadTool struct{}

func (t *TodoReadTool) Name() string { return "todo_read" }

func (t *TodoReadTool) Description() string {
	return "Show the session's todo list."
}

func (t *TodoReadTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func (t *TodoReadTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	if tc == nil || tc.Todos == nil {
		return Output{}, fmt.Errorf("no todo list in this session")
	}
	return Output{Text: tc.Todos.render()}, nil
}

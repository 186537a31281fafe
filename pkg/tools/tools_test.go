package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/spf13/afero"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// MockTool records its invocations.
type MockTool struct {
	name   string
	calls  int
	output string
	err    error
	panics bool
}

func (m *MockTool) Name() string        { return m.name }
func (m *MockTool) Description() string { return "mock" }
func (m *MockTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"n": {Type: "integer"}},
		Required:   []string{"n"},
	}
}
func (m *MockTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	m.calls++
	if m.panics {
		panic("kaboom")
	}
	return Output{Text: m.output}, m.err
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	ok := &MockTool{name: "ok", output: "done"}
	failing := &MockTool{name: "failing", err: errors.New("disk full")}
	panicky := &MockTool{name: "panicky", panics: true}
	for _, tool := range []Tool{ok, failing, panicky} {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	out, err := r.Execute(ctx, store.ToolCall{Name: "ok", Arguments: map[string]any{"n": float64(3)}}, nil)
	if err != nil || out.Text != "done" {
		t.Errorf("Execute(ok) = %q, %v", out.Text, err)
	}

	_, err = r.Execute(ctx, store.ToolCall{Name: "missing"}, nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Execute(missing) err = %v, want ErrToolNotFound", err)
	}

	_, err = r.Execute(ctx, store.ToolCall{Name: "ok", Arguments: map[string]any{"n": "three"}}, nil)
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Execute(bad args) err = %v, want ErrInvalidArguments", err)
	}
	_, err = r.Execute(ctx, store.ToolCall{Name: "ok"}, nil)
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Execute(no args) err = %v, want ErrInvalidArguments", err)
	}
	if ok.calls != 1 {
		t.Errorf("tool invoked %d times, want 1 (invalid calls must not run)", ok.calls)
	}

	_, err = r.Execute(ctx, store.ToolCall{Name: "failing", Arguments: map[string]any{"n": float64(1)}}, nil)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Execute(failing) err = %v", err)
	}

	_, err = r.Execute(ctx, store.ToolCall{Name: "panicky", Arguments: map[string]any{"n": float64(1)}}, nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Execute(panicky) err = %v", err)
	}
}

func TestRegistrySchemas(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"read_file", "bash", "mcp_github_search"} {
		r.Register(&MockTool{name: name})
	}

	names := func(allow []string) []string {
		var out []string
		for _, s := range r.Schemas(allow) {
			out = append(out, s.Name)
		}
		return out
	}
	if diff := cmp.Diff([]string{"bash", "mcp_github_search", "read_file"}, names(nil)); diff != "" {
		t.Errorf("all schemas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"mcp_github_search", "read_file"}, names([]string{"mcp_*", "read_file"})); diff != "" {
		t.Errorf("filtered schemas (-want +got):\n%s", diff)
	}

	r.Unregister("bash")
	if _, ok := r.Get("bash"); ok {
		t.Error("bash still registered")
	}
}

func newTestFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(fsys, name, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return fsys
}

func TestFileTools(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFs(t, map[string]string{
		"/work/main.go":          "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n",
		"/work/pkg/util.go":      "package pkg\n\n// TODO: more\nfunc Util() {}\n",
		"/work/README.md":        "# demo\n",
		"/work/.git/HEAD":        "ref: refs/heads/main\n",
		"/work/pkg/util_test.go": "package pkg\n",
	})
	r := NewRegistry()
	if err := RegisterDefaults(r, fsys); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	tc := &Context{WorkDir: "/work", Todos: &TodoList{}, Phase: &Phase{}}

	run := func(name string, args map[string]any) (Output, error) {
		return r.Execute(ctx, store.ToolCall{ID: "c", Name: name, Arguments: args}, tc)
	}

	t.Run("ls", func(t *testing.T) {
		out, err := run("ls", map[string]any{"path": "."})
		if err != nil {
			t.Fatalf("ls: %v", err)
		}
		for _, want := range []string{"main.go", "pkg/", "README.md"} {
			if !strings.Contains(out.Text, want) {
				t.Errorf("ls output missing %q:\n%s", want, out.Text)
			}
		}
	})

	t.Run("read_file", func(t *testing.T) {
		out, err := run("read_file", map[string]any{"path": "main.go", "offset": float64(3), "limit": float64(1)})
		if err != nil {
			t.Fatalf("read_file: %v", err)
		}
		if !strings.HasPrefix(out.Text, "     3\tfunc main() {\n") {
			t.Errorf("read_file output = %q", out.Text)
		}
		if out.Metadata["truncated"] != true {
			t.Errorf("truncated = %v, want true", out.Metadata["truncated"])
		}
	})

	t.Run("write_file", func(t *testing.T) {
		if _, err := run("write_file", map[string]any{"path": "new/dir/a.txt", "content": "hello"}); err != nil {
			t.Fatalf("write_file: %v", err)
		}
		data, err := afero.ReadFile(fsys, "/work/new/dir/a.txt")
		if err != nil || string(data) != "hello" {
			t.Errorf("written content = %q, %v", data, err)
		}
	})

	t.Run("edit_file", func(t *testing.T) {
		out, err := run("edit_file", map[string]any{"path": "main.go", "old_string": "\"hi\"", "new_string": "\"hello\""})
		if err != nil {
			t.Fatalf("edit_file: %v", err)
		}
		if !strings.Contains(out.Text, "+\tprintln(\"hello\")") {
			t.Errorf("patch missing added line:\n%s", out.Text)
		}
		data, _ := afero.ReadFile(fsys, "/work/main.go")
		if !strings.Contains(string(data), "println(\"hello\")") {
			t.Errorf("file not edited:\n%s", data)
		}

		if _, err := run("edit_file", map[string]any{"path": "main.go", "old_string": "absent", "new_string": "x"}); err == nil {
			t.Error("expected error for missing old_string")
		}
		if _, err := run("edit_file", map[string]any{"path": "pkg/util.go", "old_string": "pkg", "new_string": "lib"}); err != nil {
			t.Errorf("single occurrence edit: %v", err)
		}
	})

	t.Run("glob", func(t *testing.T) {
		out, err := run("glob", map[string]any{"pattern": "**/*.go"})
		if err != nil {
			t.Fatalf("glob: %v", err)
		}
		want := "main.go\npkg/util.go\npkg/util_test.go"
		if out.Text != want {
			t.Errorf("glob = %q, want %q", out.Text, want)
		}
	})

	t.Run("grep", func(t *testing.T) {
		out, err := run("grep", map[string]any{"pattern": "todo", "case_insensitive": true, "include": "**/*.go"})
		if err != nil {
			t.Fatalf("grep: %v", err)
		}
		if out.Text != "pkg/util.go:3:// TODO: more" {
			t.Errorf("grep = %q", out.Text)
		}
		if _, err := run("grep", map[string]any{"pattern": "("}); err == nil {
			t.Error("expected error for invalid regexp")
		}
	})

	t.Run("todos", func(t *testing.T) {
		_, err := run("todo_write", map[string]any{"todos": []any{
			map[string]any{"content": "write tests", "status": "completed"},
			map[string]any{"content": "ship", "status": "pending"},
		}})
		if err != nil {
			t.Fatalf("todo_write: %v", err)
		}
		out, err := run("todo_read", map[string]any{})
		if err != nil {
			t.Fatalf("todo_read: %v", err)
		}
		if out.Text != "1. [x] write tests\n2. [ ] ship\n" {
			t.Errorf("todo_read = %q", out.Text)
		}
		if _, err := run("todo_write", map[string]any{"todos": []any{map[string]any{"content": "x", "status": "blocked"}}}); !errors.Is(err, ErrInvalidArguments) {
			t.Errorf("todo_write bad status err = %v, want ErrInvalidArguments", err)
		}
	})
}

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	diffpatch "github.com/sourcegraph/go-diff-patch"
	"github.com/spf13/afero"
)

// maxReadLines caps read_file output when no limit is given.
const maxReadLines = 2000

// FileTools returns the filesystem tools operating on fsys.
func FileTools(fsys afero.Fs) []Tool {
	return []Tool{
		&ListFilesTool{fs: fsys},
		&ReadFileTool{fs: fsys},
		&WriteFileTool{fs: fsys},
		&EditFileTool{fs: fsys},
		&GlobTool{fs: fsys},
		&GrepTool{fs: fsys},
	}
}

// RegisterDefaults registers the file and todo tools.
func RegisterDefaults(r *Registry, fsys afero.Fs) error {
	all := append(FileTools(fsys), &TodoWriteTool{}, &TodoReadTool{})
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath makes p absolute relative to the session's working directory.
func resolvePath(tc *Context, p string) string {
	if filepath.IsAbs(p) || tc == nil || tc.WorkDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(tc.WorkDir, p)
}

func stringArg(input map[string]any, name string) (string, bool) {
	s, ok := input[name].(string)
	return s, ok
}

func intArg(input map[string]any, name string, def int) int {
	switch v := input[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func pathSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// --- List Files Tool ---

type ListFilesTool struct{ fs afero.Fs }

func (t *ListFilesTool) Name() string { return "ls" }

func (t *ListFilesTool) Description() string {
	return "List files in a directory. Directories are suffixed with '/'."
}

func (t *ListFilesTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path": pathSchema("The directory path to list."),
		},
		Required: []string{"path"},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	path, _ := stringArg(input, "path")
	path = resolvePath(tc, path)

	slog.Info("Listing files", "path", path)
	entries, err := afero.ReadDir(t.fs, path)
	if err != nil {
		return Output{}, fmt.Errorf("failed to list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		names = append(names, e.Name()+suffix)
	}
	return Output{Text: strings.Join(names, "\n"), Metadata: map[string]any{"count": len(names)}}, nil
}

// --- Read File Tool ---

type ReadFileTool struct{ fs afero.Fs }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Lines are numbered starting at 1. Use offset and limit for large files."
}

func (t *ReadFileTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path":   pathSchema("The file path to read."),
			"offset": {Type: "integer", Description: "First line to return (1-based)."},
			"limit":  {Type: "integer", Description: "Maximum number of lines to return."},
		},
		Required: []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	path, _ := stringArg(input, "path")
	path = resolvePath(tc, path)

	slog.Info("Reading file", "path", path)
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return Output{}, fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	offset := max(intArg(input, "offset", 1), 1)
	limit := intArg(input, "limit", maxReadLines)
	if limit <= 0 {
		limit = maxReadLines
	}

	var b strings.Builder
	end := min(offset-1+limit, len(lines))
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	truncated := end < len(lines)
	if truncated {
		fmt.Fprintf(&b, "... (%d more lines)\n", len(lines)-end)
	}
	return Output{Text: b.String(), Metadata: map[string]any{"lines": len(lines), "truncated": truncated}}, nil
}

// --- Write File Tool ---

type WriteFileTool struct{ fs afero.Fs }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories and replacing any existing content."
}

func (t *WriteFileTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path":    pathSchema("The file path to write to."),
			"content": {Type: "string", Description: "The content to write."},
		},
		Required: []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	path, _ := stringArg(input, "path")
	content, _ := stringArg(input, "content")
	path = resolvePath(tc, path)

	slog.Info("Writing file", "path", path, "size", len(content))

	if err := t.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Output{}, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := afero.WriteFile(t.fs, path, []byte(content), 0644); err != nil {
		return Output{}, fmt.Errorf("failed to write file: %w", err)
	}
	return Output{Text: fmt.Sprintf("Wrote %d bytes to %s", len(content), path)}, nil
}

// --- Edit File Tool ---

type EditFileTool struct{ fs afero.Fs }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact text section of an existing file. old_string must match the file exactly " +
		"and be unique unless replace_all is set. Returns a unified diff of the change."
}

func (t *EditFileTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path":        pathSchema("The file to modify."),
			"old_string":  {Type: "string", Description: "The exact text to replace."},
			"new_string":  {Type: "string", Description: "The replacement text."},
			"replace_all": {Type: "boolean", Description: "Replace every occurrence."},
		},
		Required: []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	path, _ := stringArg(input, "path")
	oldStr, _ := stringArg(input, "old_string")
	newStr, _ := stringArg(input, "new_string")
	replaceAll, _ := input["replace_all"].(bool)
	path = resolvePath(tc, path)

	if oldStr == "" {
		return Output{}, fmt.Errorf("old_string must not be empty")
	}
	if oldStr == newStr {
		return Output{}, fmt.Errorf("old_string and new_string are identical")
	}

	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return Output{}, fmt.Errorf("failed to read file: %w", err)
	}
	before := string(data)

	n := strings.Count(before, oldStr)
	switch {
	case n == 0:
		return Output{}, fmt.Errorf("old_string not found in %s", path)
	case n > 1 && !replaceAll:
		return Output{}, fmt.Errorf("old_string occurs %d times in %s; add context or set replace_all", n, path)
	}

	after := strings.Replace(before, oldStr, newStr, 1)
	if replaceAll {
		after = strings.ReplaceAll(before, oldStr, newStr)
	}

	info, err := t.fs.Stat(path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	slog.Info("Editing file", "path", path, "replacements", n)
	if err := afero.WriteFile(t.fs, path, []byte(after), mode); err != nil {
		return Output{}, fmt.Errorf("failed to write file: %w", err)
	}

	patch := diffpatch.GeneratePatch(path, before, after)
	replaced := 1
	if replaceAll {
		replaced = n
	}
	return Output{Text: patch, Metadata: map[string]any{"replacements": replaced}}, nil
}

// sortedUnique sorts paths and removes duplicates.
func sortedUnique(paths []string) []string {
	sort.Strings(paths)
	out := paths[:0]
	for _, p := range paths {
		if len(out) == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/spf13/afero"
)

const (
	maxGlobResults = 500
	maxGrepResults = 100
)

// skipDirs are never descended into by glob and grep.
var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true}

// --- Glob Tool ---

type GlobTool struct{ fs afero.Fs }

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files by glob pattern, e.g. \"**/*.go\". Supports '**' for any number of directories."
}

func (t *GlobTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"pattern": {Type: "string", Description: "The glob pattern, relative to path."},
			"path":    pathSchema("Directory to search from. Defaults to the working directory."),
		},
		Required: []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	pattern, _ := stringArg(input, "pattern")
	root, _ := stringArg(input, "path")
	root = resolvePath(tc, root)
	if !doublestar.ValidatePattern(pattern) {
		return Output{}, fmt.Errorf("invalid glob pattern %q", pattern)
	}

	slog.Info("Globbing files", "root", root, "pattern", pattern)
	var matches []string
	err := afero.Walk(t.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			if p != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return Output{}, fmt.Errorf("globbing %s: %w", root, err)
	}

	matches = sortedUnique(matches)
	total := len(matches)
	if total > maxGlobResults {
		matches = matches[:maxGlobResults]
	}
	text := strings.Join(matches, "\n")
	if total == 0 {
		text = "No files found."
	} else if total > maxGlobResults {
		text += fmt.Sprintf("\n... (%d more)", total-maxGlobResults)
	}
	return Output{Text: text, Metadata: map[string]any{"count": total}}, nil
}

// --- Grep Tool ---

type GrepTool struct{ fs afero.Fs }

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression. Returns matching lines as path:line:text."
}

func (t *GrepTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"pattern":          {Type: "string", Description: "The regular expression (RE2 syntax)."},
			"path":             pathSchema("File or directory to search. Defaults to the working directory."),
			"include":          {Type: "string", Description: "Glob of files to search, e.g. \"**/*.go\"."},
			"case_insensitive": {Type: "boolean"},
		},
		Required: []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, input map[string]any, tc *Context) (Output, error) {
	pattern, _ := stringArg(input, "pattern")
	root, _ := stringArg(input, "path")
	include, _ := stringArg(input, "include")
	if ci, _ := input["case_insensitive"].(bool); ci {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Output{}, fmt.Errorf("invalid pattern: %w", err)
	}
	root = resolvePath(tc, root)

	slog.Info("Searching files", "root", root, "pattern", pattern, "include", include)
	var (
		results  []string
		total    int
		searched int
	)
	err = afero.Walk(t.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			if p != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			rel = path.Base(filepath.ToSlash(p))
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, filepath.ToSlash(rel)); !ok {
				return nil
			}
		}

		f, err := t.fs.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		searched++

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if strings.IndexByte(text, 0) >= 0 {
				// Binary file.
				return nil
			}
			if re.MatchString(text) {
				total++
				if len(results) < maxGrepResults {
					results = append(results, fmt.Sprintf("%s:%d:%s", rel, line, text))
				}
			}
		}
		return nil
	})
	if err != nil {
		return Output{}, fmt.Errorf("searching %s: %w", root, err)
	}

	text := strings.Join(results, "\n")
	if total == 0 {
		text = "No matches found."
	} else if total > len(results) {
		text += fmt.Sprintf("\n... (%d more matches)", total-len(results))
	}
	return Output{Text: text, Metadata: map[string]any{"matches": total, "searched_files": searched}}, nil
}

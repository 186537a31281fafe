package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

const (
	ToolNameBash = "bash"

	defaultTimeout = 2 * time.Minute
	maxTimeout     = 10 * time.Minute
	maxOutput      = 30000
)

// BashTool runs shell commands in the session's sandbox.
type BashTool struct {
	Manager Manager
}

func (t *BashTool) Name() string { return ToolNameBash }

func (t *BashTool) Description() string {
	return "Run a bash command in the session's working directory. Returns combined stdout and stderr."
}

func (t *BashTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"command": {
				Type:        "string",
				Description: "The command to run.",
			},
			"timeout_seconds": {
				Type:        "integer",
				Description: "Timeout in seconds (default 120, max 600).",
			},
		},
		Required: []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
	command, _ := input["command"].(string)
	timeout := defaultTimeout
	if secs, ok := input["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = min(time.Duration(secs)*time.Second, maxTimeout)
	}

	var sessionID, workDir string
	if tc != nil {
		sessionID, workDir = tc.SessionID, tc.WorkDir
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("Running command", "sessionID", sessionID, "command", command)
	res, err := t.Manager.Exec(ctx, sessionID, workDir, command)
	if err != nil {
		return tools.Output{}, fmt.Errorf("command failed: %w", err)
	}

	output := res.Output
	if len(output) > maxOutput {
		cut := maxOutput
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut] + fmt.Sprintf("\n... (%d bytes truncated)", len(res.Output)-cut)
	}
	if res.ExitCode != 0 {
		return tools.Output{}, fmt.Errorf("exit code %d\n%s", res.ExitCode, output)
	}
	return tools.Output{Text: output, Metadata: map[string]any{"exit_code": res.ExitCode}}, nil
}

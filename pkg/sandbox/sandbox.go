package sandbox

import "context"

// Result represents the output of a command run in a sandbox.
type Result struct {
	// Output is the combined stdout and stderr.
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Manager defines the interface for managing per-session sandboxes.
type Manager interface {
	// Exec runs a shell command for the given session with workDir as the
	// current directory. The sandbox is started lazily.
	Exec(ctx context.Context, sessionID, workDir, command string) (*Result, error)

	// Stop terminates the sandbox for the given session.
	Stop(ctx context.Context, sessionID string) error

	// Close releases any resources held by the manager (e.g. docker client).
	Close() error
}

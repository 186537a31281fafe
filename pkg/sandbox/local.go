package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// LocalManager runs commands directly on the host with /bin/bash. It offers
// no isolation and is meant for trusted environments and tests.
type LocalManager struct {
	Shell string
}

var _ Manager = (*LocalManager)(nil)

func (m *LocalManager) Exec(ctx context.Context, sessionID, workDir, command string) (*Result, error) {
	shell := m.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	slog.Debug("Running local command", "sessionID", sessionID, "workDir", workDir)

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{Output: out.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	return &Result{Output: out.String()}, nil
}

func (m *LocalManager) Stop(ctx context.Context, sessionID string) error { return nil }

func (m *LocalManager) Close() error { return nil }

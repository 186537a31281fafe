package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mariozechner/coding-agent/core/pkg/sandbox"
)

const (
	DefaultImage = "golang:1.24"

	// containerWorkDir is where the session's work directory is mounted.
	containerWorkDir = "/workspace"
	sessionLabel     = "coding-agent.session"
)

// DockerManager implements sandbox.Manager with one long-lived container per
// session. Commands run through docker exec.
type DockerManager struct {
	cli   *client.Client
	image string

	mu    sync.Mutex // serializes container creation
	ready map[string]string
}

// Ensure DockerManager implements sandbox.Manager
var _ sandbox.Manager = (*DockerManager)(nil)

// New creates a DockerManager using the environment's docker settings. An
// empty image selects DefaultImage.
func New(image string) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	return &DockerManager{
		cli:   cli,
		image: image,
		ready: make(map[string]string),
	}, nil
}

func (m *DockerManager) Close() error {
	return m.cli.Close()
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(sessionID string) string {
	return "session-" + unsafeName.ReplaceAllString(sessionID, "-")
}

func (m *DockerManager) Exec(ctx context.Context, sessionID, workDir, command string) (*sandbox.Result, error) {
	id, err := m.ensureRunning(ctx, sessionID, workDir)
	if err != nil {
		return nil, err
	}

	exec, err := m.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          []string{"bash", "-lc", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   containerWorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := m.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	// The hijacked connection ignores ctx, so copy in the background and
	// close the connection on cancellation.
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, resp.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		resp.Close()
		<-done
		return nil, ctx.Err()
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &sandbox.Result{Output: out.String(), ExitCode: inspect.ExitCode}, nil
}

func (m *DockerManager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.ready, sessionID)
	m.mu.Unlock()

	err := m.cli.ContainerRemove(ctx, containerName(sessionID), types.ContainerRemoveOptions{
		Force: true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// ensureRunning returns the ID of the session's container, creating or
// starting it as needed.
func (m *DockerManager) ensureRunning(ctx context.Context, sessionID, workDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ready[sessionID]; ok {
		return id, nil
	}

	name := containerName(sessionID)
	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return "", fmt.Errorf("failed to inspect container: %w", err)
		}
		id, err := m.create(ctx, sessionID, workDir)
		if err != nil {
			return "", err
		}
		m.ready[sessionID] = id
		return id, nil
	}

	if !c.State.Running {
		if err := m.cli.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container: %w", err)
		}
	}
	m.ready[sessionID] = c.ID
	return c.ID, nil
}

func (m *DockerManager) create(ctx context.Context, sessionID, workDir string) (string, error) {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, m.image); err != nil {
		if !client.IsErrNotFound(err) {
			return "", fmt.Errorf("failed to inspect image: %w", err)
		}
		slog.Info("Pulling sandbox image", "image", m.image)
		rc, err := m.cli.ImagePull(ctx, m.image, types.ImagePullOptions{})
		if err != nil {
			return "", fmt.Errorf("sandbox image %q not available: %w", m.image, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("pulling image %q: %w", m.image, err)
		}
	}

	cfg := &container.Config{
		Image:      m.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkDir,
		Labels:     map[string]string{sessionLabel: sessionID},
	}
	hostCfg := &container.HostConfig{}
	if workDir != "" {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return "", fmt.Errorf("resolving work dir: %w", err)
		}
		hostCfg.Binds = []string{abs + ":" + containerWorkDir}
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	slog.Info("Started sandbox container", "sessionID", sessionID, "container", resp.ID[:12])
	return resp.ID, nil
}

// Package mcp exposes the tools of Model Context Protocol servers through a
// tools.Registry. Tools are registered as mcp_<server>_<tool>.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

// ServerConfig describes how to reach one MCP server. Command starts a stdio
// server; URL connects to a streamable HTTP server.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
}

func (c ServerConfig) transport(ctx context.Context) (mcpsdk.Transport, error) {
	switch {
	case c.Command != "":
		cmd := exec.CommandContext(ctx, c.Command, c.Args...)
		cmd.Env = append(os.Environ(), mapToEnvSlice(c.Env)...)
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case c.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: c.URL}, nil
	}
	return nil, fmt.Errorf("mcp server %q: either command or url is required", c.Name)
}

// Manager owns the client sessions of the connected servers.
type Manager struct {
	client   *mcpsdk.Client
	registry *tools.Registry

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	names    map[string][]string
}

// NewManager creates a Manager registering tools into registry.
func NewManager(registry *tools.Registry, version string) *Manager {
	return &Manager{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "coding-agent",
				Version: version,
			},
			nil,
		),
		registry: registry,
		sessions: make(map[string]*mcpsdk.ClientSession),
		names:    make(map[string][]string),
	}
}

// ConnectAll connects every configured server. A server that fails is logged
// and skipped so one broken server does not disable the others.
func (m *Manager) ConnectAll(ctx context.Context, configs []ServerConfig) {
	for _, cfg := range configs {
		if err := m.Connect(ctx, cfg); err != nil {
			slog.Error("Failed to connect MCP server", "server", cfg.Name, "error", err)
		}
	}
}

// Connect starts or dials the server and registers its tools.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	transport, err := cfg.transport(ctx)
	if err != nil {
		return err
	}
	return m.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport connects a server over an existing transport.
func (m *Manager) ConnectTransport(ctx context.Context, server string, transport mcpsdk.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to MCP server %q: %w", server, err)
	}

	res, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		session.Close()
		return fmt.Errorf("listing tools of MCP server %q: %w", server, err)
	}

	var registered []string
	for _, t := range res.Tools {
		tool, err := newTool(server, session, t)
		if err != nil {
			slog.Warn("Skipping MCP tool", "server", server, "tool", t.Name, "error", err)
			continue
		}
		if err := m.registry.Register(tool); err != nil {
			slog.Warn("Skipping MCP tool", "server", server, "tool", t.Name, "error", err)
			continue
		}
		registered = append(registered, tool.Name())
	}
	sort.Strings(registered)

	m.mu.Lock()
	if old, ok := m.sessions[server]; ok {
		old.Close()
	}
	m.sessions[server] = session
	m.names[server] = registered
	m.mu.Unlock()

	slog.Info("Connected MCP server", "server", server, "tools", len(registered))
	return nil
}

// Tools returns the registered tool names per server.
func (m *Manager) Tools() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.names))
	for k, v := range m.names {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Close unregisters all tools and closes every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for server, session := range m.sessions {
		for _, name := range m.names[server] {
			m.registry.Unregister(name)
		}
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(m.sessions)
	clear(m.names)
	return firstErr
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolName returns the registry name of an MCP tool.
func ToolName(server, tool string) string {
	return "mcp_" + invalidNameChars.ReplaceAllString(server, "_") + "_" + invalidNameChars.ReplaceAllString(tool, "_")
}

type tool struct {
	name        string
	remoteName  string
	description string
	schema      *jsonschema.Schema
	session     *mcpsdk.ClientSession
}

func newTool(server string, session *mcpsdk.ClientSession, t *mcpsdk.Tool) (*tool, error) {
	schema, err := normalizeSchema(t.InputSchema)
	if err != nil {
		return nil, err
	}
	return &tool{
		name:        ToolName(server, t.Name),
		remoteName:  t.Name,
		description: t.Description,
		schema:      schema,
		session:     session,
	}, nil
}

// normalizeSchema converts whatever the SDK decoded into a jsonschema.Schema.
func normalizeSchema(in any) (*jsonschema.Schema, error) {
	if in == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding input schema: %w", err)
	}
	if s.Type == "" && len(s.Types) == 0 {
		s.Type = "object"
	}
	return &s, nil
}

func (t *tool) Name() string                    { return t.name }
func (t *tool) Description() string             { return t.description }
func (t *tool) InputSchema() *jsonschema.Schema { return t.schema }

func (t *tool) Execute(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.remoteName,
		Arguments: input,
	})
	if err != nil {
		return tools.Output{}, fmt.Errorf("calling %s: %w", t.remoteName, err)
	}

	var parts []string
	for _, c := range res.Content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, c.Text)
		default:
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			parts = append(parts, string(data))
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return tools.Output{}, fmt.Errorf("%s", text)
	}
	return tools.Output{Text: text}, nil
}

// mapToEnvSlice converts map[string]string to []string in KEY=VALUE format.
func mapToEnvSlice(m map[string]string) []string {
	result := make([]string, 0, len(m))
	for k, v := range m {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

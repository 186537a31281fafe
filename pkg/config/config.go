// Package config loads the agent configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
	"github.com/mariozechner/coding-agent/core/pkg/tools/mcp"
)

// Environment variables read by Load.
const (
	EnvConfig   = "CODING_AGENT_CONFIG"
	EnvModel    = "CODING_AGENT_MODEL"
	EnvLogLevel = "CODING_AGENT_LOG_LEVEL"
	EnvAPIKey   = "GEMINI_API_KEY"
)

// Store drivers.
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the complete agent configuration.
type Config struct {
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	Temperature  *float32 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	MaxSteps     int      `yaml:"max_steps"`
	// Tools restricts the tools offered to the model. Empty offers all.
	Tools   []string `yaml:"tools"`
	WorkDir string   `yaml:"work_dir"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Permission permission.Config  `yaml:"permission"`
	Compaction compaction.Config  `yaml:"compaction"`
	Store      StoreConfig        `yaml:"store"`
	Sandbox    SandboxConfig      `yaml:"sandbox"`
	MCPServers []mcp.ServerConfig `yaml:"mcp_servers"`
	Server     ServerConfig       `yaml:"server"`
	Retry      runner.RetryConfig `yaml:"retry"`

	// APIKey comes from the environment only.
	APIKey string `yaml:"-"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is a directory for jsonl and a database file for sqlite.
	Path string `yaml:"path"`
}

type SandboxConfig struct {
	// Enabled runs the bash tool in a per-session Docker container. When
	// false, commands run on the host.
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model:      "gemini-2.0-flash",
		MaxSteps:   runner.DefaultMaxSteps,
		LogLevel:   "info",
		LogFile:    "agent.log",
		Compaction: compaction.DefaultConfig(),
		Store:      StoreConfig{Driver: DriverJSONL, Path: "./store"},
		Server:     ServerConfig{Addr: "127.0.0.1:8080"},
		Retry:      runner.RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path falls back to $CODING_AGENT_CONFIG;
// if that is unset too, only defaults and environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvModel); v != "" {
		c.Model = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	c.APIKey = os.Getenv(EnvAPIKey)
}

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, fmt.Errorf("temperature must be in [0, 2], got %v", *c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens))
	}
	if c.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("max_steps must not be negative, got %d", c.MaxSteps))
	}
	if !contains(logLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level must be one of %s, got %q", strings.Join(logLevels, ", "), c.LogLevel))
	}
	if err := c.Permission.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("permission: %w", err))
	}
	if c.Compaction.Enabled {
		if err := c.Compaction.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("compaction: %w", err))
		}
	}
	switch c.Store.Driver {
	case DriverJSONL, DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store: path is required for driver %s", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	for i, s := range c.MCPServers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name is required", i))
		}
		if (s.Command == "") == (s.URL == "") {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: exactly one of command and url must be set", i))
		}
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry: max_attempts must not be negative, got %d", c.Retry.MaxAttempts))
	}
	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Decision is the outcome of evaluating the policy for a tool name.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Response is the answer of an interactive confirmation.
type Response string

const (
	// AllowOnce permits the pending call only.
	AllowOnce Response = "allow_once"
	// AllowAlways permits the call and remembers the tool for the session.
	AllowAlways Response = "allow_always"
	// DenyOnce refuses the pending call only. The tool is asked about again next time.
	DenyOnce Response = "deny"
)

// ErrNoConfirmer is logged when a call needs confirmation but nobody can answer.
var ErrNoConfirmer = errors.New("no confirmation callback registered")

// ConfirmFunc asks the user whether call may run.
type ConfirmFunc func(ctx context.Context, call store.ToolCall) (Response, error)

// Config is the static part of the policy.
type Config struct {
	AllowAll    bool     `yaml:"allow_all" json:"allow_all"`
	AlwaysAllow []string `yaml:"always_allow" json:"always_allow"`
	AlwaysDeny  []string `yaml:"always_deny" json:"always_deny"`
	// DefaultMode applies when nothing else matches. Empty means Ask.
	DefaultMode Decision `yaml:"default_mode" json:"default_mode"`
}

// Validate checks the configured default mode.
func (c Config) Validate() error {
	switch c.DefaultMode {
	case "", Allow, Deny, Ask:
		return nil
	}
	return fmt.Errorf("invalid default_mode %q", c.DefaultMode)
}

// Gate combines the static policy with per-session overrides. The
// session-allowed and session-denied sets never share a name.
type Gate struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	allowed map[string]struct{}
	denied  map[string]struct{}
	confirm ConfirmFunc
}

// New creates a Gate with empty session sets. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:     cfg,
		logger:  logger,
		allowed: make(map[string]struct{}),
		denied:  make(map[string]struct{}),
	}
}

// SetConfirm registers the interactive confirmation callback. nil removes it.
func (g *Gate) SetConfirm(fn ConfirmFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirm = fn
}

// SwapConfirm installs fn and returns the callback it replaced.
func (g *Gate) SwapConfirm(fn ConfirmFunc) ConfirmFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.confirm
	g.confirm = fn
	return prev
}

// Decision evaluates the policy for name without side effects.
func (g *Gate) Decision(name string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decisionLocked(name)
}

func (g *Gate) decisionLocked(name string) Decision {
	if g.cfg.AllowAll {
		return Allow
	}
	if _, ok := g.denied[name]; ok {
		return Deny
	}
	if _, ok := g.allowed[name]; ok {
		return Allow
	}
	if matchAny(g.cfg.AlwaysDeny, name) {
		return Deny
	}
	if matchAny(g.cfg.AlwaysAllow, name) {
		return Allow
	}
	if g.cfg.DefaultMode == "" {
		return Ask
	}
	return g.cfg.DefaultMode
}

// Check reports whether call may run, asking the confirmation callback when
// the policy says Ask. An error from the callback is returned as is.
func (g *Gate) Check(ctx context.Context, call store.ToolCall) (bool, error) {
	g.mu.Lock()
	decision := g.decisionLocked(call.Name)
	confirm := g.confirm
	g.mu.Unlock()

	switch decision {
	case Allow:
		return true, nil
	case Deny:
		return false, nil
	}

	if confirm == nil {
		g.logger.Warn("Denying tool call", "tool", call.Name, "error", ErrNoConfirmer)
		return false, nil
	}

	resp, err := confirm(ctx, call)
	if err != nil {
		return false, err
	}
	switch resp {
	case AllowOnce:
		return true, nil
	case AllowAlways:
		g.AllowForSession(call.Name)
		return true, nil
	case DenyOnce:
		return false, nil
	default:
		g.logger.Warn("Unknown permission response, denying", "tool", call.Name, "response", resp)
		return false, nil
	}
}

// AllowForSession permits name for the rest of the session.
func (g *Gate) AllowForSession(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.denied, name)
	g.allowed[name] = struct{}{}
}

// DenyForSession refuses name for the rest of the session.
func (g *Gate) DenyForSession(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, name)
	g.denied[name] = struct{}{}
}

// IsAllowedForSession reports whether name was allowed for the session.
func (g *Gate) IsAllowedForSession(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.allowed[name]
	return ok
}

// IsDeniedForSession reports whether name was denied for the session.
func (g *Gate) IsDeniedForSession(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.denied[name]
	return ok
}

// ClearSession empties both session sets.
func (g *Gate) ClearSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.allowed)
	clear(g.denied)
}

// SessionAllowed returns the session-allowed tool names, sorted.
func (g *Gate) SessionAllowed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedKeys(g.allowed)
}

// SessionDenied returns the session-denied tool names, sorted.
func (g *Gate) SessionDenied() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedKeys(g.denied)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

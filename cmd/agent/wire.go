package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/config"
	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/models/gemini"
	"github.com/mariozechner/coding-agent/core/pkg/models/scripted"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
	"github.com/mariozechner/coding-agent/core/pkg/sandbox"
	"github.com/mariozechner/coding-agent/core/pkg/sandbox/docker"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/store/inmem"
	"github.com/mariozechner/coding-agent/core/pkg/store/jsonl"
	"github.com/mariozechner/coding-agent/core/pkg/store/sqlite"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
	"github.com/mariozechner/coding-agent/core/pkg/tools/mcp"
)

// app holds everything a front end needs to run sessions.
type app struct {
	cfg      *config.Config
	provider models.Provider
	store    store.Store
	bus      *event.Bus
	registry *prometheus.Registry
	sandbox  sandbox.Manager
	mcp      *mcp.Manager
	runner   *runner.Runner

	closeProvider func()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return inmem.New(), nil
	case config.DriverJSONL:
		m, err := jsonl.NewManager(cfg.Path)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newProvider(ctx context.Context, cfg *config.Config, mock bool) (models.Provider, func(), error) {
	if mock {
		return echoProvider(), func() {}, nil
	}
	if cfg.APIKey == "" {
		return nil, nil, fmt.Errorf("%s environment variable not set", config.EnvAPIKey)
	}
	g, err := gemini.New(ctx, cfg.APIKey)
	if err != nil {
		return nil, nil, err
	}
	return g, g.Close, nil
}

// echoProvider answers without a real model. Mentioning "todo" makes it call
// the todo_read tool so the permission flow can be tried offline.
func echoProvider() *scripted.Provider {
	p := scripted.New()
	p.Respond = func(req models.Request) scripted.Reply {
		if len(req.Messages) == 0 {
			return scripted.Text("Nothing to echo.")
		}
		last := req.Messages[len(req.Messages)-1]
		if len(last.ToolResults) > 0 {
			return scripted.Text(fmt.Sprintf("Tool %s returned:\n\n%s", last.ToolResults[0].Name, last.ToolResults[0].Result))
		}
		if strings.Contains(strings.ToLower(last.Content), "todo") {
			return scripted.Calls(store.ToolCall{Name: "todo_read", Arguments: map[string]any{}})
		}
		return scripted.Text(fmt.Sprintf("Echo from %s: %s", req.Model, last.Content))
	}
	return p
}

func newApp(ctx context.Context, cfg *config.Config, mock bool, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, closeProvider: func() {}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.provider, a.closeProvider, err = newProvider(ctx, cfg, mock)
	if err != nil {
		a.closeProvider = func() {}
		return nil, fmt.Errorf("initializing model provider: %w", err)
	}

	if a.store, err = openStore(cfg.Store); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.bus = event.NewBus(a.registry)

	reg := tools.NewRegistry()
	if err := tools.RegisterDefaults(reg, afero.NewOsFs()); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	if cfg.Sandbox.Enabled {
		dm, err := docker.New(cfg.Sandbox.Image)
		if err != nil {
			return nil, fmt.Errorf("initializing sandbox manager: %w", err)
		}
		a.sandbox = dm
	} else {
		a.sandbox = &sandbox.LocalManager{}
	}
	if err := reg.Register(&sandbox.BashTool{Manager: a.sandbox}); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	a.mcp = mcp.NewManager(reg, version)
	a.mcp.ConnectAll(ctx, cfg.MCPServers)

	var engine *compaction.Engine
	if cfg.Compaction.Enabled {
		engine = compaction.NewEngine(cfg.Compaction, a.provider, compaction.NewCharEstimator(), logger)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	a.runner, err = runner.New(runner.Options{
		Provider:     a.provider,
		Model:        cfg.Model,
		System:       cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		MaxSteps:     cfg.MaxSteps,
		Tools:        reg,
		AllowedTools: cfg.Tools,
		Store:        a.store,
		Compaction:   engine,
		Permission:   cfg.Permission,
		Title:        runner.ModelTitler(a.provider, cfg.Model),
		Bus:          a.bus,
		Logger:       logger,
		Registerer:   a.registry,
		WorkDir:      workDir,
		Retry:        cfg.Retry,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.mcp != nil {
		errs = append(errs, a.mcp.Close())
	}
	if a.sandbox != nil {
		errs = append(errs, a.sandbox.Close())
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	a.closeProvider()
	return errors.Join(errs...)
}

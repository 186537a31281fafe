// Command agent is a terminal coding assistant. It drives the turn loop from
// a chat TUI or serves sessions over HTTP and websockets.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	agent [flags] [chat|serve|sessions]
//
// Chat commands:
//
//	/exit          - Exit the program
//	/compact       - Summarize the middle of the conversation
//	/allow <tool>  - Allow a tool for the rest of the session
//	/deny <tool>   - Deny a tool for the rest of the session
//	<message>      - Send a message to the agent
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mariozechner/coding-agent/core/pkg/config"
	"github.com/mariozechner/coding-agent/core/pkg/server"
)

const version = "0.1.0"

const shutdownTimeout = 10 * time.Second

type options struct {
	configPath string
	logLevel   string
	session    string
	addr       string
	mock       bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn or error (overrides the config)")
	flagSet.StringVarP(&opts.session, "session", "s", "", "resume this session (chat)")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address (serve, overrides the config)")
	flagSet.BoolVar(&opts.mock, "mock", false, "use an offline echo model instead of Gemini")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	command := "chat"
	if rest := flagSet.Args(); len(rest) > 0 {
		command = rest[0]
		if len(rest) > 1 {
			return fmt.Errorf("unexpected argument: %s", rest[1])
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "chat":
		return runChat(ctx, cfg, opts, level)
	case "serve":
		return runServe(ctx, cfg, opts, level)
	case "sessions":
		return runSessions(ctx, cfg)
	}
	return fmt.Errorf("unknown command %q", command)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `agent %s, a terminal coding assistant.

Commands:
  chat       interactive chat in the terminal (default)
  serve      serve sessions over HTTP and websockets
  sessions   list stored sessions

Flags:
%s`, version, flagSet.FlagUsages())
}

// runChat logs to the configured file since the TUI owns the terminal.
func runChat(ctx context.Context, cfg *config.Config, opts options, level slog.Level) error {
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	logger := newLogger(f, level, true)
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", level)

	a, err := newApp(ctx, cfg, opts.mock, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return runTUI(ctx, a, opts.session)
}

func runServe(ctx context.Context, cfg *config.Config, opts options, level slog.Level) error {
	logger := newLogger(os.Stderr, level, false)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, opts.mock, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a.runner, a.bus, a.provider, a.registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runSessions(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TITLE", "MODEL", "MESSAGES", "UPDATED")
	for _, s := range sessions {
		t.Row(s.ID, s.Title, s.Model, fmt.Sprint(s.MessageCount), s.UpdatedAt.Local().Format(time.RFC822))
	}
	fmt.Println(t.Render())
	return nil
}

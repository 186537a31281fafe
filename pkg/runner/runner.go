// Package runner drives multi-step tool-calling turns for agent sessions.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

var (
	// ErrTurnInProgress is returned when a session already has an active turn
	// or compaction.
	ErrTurnInProgress = errors.New("turn in progress")
	// ErrSessionNotFound is store.ErrSessionNotFound, re-exported for callers
	// that only import runner.
	ErrSessionNotFound = store.ErrSessionNotFound
	// ErrProvider wraps failures of the model provider.
	ErrProvider = errors.New("provider error")
	// ErrMaxSteps is returned when a turn needs more model calls than allowed.
	ErrMaxSteps = errors.New("maximum steps per turn exceeded")
	// ErrEmptyPrompt is returned by Prompt for blank input.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrCompactionDisabled is returned by Compact when no engine is configured.
	ErrCompactionDisabled = errors.New("compaction is not configured")
)

const (
	DefaultMaxSteps = 50

	DefaultSystemPrompt = "You are a coding assistant working in the user's repository. " +
		"Use the available tools to inspect and change files and to run commands. " +
		"Prefer small, verifiable steps. Answer in Markdown."

	titleTimeout = 30 * time.Second
)

// RetryConfig bounds retries of the provider call before any output arrived.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// EditSummaryFunc may rewrite a compaction summary before it is applied. It
// is only consulted when compaction.Config.AllowSummaryEdit is set.
type EditSummaryFunc func(ctx context.Context, sessionID, summary string) (string, error)

// Options configures a Runner. Provider, Tools and Store are required.
type Options struct {
	Provider    models.Provider
	Model       string
	System      string
	Temperature *float32
	MaxTokens   int
	// MaxSteps bounds model calls per turn. Zero means DefaultMaxSteps.
	MaxSteps int

	Tools *tools.Registry
	// AllowedTools restricts the tools offered to the model. Patterns use
	// permission.MatchPattern syntax.
	AllowedTools []string

	Store store.Store
	// Compaction is optional; nil disables compaction.
	Compaction  *compaction.Engine
	EditSummary EditSummaryFunc

	Permission permission.Config
	// Confirm is installed on the gate of every session. Front ends may
	// replace it per session via Session.Gate().
	Confirm permission.ConfirmFunc

	// Title names a session after its first completed turn.
	Title TitleFunc

	Bus        *event.Bus
	Logger     *slog.Logger
	Registerer prometheus.Registerer

	WorkDir    string
	Extensions map[string]any
	Retry      RetryConfig
}

// Runner owns the sessions of one process and runs their turns. Sessions
// share no mutable state; turns of different sessions may run concurrently.
type Runner struct {
	opts    Options
	logger  *slog.Logger
	metrics *runnerMetrics

	mu       sync.Mutex
	sessions map[string]*Session

	background sync.WaitGroup
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Provider == nil {
		return nil, errors.New("runner: provider is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("runner: tool registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("runner: store is required")
	}
	if err := opts.Permission.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.System == "" {
		opts.System = DefaultSystemPrompt
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:     opts,
		logger:   logger,
		metrics:  newRunnerMetrics(opts.Registerer),
		sessions: make(map[string]*Session),
	}, nil
}

// CreateSession starts a new, empty session. An empty workDir uses the
// runner's default.
func (r *Runner) CreateSession(ctx context.Context, workDir string) (*Session, error) {
	if workDir == "" {
		workDir = r.opts.WorkDir
	}
	info := store.SessionInfo{
		ID:      uuid.New().String(),
		Model:   r.opts.Model,
		WorkDir: workDir,
	}
	if err := r.opts.Store.CreateSession(ctx, info); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s := r.newSession(info, nil)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Info("Created session", "sessionID", s.id, "workDir", workDir)
	return s, nil
}

// Session returns a session, loading it from the store on first use. The
// store is read without holding the runner lock; when two callers load the
// same session concurrently, the first to finish wins.
func (r *Runner) Session(ctx context.Context, id string) (*Session, error) {
	if s := r.cached(id); s != nil {
		return s, nil
	}

	info, err := r.opts.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := r.opts.Store.Messages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}
	loaded := r.newSession(*info, msgs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	r.sessions[id] = loaded
	r.logger.Debug("Loaded session", "sessionID", id, "messages", len(msgs))
	return loaded, nil
}

func (r *Runner) cached(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Sessions lists the stored sessions.
func (r *Runner) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	return r.opts.Store.ListSessions(ctx)
}

func (r *Runner) newSession(info store.SessionInfo, history []store.Message) *Session {
	model := info.Model
	if model == "" {
		model = r.opts.Model
	}
	s := &Session{
		id:      info.ID,
		workDir: info.WorkDir,
		model:   model,
		gate:    permission.New(r.opts.Permission, r.logger),
		todos:   &tools.TodoList{},
		phase:   &tools.Phase{},
	}
	if history == nil {
		history = []store.Message{}
	}
	s.history.Store(&history)
	s.state.Store(StateIdle)
	s.titled.Store(info.Title != "")
	if r.opts.Confirm != nil {
		s.gate.SetConfirm(r.opts.Confirm)
	}
	return s
}

// Prompt runs one turn: it appends text as a user message and calls the
// model, executing requested tools, until the model answers without tool
// calls. Events are passed to onEvent, which may be nil, and published on the
// bus.
//
// A provider failure emits an error event and returns an error wrapping
// ErrProvider; the session stays usable. When ctx is cancelled or Abort is
// called, the partial answer is returned together with the context error.
func (r *Runner) Prompt(ctx context.Context, sessionID, text string, onEvent func(event.Event)) (*store.Message, error) {
	if text == "" {
		return nil, ErrEmptyPrompt
	}
	s, err := r.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer s.busy.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	start := time.Now()
	t := r.newTurn(ctx, s, onEvent)
	msg, err := t.run(text)
	r.metrics.observeTurn(outcome(err), time.Since(start))

	if err == nil {
		r.maybeTitle(ctx, s)
	}
	return msg, err
}

// Abort cancels the active turn of a session. It reports whether a turn was
// running.
func (r *Runner) Abort(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.abort()
}

// Compact summarizes the session's history now, regardless of thresholds.
// It is used when auto compaction is off.
func (r *Runner) Compact(ctx context.Context, sessionID string) (*compaction.Result, error) {
	if r.opts.Compaction == nil {
		return nil, ErrCompactionDisabled
	}
	s, err := r.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer s.busy.Store(false)

	if r.opts.Compaction.Prunable(s.Messages()) == 0 {
		return nil, compaction.ErrNothingToCompact
	}
	emit := func(e event.Event) { r.emit(ctx, s, nil, e) }
	return r.compact(ctx, s, emit)
}

// compact summarizes the session history and swaps it for the compacted one.
// On failure the history is left as it was.
func (r *Runner) compact(ctx context.Context, s *Session, emit func(event.Event)) (*compaction.Result, error) {
	eng := r.opts.Compaction
	s.setState(StateCompacting)
	emit(event.NewCompaction(event.CompactionStart, s.id, event.CompactionPayload{}))

	before := s.snapshot()
	res, err := eng.Compact(ctx, before, s.model)
	if err == nil && eng.Config().AllowSummaryEdit && r.opts.EditSummary != nil {
		var edited string
		edited, err = r.opts.EditSummary(ctx, s.id, res.Summary)
		if err == nil && edited != "" {
			res.Summary = edited
			res.CompactedTokens = eng.Estimator().EstimateText(edited)
			if res.OriginalTokens > 0 {
				res.CompressionRatio = float64(res.CompactedTokens) / float64(res.OriginalTokens)
			}
		}
	}
	if err == nil {
		err = s.replace(context.WithoutCancel(ctx), r.opts.Store, eng.BuildCompactedMessages(before, res.Summary))
	}
	if err != nil {
		r.logger.Warn("Compaction failed", "sessionID", s.id, "error", err)
		r.metrics.incCompaction("error")
		emit(event.NewCompaction(event.CompactionError, s.id, event.CompactionPayload{Error: err.Error()}))
		return nil, err
	}

	r.metrics.incCompaction("ok")
	emit(event.NewCompaction(event.CompactionComplete, s.id, event.CompactionPayload{
		CompactionID:     res.ID,
		Summary:          res.Summary,
		MessagesPruned:   res.MessagesPruned,
		OriginalTokens:   res.OriginalTokens,
		CompactedTokens:  res.CompactedTokens,
		CompressionRatio: res.CompressionRatio,
	}))
	return res, nil
}

// emit stamps e with the session's next sequence number and delivers it to
// onEvent and the bus.
func (r *Runner) emit(ctx context.Context, s *Session, onEvent func(event.Event), e event.Event) {
	e.SessionID = s.id
	e.Seq = s.seq.Add(1)
	if onEvent != nil {
		onEvent(e)
	}
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(ctx, e)
	}
}

// Close waits for background work such as title generation.
func (r *Runner) Close() error {
	r.background.Wait()
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	default:
		return "error"
	}
}

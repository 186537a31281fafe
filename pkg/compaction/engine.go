package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

var (
	// ErrNothingToCompact is returned by Compact when the history has no
	// messages between the inception and working windows.
	ErrNothingToCompact = errors.New("no messages to compact")
	// ErrEmptySummary is returned when the summarizer produced no text.
	ErrEmptySummary = errors.New("model returned empty compaction summary")
)

// Stats describes why compaction is due.
type Stats struct {
	CurrentTokens     int
	Threshold         int
	MessagesToCompact int
}

// Result is the outcome of a compaction pass. It does not modify history;
// use BuildCompactedMessages to apply it.
type Result struct {
	ID               string
	Summary          string
	OriginalTokens   int
	CompactedTokens  int
	MessagesPruned   int
	CompressionRatio float64
}

// Engine decides when history needs to shrink and summarizes the middle of
// it. It holds no history of its own.
type Engine struct {
	cfg       Config
	provider  models.Provider
	estimator Estimator
	logger    *slog.Logger
}

// NewEngine creates an Engine. A nil estimator uses a CharEstimator and a
// nil logger uses slog.Default(). Negative window counts are treated as zero.
func NewEngine(cfg Config, provider models.Provider, estimator Estimator, logger *slog.Logger) *Engine {
	if estimator == nil {
		estimator = NewCharEstimator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InceptionCount < 0 || cfg.WorkingWindowCount < 0 {
		logger.Warn("Clamping negative compaction windows",
			"inceptionCount", cfg.InceptionCount,
			"workingWindowCount", cfg.WorkingWindowCount,
		)
		cfg.InceptionCount = max(0, cfg.InceptionCount)
		cfg.WorkingWindowCount = max(0, cfg.WorkingWindowCount)
	}
	return &Engine{cfg: cfg, provider: provider, estimator: estimator, logger: logger}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Estimator returns the token estimator in use.
func (e *Engine) Estimator() Estimator { return e.estimator }

func (e *Engine) eligible(n int) int {
	return max(0, n-e.cfg.InceptionCount-e.cfg.WorkingWindowCount)
}

// Prunable returns how many messages lie between the inception and working
// windows. Compact fails when it is zero.
func (e *Engine) Prunable(messages []store.Message) int {
	return e.eligible(len(messages))
}

// ShouldCompact returns non-nil Stats when messages should be compacted for
// model. Either threshold triggers on its own. A history without a prunable
// middle never triggers.
func (e *Engine) ShouldCompact(messages []store.Message, model string) *Stats {
	if !e.cfg.Enabled {
		return nil
	}
	current := e.estimator.EstimateMessages(messages)
	threshold := int(e.cfg.TokenThreshold * float64(ContextLimit(model)))

	eligible := e.eligible(len(messages))
	if eligible == 0 {
		return nil
	}

	byTokens := current >= threshold
	byCount := e.cfg.MessageThreshold > 0 && len(messages) >= e.cfg.MessageThreshold
	if !byTokens && !byCount {
		return nil
	}

	e.logger.Debug("Compaction due",
		"estimatedTokens", current,
		"threshold", threshold,
		"messages", len(messages),
		"eligible", eligible,
	)
	return &Stats{CurrentTokens: current, Threshold: threshold, MessagesToCompact: eligible}
}

// Compact summarizes the messages between the inception and working windows
// using the configured summarization model, or activeModel if none is set.
func (e *Engine) Compact(ctx context.Context, messages []store.Message, activeModel string) (*Result, error) {
	if e.eligible(len(messages)) == 0 {
		return nil, ErrNothingToCompact
	}
	middle := messages[e.cfg.InceptionCount : len(messages)-e.cfg.WorkingWindowCount]

	model := e.cfg.Model
	if model == "" {
		model = activeModel
	}

	resp, err := models.Complete(ctx, e.provider, models.Request{
		Model:     model,
		System:    summarizerSystemPrompt,
		Messages:  []store.Message{store.NewUserMessage(renderTranscript(middle))},
		MaxTokens: e.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("calling model for compaction: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return nil, ErrEmptySummary
	}

	res := &Result{
		ID:              uuid.New().String(),
		Summary:         summary,
		OriginalTokens:  e.estimator.EstimateMessages(middle),
		CompactedTokens: e.estimator.EstimateText(summary),
		MessagesPruned:  len(middle),
	}
	if res.OriginalTokens > 0 {
		res.CompressionRatio = float64(res.CompactedTokens) / float64(res.OriginalTokens)
	}

	e.logger.Info("Compacted conversation",
		"compactionID", res.ID,
		"model", model,
		"messagesPruned", res.MessagesPruned,
		"originalTokens", res.OriginalTokens,
		"compactedTokens", res.CompactedTokens,
	)
	return res, nil
}

// BuildCompactedMessages returns the inception window, a summary message and
// the working window. When the windows overlap every original message is kept
// exactly once, in order, with the summary after the inception window.
func (e *Engine) BuildCompactedMessages(messages []store.Message, summary string) []store.Message {
	n := len(messages)
	inception := min(max(e.cfg.InceptionCount, 0), n)
	workStart := max(inception, n-max(e.cfg.WorkingWindowCount, 0))

	out := make([]store.Message, 0, inception+1+n-workStart)
	out = append(out, messages[:inception]...)
	out = append(out, NewSummaryMessage(summary))
	out = append(out, messages[workStart:]...)
	return out
}

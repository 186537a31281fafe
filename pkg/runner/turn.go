package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

// turn is the state of one Prompt call.
type turn struct {
	r       *Runner
	s       *Session
	ctx     context.Context
	onEvent func(event.Event)
	tc      *tools.Context
}

func (r *Runner) newTurn(ctx context.Context, s *Session, onEvent func(event.Event)) *turn {
	t := &turn{r: r, s: s, ctx: ctx, onEvent: onEvent}
	t.tc = &tools.Context{
		WorkDir:    s.workDir,
		SessionID:  s.id,
		Todos:      s.todos,
		Phase:      s.phase,
		Emit:       t.emit,
		Extensions: r.opts.Extensions,
	}
	return t
}

func (t *turn) emit(e event.Event) {
	t.r.emit(t.ctx, t.s, t.onEvent, e)
}

// persistCtx outlives an abort so that what happened before it is recorded.
func (t *turn) persistCtx() context.Context {
	return context.WithoutCancel(t.ctx)
}

func (t *turn) run(text string) (*store.Message, error) {
	user := store.NewUserMessage(text)
	if err := t.s.append(t.persistCtx(), t.r.opts.Store, user); err != nil {
		return nil, t.fail(fmt.Errorf("saving user message: %w", err))
	}
	t.emit(event.NewUserMessage(t.s.id, user))

	for step := 0; step < t.r.opts.MaxSteps; step++ {
		t.s.setState(StateStreaming)
		resp, partial, err := t.callModel()
		if err != nil {
			if t.ctx.Err() != nil {
				return t.finishAborted(partial)
			}
			return nil, t.fail(fmt.Errorf("%w: %w", ErrProvider, err))
		}

		if len(resp.ToolCalls) == 0 {
			t.s.setState(StateCompleting)
			msg := store.NewAssistantMessage(resp.Content, nil)
			msg.ID = partial.id
			t.emit(event.NewMessageComplete(t.s.id, msg))
			if err := t.s.append(t.persistCtx(), t.r.opts.Store, msg); err != nil {
				return nil, t.fail(fmt.Errorf("saving assistant message: %w", err))
			}
			t.s.setState(StateIdle)
			return &msg, nil
		}

		calls := normalizeCalls(resp.ToolCalls)
		assistant := store.NewAssistantMessage(resp.Content, calls)
		assistant.ID = partial.id

		results := make([]store.ToolResult, 0, len(calls))
		for _, call := range calls {
			if t.ctx.Err() != nil {
				results = append(results, store.ToolResult{
					ID:      call.ID,
					Name:    call.Name,
					Result:  "Error: turn aborted before the tool ran",
					IsError: true,
				})
				continue
			}
			results = append(results, t.runTool(call))
		}

		if err := t.s.append(t.persistCtx(), t.r.opts.Store, assistant, store.NewToolResultsMessage(results)); err != nil {
			return nil, t.fail(fmt.Errorf("saving tool results: %w", err))
		}
		if err := t.ctx.Err(); err != nil {
			t.emit(event.NewMessageComplete(t.s.id, assistant))
			t.s.setState(StateIdle)
			return &assistant, err
		}

		t.maybeCompact()
	}

	return nil, t.fail(fmt.Errorf("%w (%d)", ErrMaxSteps, t.r.opts.MaxSteps))
}

// fail emits err as an error event and returns it.
func (t *turn) fail(err error) error {
	t.r.logger.Error("Turn failed", "sessionID", t.s.id, "error", err)
	t.s.setState(StateErrored)
	t.emit(event.NewError(t.s.id, err))
	return err
}

// finishAborted completes the message that was streaming when the turn was
// cancelled. message.complete is only sent when message.start was. Empty
// partial answers are not added to the history.
func (t *turn) finishAborted(partial *streamed) (*store.Message, error) {
	t.r.logger.Info("Turn aborted", "sessionID", t.s.id)
	msg := store.NewAssistantMessage(partial.text.String(), nil)
	msg.ID = partial.id
	if partial.started {
		t.emit(event.NewMessageComplete(t.s.id, msg))
	}
	if msg.Content != "" {
		if err := t.s.append(t.persistCtx(), t.r.opts.Store, msg); err != nil {
			t.r.logger.Error("Saving partial answer failed", "sessionID", t.s.id, "error", err)
		}
	}
	t.s.setState(StateIdle)
	return &msg, t.ctx.Err()
}

// streamed tracks the text forwarded so far for one model call.
type streamed struct {
	id      string
	started bool
	text    strings.Builder
}

func (t *turn) callModel() (models.Response, *streamed, error) {
	history := t.s.snapshot()
	req := models.Request{
		Model:       t.s.model,
		System:      t.systemPrompt(),
		Messages:    history,
		Tools:       t.r.opts.Tools.Schemas(t.r.opts.AllowedTools),
		Temperature: t.r.opts.Temperature,
		MaxTokens:   t.r.opts.MaxTokens,
	}
	partial := &streamed{id: uuid.New().String()}

	stream, err := t.openStream(req)
	if err != nil {
		return models.Response{}, partial, err
	}
	defer stream.Close()

	resp, err := models.Drain(stream, func(c models.Chunk) {
		if !partial.started {
			partial.started = true
			t.emit(event.NewMessageStart(t.s.id, partial.id))
		}
		partial.text.WriteString(c.Text)
		t.emit(event.NewMessageDelta(t.s.id, partial.id, c.Text))
	})
	if err != nil {
		return models.Response{}, partial, err
	}

	if eng := t.r.opts.Compaction; eng != nil && resp.Usage.InputTokens > 0 {
		if u, ok := eng.Estimator().(usageRecorder); ok {
			u.RecordUsage(history, resp.Usage.InputTokens)
		}
	}
	t.r.metrics.addTokens(resp.Usage)
	return resp, partial, nil
}

// openStream starts the provider call. Failures before any chunk was
// received are retried with exponential backoff.
func (t *turn) openStream(req models.Request) (models.Stream, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.r.opts.Retry.InitialDelay

	attempt := 0
	return backoff.Retry(t.ctx, func() (models.Stream, error) {
		attempt++
		s, err := t.r.opts.Provider.Stream(t.ctx, req)
		if err != nil && t.ctx.Err() != nil {
			return nil, backoff.Permanent(t.ctx.Err())
		}
		if err != nil {
			t.r.logger.Warn("Model call failed", "sessionID", t.s.id, "attempt", attempt, "error", err)
		}
		return s, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(t.r.opts.Retry.MaxAttempts)),
	)
}

func (t *turn) systemPrompt() string {
	if t.s.workDir == "" {
		return t.r.opts.System
	}
	return t.r.opts.System + "\n\nWorking directory: " + t.s.workDir
}

// runTool takes call through the permission gate and the registry. It never
// fails; every outcome is a ToolResult.
func (t *turn) runTool(call store.ToolCall) store.ToolResult {
	t.s.setState(StateToolPending)
	gate := t.s.gate

	asked := gate.Decision(call.Name) == permission.Ask
	if asked {
		t.s.setState(StatePermissionPending)
		t.emit(event.NewTool(event.ToolPermissionRequest, t.s.id, call, nil))
	}

	allowed, err := gate.Check(t.ctx, call)
	if err != nil {
		res := errorResult(call, fmt.Errorf("permission check failed: %w", err))
		t.r.metrics.incTool(call.Name, "error")
		t.emit(event.NewTool(event.ToolComplete, t.s.id, call, &res))
		return res
	}
	if !allowed {
		res := store.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Result:  fmt.Sprintf("Permission denied: tool %q was not run.", call.Name),
			IsError: true,
		}
		t.r.logger.Info("Tool call denied", "sessionID", t.s.id, "tool", call.Name)
		t.r.metrics.incTool(call.Name, "denied")
		t.emit(event.NewTool(event.ToolPermissionDenied, t.s.id, call, &res))
		return res
	}
	if asked {
		t.emit(event.NewTool(event.ToolPermissionGranted, t.s.id, call, nil))
	}

	t.s.setState(StateToolExecuting)
	t.emit(event.NewTool(event.ToolStart, t.s.id, call, nil))

	start := time.Now()
	out, err := t.r.opts.Tools.Execute(t.ctx, call, t.tc)
	res := store.ToolResult{ID: call.ID, Name: call.Name, Result: out.Text}
	if err != nil {
		res = errorResult(call, err)
		t.r.logger.Warn("Tool failed", "sessionID", t.s.id, "tool", call.Name, "error", err)
		t.r.metrics.incTool(call.Name, "error")
	} else {
		t.r.logger.Info("Executed tool", "sessionID", t.s.id, "tool", call.Name, "duration", time.Since(start))
		t.r.metrics.incTool(call.Name, "ok")
	}
	t.emit(event.NewTool(event.ToolComplete, t.s.id, call, &res))
	return res
}

func errorResult(call store.ToolCall, err error) store.ToolResult {
	return store.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Result:  "Error: " + err.Error(),
		IsError: true,
	}
}

// normalizeCalls gives every call an ID so results can be matched to it.
func normalizeCalls(calls []store.ToolCall) []store.ToolCall {
	out := make([]store.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call-" + uuid.New().String()
		}
		out[i] = c
	}
	return out
}

// maybeCompact checks the history after a tool round and compacts it when
// due. Failures are reported as events only.
func (t *turn) maybeCompact() {
	eng := t.r.opts.Compaction
	if eng == nil {
		return
	}
	stats := eng.ShouldCompact(t.s.snapshot(), t.s.model)
	if stats == nil {
		return
	}
	t.emit(event.NewCompaction(event.CompactionPending, t.s.id, event.CompactionPayload{
		CurrentTokens:     stats.CurrentTokens,
		Threshold:         stats.Threshold,
		MessagesToCompact: stats.MessagesToCompact,
	}))
	if !eng.Config().AutoCompact {
		return
	}
	// Failure leaves the history untouched and is already reported.
	t.r.compact(t.ctx, t.s, t.emit)
}

// usageRecorder is implemented by estimators that calibrate themselves from
// provider token counts.
type usageRecorder interface {
	RecordUsage(msgs []store.Message, inputTokens int)
}

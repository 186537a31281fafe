package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/models/scripted"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/store/inmem"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

// funcTool is a tools.Tool backed by a function.
type funcTool struct {
	name string
	fn   func(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error)
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "test tool " + f.name }
func (f *funcTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}
func (f *funcTool) Execute(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
	return f.fn(ctx, input, tc)
}

func echoTool(name string) *funcTool {
	return &funcTool{name: name, fn: func(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
		text, _ := input["text"].(string)
		return tools.Output{Text: "echo: " + text}, nil
	}}
}

func failingTool(name string, err error) *funcTool {
	return &funcTool{name: name, fn: func(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
		return tools.Output{}, err
	}}
}

// recorder collects the events of a turn.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// types returns the event types, keeping only those in keep when given.
func (r *recorder) types(keep ...event.Type) []event.Type {
	var out []event.Type
	for _, e := range r.all() {
		if len(keep) == 0 || contains(keep, e.Type) {
			out = append(out, e.Type)
		}
	}
	return out
}

func contains(ts []event.Type, t event.Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

var toolAndComplete = []event.Type{
	event.ToolStart, event.ToolComplete,
	event.ToolPermissionRequest, event.ToolPermissionGranted, event.ToolPermissionDenied,
	event.MessageComplete,
}

type harness struct {
	runner   *Runner
	provider *scripted.Provider
	store    *inmem.Store
	registry *tools.Registry
	session  *Session
	rec      *recorder
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		provider: scripted.New(),
		store:    inmem.New(),
		registry: tools.NewRegistry(),
		rec:      &recorder{},
	}
	opts := Options{
		Provider:   h.provider,
		Model:      "gemini-2.0-flash",
		Tools:      h.registry,
		Store:      h.store,
		Permission: permission.Config{AllowAll: true},
		Retry:      RetryConfig{MaxAttempts: 1},
		WorkDir:    "/work",
	}
	if configure != nil {
		configure(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	h.runner = r

	s, err := r.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.session = s
	return h
}

func (h *harness) register(t *testing.T, ts ...tools.Tool) {
	t.Helper()
	for _, tool := range ts {
		if err := h.registry.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}
}

func (h *harness) prompt(t *testing.T, text string) (*store.Message, error) {
	t.Helper()
	return h.runner.Prompt(context.Background(), h.session.ID(), text, h.rec.record)
}

func call(id, name string, args map[string]any) store.ToolCall {
	return store.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestPromptTextOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(scripted.Reply{Chunks: []string{"Hel", "lo"}})

	msg, err := h.prompt(t, "hi")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if msg.Content != "Hello" || msg.Role != store.RoleAssistant {
		t.Errorf("final message = %+v", msg)
	}

	want := []event.Type{event.UserMessage, event.MessageStart, event.MessageDelta, event.MessageDelta, event.MessageComplete}
	if diff := cmp.Diff(want, h.rec.types()); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}

	events := h.rec.all()
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("event %d seq %d not after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
	if events[1].Delta.MessageID != msg.ID || events[2].Delta.Text != "Hel" || events[3].Delta.Text != "lo" {
		t.Errorf("deltas do not match final message: %+v %+v", events[2].Delta, events[3].Delta)
	}

	history := h.session.Messages()
	if len(history) != 2 || history[0].Content != "hi" || history[1].ID != msg.ID {
		t.Errorf("history = %+v", history)
	}
	stored, _ := h.store.Messages(context.Background(), h.session.ID())
	if len(stored) != 2 {
		t.Errorf("stored %d messages, want 2", len(stored))
	}
	if h.session.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.session.State())
	}

	req := h.provider.Requests()[0]
	if !strings.Contains(req.System, "Working directory: /work") {
		t.Errorf("system prompt = %q", req.System)
	}
}

func TestPromptDeniedTool(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Permission = permission.Config{AlwaysDeny: []string{"bash"}}
	})
	executed := false
	h.register(t, &funcTool{name: "bash", fn: func(context.Context, map[string]any, *tools.Context) (tools.Output, error) {
		executed = true
		return tools.Output{}, nil
	}})
	h.provider.Push(
		scripted.Calls(call("c1", "bash", map[string]any{"command": "rm -rf /"})),
		scripted.Text("I was not allowed to do that."),
	)

	if _, err := h.prompt(t, "clean up"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if executed {
		t.Error("denied tool was executed")
	}

	want := []event.Type{event.ToolPermissionDenied, event.MessageComplete}
	if diff := cmp.Diff(want, h.rec.types(toolAndComplete...)); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}

	history := h.session.Messages()
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	results := history[2].ToolResults
	if len(results) != 1 || !results[0].IsError || results[0].ID != "c1" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Result != `Permission denied: tool "bash" was not run.` {
		t.Errorf("denial text = %q", results[0].Result)
	}
}

func TestPromptSequentialToolsSecondFails(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, echoTool("echo"), failingTool("broken", errors.New("boom")))
	h.provider.Push(
		scripted.Calls(
			call("c1", "echo", map[string]any{"text": "one"}),
			call("c2", "broken", nil),
		),
		scripted.Text("done"),
	)

	if _, err := h.prompt(t, "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	want := []event.Type{event.ToolStart, event.ToolComplete, event.ToolStart, event.ToolComplete, event.MessageComplete}
	if diff := cmp.Diff(want, h.rec.types(toolAndComplete...)); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}

	history := h.session.Messages()
	wantResults := []store.ToolResult{
		{ID: "c1", Name: "echo", Result: "echo: one"},
		{ID: "c2", Name: "broken", Result: "Error: boom", IsError: true},
	}
	if diff := cmp.Diff(wantResults, history[2].ToolResults); diff != "" {
		t.Errorf("tool results mismatch (-want +got):\n%s", diff)
	}
	if len(history[1].ToolCalls) != 2 {
		t.Errorf("assistant message carries %d calls, want 2", len(history[1].ToolCalls))
	}

	// The next request carries the results back to the model.
	reqs := h.provider.Requests()
	if len(reqs) != 2 || len(reqs[1].Messages) != 3 {
		t.Errorf("second request messages = %d", len(reqs[1].Messages))
	}
}

func TestPromptToolPanicAndUnknownTool(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, &funcTool{name: "explode", fn: func(context.Context, map[string]any, *tools.Context) (tools.Output, error) {
		panic("kaboom")
	}})
	h.provider.Push(
		scripted.Calls(call("c1", "explode", nil), call("c2", "missing", nil)),
		scripted.Text("recovered"),
	)

	msg, err := h.prompt(t, "go")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if msg.Content != "recovered" {
		t.Errorf("final = %q", msg.Content)
	}
	results := h.session.Messages()[2].ToolResults
	if !results[0].IsError || !strings.Contains(results[0].Result, "panicked") {
		t.Errorf("panic result = %+v", results[0])
	}
	if !results[1].IsError || !strings.Contains(results[1].Result, tools.ErrToolNotFound.Error()) {
		t.Errorf("unknown tool result = %+v", results[1])
	}
}

func TestPromptAssignsMissingCallIDs(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("", "echo", nil)), scripted.Text("ok"))

	if _, err := h.prompt(t, "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	history := h.session.Messages()
	id := history[1].ToolCalls[0].ID
	if id == "" || history[2].ToolResults[0].ID != id {
		t.Errorf("call ID %q, result ID %q", id, history[2].ToolResults[0].ID)
	}
}

func TestToolContextSharedWithinTurn(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Extensions = map[string]any{"lsp": "gopls"} })
	var seen []*tools.Context
	h.register(t, &funcTool{name: "inspect", fn: func(ctx context.Context, input map[string]any, tc *tools.Context) (tools.Output, error) {
		seen = append(seen, tc)
		return tools.Output{Text: "ok"}, nil
	}})
	h.provider.Push(
		scripted.Calls(call("c1", "inspect", nil)),
		scripted.Calls(call("c2", "inspect", nil)),
		scripted.Text("done"),
	)

	if _, err := h.prompt(t, "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if len(seen) != 2 || seen[0] != seen[1] {
		t.Fatalf("tool contexts differ within a turn: %v", seen)
	}
	tc := seen[0]
	if tc.SessionID != h.session.ID() || tc.WorkDir != "/work" || tc.Extensions["lsp"] != "gopls" || tc.Todos != h.session.Todos() {
		t.Errorf("tool context = %+v", tc)
	}
}

func TestPromptConcurrentRejected(t *testing.T) {
	h := newHarness(t, nil)
	hold := make(chan struct{})
	h.provider.Push(scripted.Reply{Chunks: []string{"working"}, Hold: hold})

	done := make(chan error, 1)
	go func() {
		_, err := h.prompt(t, "first")
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !h.session.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first turn never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := h.runner.Prompt(context.Background(), h.session.ID(), "second", nil); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("second Prompt err = %v, want ErrTurnInProgress", err)
	}
	if _, err := h.runner.Compact(context.Background(), h.session.ID()); err == nil {
		t.Error("Compact during a turn: expected error")
	}

	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("first Prompt: %v", err)
	}
	if n := len(h.session.Messages()); n != 2 {
		t.Errorf("history len = %d, want 2", n)
	}
}

func TestPromptProviderError(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(scripted.Reply{Err: errors.New("503 unavailable")})

	_, err := h.prompt(t, "hi")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	want := []event.Type{event.UserMessage, event.Error}
	if diff := cmp.Diff(want, h.rec.types()); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	if last := h.rec.all()[1]; !strings.Contains(last.Error.Message, "503 unavailable") {
		t.Errorf("error payload = %+v", last.Error)
	}
	if h.session.State() != StateErrored {
		t.Errorf("State = %s, want errored", h.session.State())
	}

	// The session stays usable.
	h.provider.Push(scripted.Text("back"))
	msg, err := h.prompt(t, "again")
	if err != nil {
		t.Fatalf("second Prompt: %v", err)
	}
	if msg.Content != "back" {
		t.Errorf("second answer = %q", msg.Content)
	}
	if n := len(h.session.Messages()); n != 3 {
		t.Errorf("history len = %d, want 3 (two prompts and one answer)", n)
	}
}

func TestPromptRetriesBeforeFirstChunk(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	})
	h.provider.Push(scripted.Reply{Err: errors.New("connection reset")}, scripted.Text("ok"))

	msg, err := h.prompt(t, "hi")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if msg.Content != "ok" || len(h.provider.Requests()) != 2 {
		t.Errorf("answer %q after %d requests", msg.Content, len(h.provider.Requests()))
	}
}

func TestPromptMidStreamErrorNotRetried(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	})
	h.provider.Push(scripted.Reply{Chunks: []string{"par"}, StreamErr: errors.New("stream broke")}, scripted.Text("unused"))

	if _, err := h.prompt(t, "hi"); !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if n := len(h.provider.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestAbort(t *testing.T) {
	h := newHarness(t, nil)
	hold := make(chan struct{})
	defer close(hold)
	h.provider.Push(scripted.Reply{Chunks: []string{"partial answer"}, Hold: hold})

	deltas := make(chan struct{}, 1)
	type result struct {
		msg *store.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := h.runner.Prompt(context.Background(), h.session.ID(), "long task", func(e event.Event) {
			h.rec.record(e)
			if e.Type == event.MessageDelta {
				deltas <- struct{}{}
			}
		})
		done <- result{msg, err}
	}()

	<-deltas
	if !h.runner.Abort(h.session.ID()) {
		t.Fatal("Abort reported no active turn")
	}
	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if res.msg == nil || res.msg.Content != "partial answer" {
		t.Fatalf("msg = %+v", res.msg)
	}

	types := h.rec.types()
	if types[len(types)-1] != event.MessageComplete {
		t.Errorf("last event = %s, want message.complete", types[len(types)-1])
	}
	history := h.session.Messages()
	if len(history) != 2 || history[1].Content != "partial answer" {
		t.Errorf("history = %+v", history)
	}
	if h.runner.Abort(h.session.ID()) {
		t.Error("Abort after the turn reported an active turn")
	}
}

func TestAbortBeforeStreamOpens(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour}
	})
	h.provider.Push(scripted.Reply{Err: errors.New("connection reset")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.runner.Prompt(ctx, h.session.ID(), "hi", func(e event.Event) {
		h.rec.record(e)
		if e.Type == event.UserMessage {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if diff := cmp.Diff([]event.Type{event.UserMessage}, h.rec.types()); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	if n := len(h.session.Messages()); n != 1 {
		t.Errorf("history len = %d, want 1", n)
	}
	if h.session.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.session.State())
	}
}

func TestAbortStopsRemainingToolCalls(t *testing.T) {
	h := newHarness(t, nil)
	var ran []string
	h.register(t,
		&funcTool{name: "first", fn: func(ctx context.Context, _ map[string]any, tc *tools.Context) (tools.Output, error) {
			ran = append(ran, "first")
			h.runner.Abort(tc.SessionID)
			return tools.Output{Text: "written"}, nil
		}},
		&funcTool{name: "second", fn: func(context.Context, map[string]any, *tools.Context) (tools.Output, error) {
			ran = append(ran, "second")
			return tools.Output{}, nil
		}},
	)
	h.provider.Push(scripted.Calls(call("c1", "first", nil), call("c2", "second", nil)))

	_, err := h.prompt(t, "go")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if diff := cmp.Diff([]string{"first"}, ran); diff != "" {
		t.Errorf("ran mismatch (-want +got):\n%s", diff)
	}
	results := h.session.Messages()[2].ToolResults
	if len(results) != 2 || results[0].IsError || !results[1].IsError {
		t.Errorf("results = %+v", results)
	}
}

func TestPermissionAsk(t *testing.T) {
	var asked int
	h := newHarness(t, func(o *Options) {
		o.Permission = permission.Config{}
		o.Confirm = func(ctx context.Context, c store.ToolCall) (permission.Response, error) {
			asked++
			return permission.AllowAlways, nil
		}
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(
		scripted.Calls(call("c1", "echo", nil)),
		scripted.Calls(call("c2", "echo", nil)),
		scripted.Text("done"),
	)

	if _, err := h.prompt(t, "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	want := []event.Type{
		event.ToolPermissionRequest, event.ToolPermissionGranted, event.ToolStart, event.ToolComplete,
		event.ToolStart, event.ToolComplete,
		event.MessageComplete,
	}
	if diff := cmp.Diff(want, h.rec.types(toolAndComplete...)); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	if asked != 1 {
		t.Errorf("confirm called %d times, want 1", asked)
	}
	if !h.session.Gate().IsAllowedForSession("echo") {
		t.Error("echo not allowed for session after allow_always")
	}
}

func TestPermissionAskOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		confirm    permission.ConfirmFunc
		wantTypes  []event.Type
		wantResult string
	}{
		{
			name:       "no confirmer fails closed",
			wantTypes:  []event.Type{event.ToolPermissionRequest, event.ToolPermissionDenied, event.MessageComplete},
			wantResult: `Permission denied: tool "echo" was not run.`,
		},
		{
			name: "deny once",
			confirm: func(context.Context, store.ToolCall) (permission.Response, error) {
				return permission.DenyOnce, nil
			},
			wantTypes:  []event.Type{event.ToolPermissionRequest, event.ToolPermissionDenied, event.MessageComplete},
			wantResult: `Permission denied: tool "echo" was not run.`,
		},
		{
			name: "callback error fails the call only",
			confirm: func(context.Context, store.ToolCall) (permission.Response, error) {
				return "", errors.New("ui gone")
			},
			wantTypes:  []event.Type{event.ToolPermissionRequest, event.ToolComplete, event.MessageComplete},
			wantResult: "Error: permission check failed: ui gone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Permission = permission.Config{}
				o.Confirm = tt.confirm
			})
			h.register(t, echoTool("echo"))
			h.provider.Push(scripted.Calls(call("c1", "echo", nil)), scripted.Text("done"))

			if _, err := h.prompt(t, "go"); err != nil {
				t.Fatalf("Prompt: %v", err)
			}
			if diff := cmp.Diff(tt.wantTypes, h.rec.types(toolAndComplete...)); diff != "" {
				t.Errorf("event types mismatch (-want +got):\n%s", diff)
			}
			res := h.session.Messages()[2].ToolResults[0]
			if !res.IsError || res.Result != tt.wantResult {
				t.Errorf("result = %+v, want error %q", res, tt.wantResult)
			}
			if h.session.Gate().IsDeniedForSession("echo") {
				t.Error("a single denial must not deny the tool for the session")
			}
		})
	}
}

func TestMaxSteps(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxSteps = 2 })
	h.register(t, echoTool("echo"))
	h.provider.Respond = func(models.Request) scripted.Reply {
		return scripted.Calls(call("", "echo", nil))
	}

	_, err := h.prompt(t, "loop forever")
	if !errors.Is(err, ErrMaxSteps) {
		t.Fatalf("err = %v, want ErrMaxSteps", err)
	}
	if n := len(h.provider.Requests()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	types := h.rec.types()
	if types[len(types)-1] != event.Error {
		t.Errorf("last event = %s, want error", types[len(types)-1])
	}
}

func TestEmptyPromptAndUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.prompt(t, ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prompt err = %v", err)
	}
	if _, err := h.runner.Prompt(context.Background(), "nope", "hi", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session err = %v", err)
	}
	if h.runner.Abort("nope") {
		t.Error("Abort of unknown session reported an active turn")
	}
}

func TestEventsPublishedOnBus(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	h := newHarness(t, func(o *Options) { o.Bus = bus })
	ch, sub := bus.SubscribeChannel(16, event.BySession(h.session.ID()))
	defer sub.Unsubscribe()

	h.provider.Push(scripted.Text("hello"))
	if _, err := h.prompt(t, "hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	var got []event.Type
	for len(got) < 4 {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("bus delivered only %v", got)
		}
	}
	if diff := cmp.Diff(h.rec.types(), got); diff != "" {
		t.Errorf("bus and callback disagree (-callback +bus):\n%s", diff)
	}
}

func TestSessionReloadedFromStore(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(scripted.Text("first answer"))
	if _, err := h.prompt(t, "first"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	r2, err := New(Options{Provider: h.provider, Tools: h.registry, Store: h.store, Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := r2.Session(context.Background(), h.session.ID())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if diff := cmp.Diff(h.session.Messages(), s.Messages()); diff != "" {
		t.Errorf("reloaded history mismatch (-want +got):\n%s", diff)
	}
	if s.WorkDir() != "/work" || s.Model() != "gemini-2.0-flash" {
		t.Errorf("reloaded session workDir=%q model=%q", s.WorkDir(), s.Model())
	}
}

// slowLoadStore blocks GetSession until release is closed.
type slowLoadStore struct {
	store.Store
	once    sync.Once
	loading chan struct{}
	release chan struct{}
}

func (s *slowLoadStore) GetSession(ctx context.Context, id string) (*store.SessionInfo, error) {
	s.once.Do(func() { close(s.loading) })
	<-s.release
	return s.Store.GetSession(ctx, id)
}

func TestSessionLoadDoesNotBlockRunner(t *testing.T) {
	ctx := context.Background()
	base := inmem.New()
	if err := base.CreateSession(ctx, store.SessionInfo{ID: "stored", WorkDir: "/work"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	slow := &slowLoadStore{Store: base, loading: make(chan struct{}), release: make(chan struct{})}
	r, err := New(Options{Provider: scripted.New(), Tools: tools.NewRegistry(), Store: slow, Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	loaded := make(chan error, 1)
	go func() {
		_, err := r.Session(ctx, "stored")
		loaded <- err
	}()
	<-slow.loading

	done := make(chan error, 1)
	go func() {
		_, err := r.CreateSession(ctx, "")
		r.Abort("stored")
		done <- err
	}()

	var blocked bool
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("CreateSession: %v", err)
		}
	case <-time.After(5 * time.Second):
		blocked = true
	}
	close(slow.release)
	if blocked {
		t.Fatal("CreateSession waited for another session to load")
	}
	if err := <-loaded; err != nil {
		t.Fatalf("Session: %v", err)
	}
}

func TestTitleGeneratedOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, func(o *Options) {
		o.Title = func(ctx context.Context, msgs []store.Message) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return "Fix the build", nil
		}
	})
	h.provider.Push(scripted.Text("one"), scripted.Text("two"))

	for _, text := range []string{"first", "second"} {
		if _, err := h.prompt(t, text); err != nil {
			t.Fatalf("Prompt: %v", err)
		}
	}
	h.runner.Close()

	info, err := h.store.GetSession(context.Background(), h.session.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if info.Title != "Fix the build" {
		t.Errorf("Title = %q", info.Title)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("title generator called %d times, want 1", calls)
	}
}

func TestModelTitler(t *testing.T) {
	p := scripted.New(scripted.Text("  \"Fix flaky CI job\"\nextra"))
	title, err := ModelTitler(p, "m")(context.Background(), []store.Message{
		store.NewUserMessage("the CI job fails randomly"),
		store.NewAssistantMessage("", []store.ToolCall{{ID: "1", Name: "ls"}}),
		store.NewAssistantMessage("Fixed the race in the test.", nil),
	})
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Fix flaky CI job" {
		t.Errorf("title = %q", title)
	}
	prompt := p.Requests()[0].Messages[0].Content
	if !strings.Contains(prompt, "the CI job fails randomly") || !strings.Contains(prompt, "Fixed the race") {
		t.Errorf("title prompt = %q", prompt)
	}
}

func TestCleanTitleKeepsRunesWhole(t *testing.T) {
	title := cleanTitle(strings.Repeat("ü", maxTitleLen+5))
	if !utf8.ValidString(title) {
		t.Fatal("title is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(title); n != maxTitleLen {
		t.Errorf("title has %d runes, want %d", n, maxTitleLen)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(o *Options) {
		o.Registerer = reg
		o.Permission = permission.Config{AlwaysDeny: []string{"bash"}, AlwaysAllow: []string{"*"}}
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(
		scripted.Calls(call("c1", "echo", nil), call("c2", "bash", nil)),
		scripted.Reply{Chunks: []string{"done"}, Usage: models.Usage{InputTokens: 100, OutputTokens: 7}},
	)
	if _, err := h.prompt(t, "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if got := testutil.ToFloat64(h.runner.metrics.turns.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.runner.metrics.toolCalls.WithLabelValues("echo", "ok")); got != 1 {
		t.Errorf("echo ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.runner.metrics.toolCalls.WithLabelValues("bash", "denied")); got != 1 {
		t.Errorf("bash denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.runner.metrics.tokens.WithLabelValues("output")); got != 7 {
		t.Errorf("output tokens = %v, want 7", got)
	}
}

package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models/scripted"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

var compactionTypes = []event.Type{
	event.CompactionPending, event.CompactionStart, event.CompactionComplete, event.CompactionError,
}

func compactionConfig(auto bool) compaction.Config {
	return compaction.Config{
		Enabled:            true,
		TokenThreshold:     1,
		MessageThreshold:   3,
		InceptionCount:     1,
		WorkingWindowCount: 1,
		SummaryMaxTokens:   100,
		AutoCompact:        auto,
	}
}

func TestAutoCompaction(t *testing.T) {
	summarizer := scripted.New(scripted.Text("The user asked to run echo."))
	h := newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(compactionConfig(true), summarizer, nil, nil)
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("c1", "echo", map[string]any{"text": "x"})), scripted.Text("done"))

	if _, err := h.prompt(t, "run echo"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	want := []event.Type{event.CompactionPending, event.CompactionStart, event.CompactionComplete}
	if diff := cmp.Diff(want, h.rec.types(compactionTypes...)); diff != "" {
		t.Errorf("compaction events mismatch (-want +got):\n%s", diff)
	}

	history := h.session.Messages()
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	if history[0].Content != "run echo" || !compaction.IsSummary(history[1]) || len(history[2].ToolResults) != 1 || history[3].Content != "done" {
		t.Errorf("history = %+v", history)
	}
	if !strings.Contains(history[1].Content, "The user asked to run echo.") {
		t.Errorf("summary message = %q", history[1].Content)
	}

	// The model saw the compacted history on its next call.
	reqs := h.provider.Requests()
	if !compaction.IsSummary(reqs[1].Messages[1]) {
		t.Errorf("second request did not use compacted history: %+v", reqs[1].Messages)
	}

	stored, _ := h.store.Messages(context.Background(), h.session.ID())
	if diff := cmp.Diff(history, stored); diff != "" {
		t.Errorf("stored history mismatch (-memory +store):\n%s", diff)
	}

	for _, e := range h.rec.all() {
		if e.Type == event.CompactionComplete && (e.Compaction.MessagesPruned != 1 || e.Compaction.CompactionID == "") {
			t.Errorf("compaction.complete payload = %+v", e.Compaction)
		}
	}
}

func TestAutoCompactionFailureKeepsHistory(t *testing.T) {
	summarizer := scripted.New(scripted.Reply{Err: errors.New("summarizer down")})
	h := newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(compactionConfig(true), summarizer, nil, nil)
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("c1", "echo", nil)), scripted.Text("done"))

	msg, err := h.prompt(t, "run echo")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if msg.Content != "done" {
		t.Errorf("final = %q", msg.Content)
	}

	want := []event.Type{event.CompactionPending, event.CompactionStart, event.CompactionError}
	if diff := cmp.Diff(want, h.rec.types(compactionTypes...)); diff != "" {
		t.Errorf("compaction events mismatch (-want +got):\n%s", diff)
	}

	history := h.session.Messages()
	if len(history) != 4 || len(history[1].ToolCalls) != 1 {
		t.Errorf("history changed after failed compaction: %+v", history)
	}
}

func TestCompactionStoreFailureKeepsHistory(t *testing.T) {
	summarizer := scripted.New(scripted.Text("summary"))
	h := newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(compactionConfig(true), summarizer, nil, nil)
		o.Store = &noReplaceStore{Store: o.Store}
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("c1", "echo", nil)), scripted.Text("done"))

	if _, err := h.prompt(t, "run echo"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if got := h.rec.types(compactionTypes...); got[len(got)-1] != event.CompactionError {
		t.Errorf("compaction events = %v", got)
	}
	if n := len(h.session.Messages()); n != 4 {
		t.Errorf("history len = %d, want 4", n)
	}
}

// noReplaceStore rejects history rewrites.
type noReplaceStore struct {
	store.Store
}

func (s *noReplaceStore) ReplaceMessages(context.Context, string, []store.Message) error {
	return errors.New("disk full")
}

func TestManualCompaction(t *testing.T) {
	summarizer := scripted.New(scripted.Text("Earlier: echo was run."))
	bus := event.NewBus(nil)
	defer bus.Close()
	h := newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(compactionConfig(false), summarizer, nil, nil)
		o.Bus = bus
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("c1", "echo", nil)), scripted.Text("done"))

	if _, err := h.prompt(t, "run echo"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	want := []event.Type{event.CompactionPending}
	if diff := cmp.Diff(want, h.rec.types(compactionTypes...)); diff != "" {
		t.Errorf("auto compaction off: events mismatch (-want +got):\n%s", diff)
	}
	if n := len(h.session.Messages()); n != 4 {
		t.Fatalf("history len = %d, want 4", n)
	}

	// Manual compaction reports on the bus only.
	ch, sub := bus.SubscribeChannel(8, event.BySession(h.session.ID()))
	defer sub.Unsubscribe()

	res, err := h.runner.Compact(context.Background(), h.session.ID())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.MessagesPruned != 2 {
		t.Errorf("MessagesPruned = %d, want 2", res.MessagesPruned)
	}
	history := h.session.Messages()
	if len(history) != 3 || history[0].Content != "run echo" || !compaction.IsSummary(history[1]) || history[2].Content != "done" {
		t.Errorf("history = %+v", history)
	}

	var got []event.Type
	for len(got) < 2 {
		got = append(got, (<-ch).Type)
	}
	if diff := cmp.Diff([]event.Type{event.CompactionStart, event.CompactionComplete}, got); diff != "" {
		t.Errorf("manual compaction events mismatch (-want +got):\n%s", diff)
	}
}

func TestManualCompactionMisuse(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.runner.Compact(context.Background(), h.session.ID()); !errors.Is(err, ErrCompactionDisabled) {
		t.Errorf("err = %v, want ErrCompactionDisabled", err)
	}

	h = newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(compactionConfig(false), scripted.New(), nil, nil)
	})
	if _, err := h.runner.Compact(context.Background(), h.session.ID()); !errors.Is(err, compaction.ErrNothingToCompact) {
		t.Errorf("err = %v, want ErrNothingToCompact", err)
	}
	if len(h.rec.all()) != 0 {
		t.Errorf("misuse emitted events: %v", h.rec.types())
	}
}

func TestSummaryEdit(t *testing.T) {
	cfg := compactionConfig(true)
	cfg.AllowSummaryEdit = true
	summarizer := scripted.New(scripted.Text("draft summary"))
	h := newHarness(t, func(o *Options) {
		o.Compaction = compaction.NewEngine(cfg, summarizer, nil, nil)
		o.EditSummary = func(ctx context.Context, sessionID, summary string) (string, error) {
			return strings.ToUpper(summary), nil
		}
	})
	h.register(t, echoTool("echo"))
	h.provider.Push(scripted.Calls(call("c1", "echo", nil)), scripted.Text("done"))

	if _, err := h.prompt(t, "run echo"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if got := h.session.Messages()[1].Content; !strings.Contains(got, "DRAFT SUMMARY") {
		t.Errorf("summary message = %q", got)
	}
}

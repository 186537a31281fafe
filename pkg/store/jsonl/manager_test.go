package jsonl

import (
	"context"
	"os"
	"testing"

	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/store/storetest"
)

func TestManager(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		m, err := NewManager(t.TempDir())
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		return m
	})
}

func TestManagerReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.CreateSession(ctx, store.SessionInfo{ID: "sess-1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.AppendMessage(ctx, "sess-1", store.NewUserMessage("Hello")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	msgs, err := m2.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello" {
		t.Errorf("Messages = %+v, want one message %q", msgs, "Hello")
	}
}

func TestManagerSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.CreateSession(ctx, store.SessionInfo{ID: "sess-1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.AppendMessage(ctx, "sess-1", store.NewUserMessage("first")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	f, err := os.OpenFile(m.sessionPath("sess-1"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	if err := m.AppendMessage(ctx, "sess-1", store.NewUserMessage("second")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := m.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("contents = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

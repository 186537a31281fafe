// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Run exercises newStore against the store.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SessionCRUD", func(t *testing.T) { testSessionCRUD(t, newStore(t)) })
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, newStore(t)) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("UnknownSession", func(t *testing.T) { testUnknownSession(t, newStore(t)) })
}

// ignoreTimes drops timestamps, which some drivers round-trip at a lower precision.
var ignoreTimes = cmpopts.IgnoreFields(store.Message{}, "CreatedAt")

func testSessionCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()

	// Create
	if err := s.CreateSession(ctx, store.SessionInfo{ID: "sess-1", Model: "gemini-2.0-flash", WorkDir: "/work"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, store.SessionInfo{}); err == nil {
		t.Error("CreateSession without ID: expected error")
	}

	// Get
	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q, want %q", got.Model, "gemini-2.0-flash")
	}
	if got.WorkDir != "/work" {
		t.Errorf("WorkDir = %q, want %q", got.WorkDir, "/work")
	}

	// Title
	if err := s.SetTitle(ctx, "sess-1", "Fix the build"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if got.Title != "Fix the build" {
		t.Errorf("Title = %q, want %q", got.Title, "Fix the build")
	}

	// List
	if err := s.CreateSession(ctx, store.SessionInfo{ID: "sess-2"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListSessions len = %d, want 2", len(list))
	}
}

func testAppendAndRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateSession(ctx, store.SessionInfo{ID: "sess-1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	want := []store.Message{
		store.NewUserMessage("list the files"),
		store.NewAssistantMessage("", []store.ToolCall{
			{ID: "call-1", Name: "ls", Arguments: map[string]any{"path": "."}},
		}),
		store.NewToolResultsMessage([]store.ToolResult{
			{ID: "call-1", Name: "ls", Result: "go.mod\nmain.go"},
		}),
		store.NewAssistantMessage("There are two files.", nil),
	}
	for _, m := range want {
		if err := s.AppendMessage(ctx, "sess-1", m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if diff := cmp.Diff(want, got, ignoreTimes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}

	info, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if info.MessageCount != len(want) {
		t.Errorf("MessageCount = %d, want %d", info.MessageCount, len(want))
	}
}

func testReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateSession(ctx, store.SessionInfo{ID: "sess-1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, text := range []string{"one", "two", "three", "four"} {
		if err := s.AppendMessage(ctx, "sess-1", store.NewUserMessage(text)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	replacement := []store.Message{
		store.NewUserMessage("one"),
		store.NewUserMessage("[Previous conversation summary]\nearlier work"),
		store.NewUserMessage("four"),
	}
	if err := s.ReplaceMessages(ctx, "sess-1", replacement); err != nil {
		t.Fatalf("ReplaceMessages: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if diff := cmp.Diff(replacement, got, ignoreTimes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Messages after replace mismatch (-want +got):\n%s", diff)
	}

	// Appends continue after the replaced history.
	next := store.NewUserMessage("five")
	if err := s.AppendMessage(ctx, "sess-1", next); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	got, _ = s.Messages(ctx, "sess-1")
	if len(got) != 4 || got[3].ID != next.ID {
		t.Errorf("after append: got %d messages, last %q; want 4, last %q", len(got), got[len(got)-1].ID, next.ID)
	}
}

func testUnknownSession(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("GetSession: err = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.Messages(ctx, "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("Messages: err = %v, want ErrSessionNotFound", err)
	}
	if err := s.AppendMessage(ctx, "missing", store.NewUserMessage("hi")); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("AppendMessage: err = %v, want ErrSessionNotFound", err)
	}
	if err := s.ReplaceMessages(ctx, "missing", nil); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("ReplaceMessages: err = %v, want ErrSessionNotFound", err)
	}
	if err := s.SetTitle(ctx, "missing", "x"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("SetTitle: err = %v, want ErrSessionNotFound", err)
	}
}

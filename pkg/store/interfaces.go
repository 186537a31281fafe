package store

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session ID is unknown to the store.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and their message histories.
type Store interface {
	// CreateSession persists a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, info SessionInfo) error

	// GetSession returns the metadata of a session.
	// Returns ErrSessionNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*SessionInfo, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// SetTitle updates the display title of a session.
	SetTitle(ctx context.Context, id, title string) error

	// AppendMessage adds a message to the end of the session's history.
	AppendMessage(ctx context.Context, sessionID string, msg Message) error

	// ReplaceMessages swaps the session's whole history for msgs. Readers
	// observe either the old or the new history, never a mix.
	ReplaceMessages(ctx context.Context, sessionID string, msgs []Message) error

	// Messages returns the session's history in append order.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// Close releases any resources held by the store.
	Close() error
}

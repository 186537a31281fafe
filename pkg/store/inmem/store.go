package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Store keeps sessions in process memory. It is used for ephemeral sessions
// and tests.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*store.SessionInfo
	messages map[string][]store.Message
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*store.SessionInfo),
		messages: make(map[string][]store.Message),
	}
}

func (s *Store) CreateSession(ctx context.Context, info store.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if _, ok := s.sessions[info.ID]; ok {
		return fmt.Errorf("session %s already exists", info.ID)
	}
	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.UpdatedAt = now
	s.sessions[info.ID] = &info
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	out := *info
	out.MessageCount = len(s.messages[id])
	return &out, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]store.SessionInfo, 0, len(s.sessions))
	for id, info := range s.sessions {
		out := *info
		out.MessageCount = len(s.messages[id])
		list = append(list, out)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	info.Title = title
	info.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg.Clone())
	info.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, msgs []store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	s.messages[sessionID] = store.CloneMessages(msgs)
	info.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	return store.CloneMessages(s.messages[sessionID]), nil
}

func (s *Store) Close() error { return nil }

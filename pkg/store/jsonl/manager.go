package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// maxLineSize bounds a single JSONL record. Tool outputs can be large.
const maxLineSize = 16 * 1024 * 1024

// Manager implements store.Store using one JSONL file per session and an
// index.json holding session metadata.
type Manager struct {
	sessDir string
	mu      sync.RWMutex
}

var _ store.Store = (*Manager)(nil)

// Index represents the index.json structure
type Index struct {
	Sessions []store.SessionInfo `json:"sessions"`
}

// NewManager creates the session directory under rootDir if needed.
func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		sessDir: filepath.Join(rootDir, "sessions"),
	}
	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return m, nil
}

func (m *Manager) sessionPath(id string) string {
	return filepath.Join(m.sessDir, id+".jsonl")
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.sessDir, "index.json")
}

func (m *Manager) readIndex() (Index, error) {
	var idx Index
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("parsing session index: %w", err)
	}
	return idx, nil
}

func (m *Manager) writeIndex(idx Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.indexPath(), data)
}

// updateMeta applies fn to the index entry for id and writes the index back.
func (m *Manager) updateMeta(id string, fn func(*store.SessionInfo)) error {
	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	for i := range idx.Sessions {
		if idx.Sessions[i].ID == id {
			fn(&idx.Sessions[i])
			idx.Sessions[i].UpdatedAt = time.Now().UTC()
			return m.writeIndex(idx)
		}
	}
	return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
}

func (m *Manager) CreateSession(ctx context.Context, info store.SessionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	for _, s := range idx.Sessions {
		if s.ID == info.ID {
			return fmt.Errorf("session %s already exists", info.ID)
		}
	}

	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.UpdatedAt = now
	info.MessageCount = 0

	f, err := os.OpenFile(m.sessionPath(info.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	f.Close()

	idx.Sessions = append(idx.Sessions, info)
	return m.writeIndex(idx)
}

func (m *Manager) GetSession(ctx context.Context, id string) (*store.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	for _, s := range idx.Sessions {
		if s.ID == id {
			out := s
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
}

func (m *Manager) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	sessions := idx.Sessions
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (m *Manager) SetTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateMeta(id, func(s *store.SessionInfo) { s.Title = title })
}

func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.sessionPath(sessionID)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	f, err := os.OpenFile(m.sessionPath(sessionID), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return m.updateMeta(sessionID, func(s *store.SessionInfo) { s.MessageCount++ })
}

// ReplaceMessages writes the new history to a temporary file and renames it
// over the session file, so concurrent readers see either version whole.
func (m *Manager) ReplaceMessages(ctx context.Context, sessionID string, msgs []store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.sessionPath(sessionID)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}

	var buf []byte
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	if err := writeFileAtomic(m.sessionPath(sessionID), buf); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}

	slog.Debug("Replaced session history", "sessionID", sessionID, "count", len(msgs))
	return m.updateMeta(sessionID, func(s *store.SessionInfo) { s.MessageCount = len(msgs) })
}

func (m *Manager) Messages(ctx context.Context, sessionID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, err := os.Open(m.sessionPath(sessionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []store.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg store.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("Skipping malformed session line", "sessionID", sessionID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	return msgs, nil
}

func (m *Manager) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

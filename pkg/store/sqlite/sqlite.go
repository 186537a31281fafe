package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		work_dir TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_results TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, info store.SessionInfo) error {
	if info.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, model, work_dir, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.Title, info.Model, info.WorkDir, info.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionInfo, error) {
	info := &store.SessionInfo{}
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.title, s.model, s.work_dir, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.id = ?`, id,
	).Scan(&info.ID, &info.Title, &info.Model, &info.WorkDir, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.model, s.work_dir, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.Model, &info.WorkDir, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title=?, updated_at=? WHERE id=?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg store.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touchSession(ctx, tx, sessionID); err != nil {
		return err
	}

	// Get next sequence number.
	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id=?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	if err := insertMessage(ctx, tx, sessionID, maxSeq+1, msg); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceMessages rewrites the whole history in one transaction.
func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, msgs []store.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touchSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	for i, msg := range msgs {
		if err := insertMessage(ctx, tx, sessionID, i+1, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]store.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_calls, tool_results, created_at
		 FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var (
			m                      store.Message
			toolCalls, toolResults string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolResults, &m.CreatedAt); err != nil {
			return nil, err
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls of %s: %w", m.ID, err)
			}
		}
		if toolResults != "" {
			if err := json.Unmarshal([]byte(toolResults), &m.ToolResults); err != nil {
				return nil, fmt.Errorf("decoding tool results of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	result, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE id=?`, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, seq int, msg store.Message) error {
	var toolCalls, toolResults string
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	if len(msg.ToolResults) > 0 {
		b, err := json.Marshal(msg.ToolResults)
		if err != nil {
			return fmt.Errorf("encoding tool results: %w", err)
		}
		toolResults = string(b)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, seq, msg.Role, msg.Content, toolCalls, toolResults, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

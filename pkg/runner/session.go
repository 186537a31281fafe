package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

// State is the position of a session in the turn state machine.
type State string

const (
	StateIdle              State = "idle"
	StateStreaming         State = "streaming"
	StateToolPending       State = "tool_pending"
	StatePermissionPending State = "permission_pending"
	StateToolExecuting     State = "tool_executing"
	StateCompacting        State = "compacting"
	StateCompleting        State = "completing"
	StateErrored           State = "errored"
)

// Session is the in-memory state of one conversation. Its history, gate and
// todo list are written only by the session's own turn.
type Session struct {
	id      string
	workDir string
	model   string

	// history is swapped as a whole; readers never see a partial update.
	history atomic.Pointer[[]store.Message]
	state   atomic.Value
	seq     atomic.Uint64
	busy    atomic.Bool
	titled  atomic.Bool

	gate  *permission.Gate
	todos *tools.TodoList
	phase *tools.Phase

	mu     sync.Mutex
	cancel context.CancelFunc
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// WorkDir returns the directory the session's tools operate in.
func (s *Session) WorkDir() string { return s.workDir }

// Model returns the model the session talks to.
func (s *Session) Model() string { return s.model }

// Gate returns the session's permission gate.
func (s *Session) Gate() *permission.Gate { return s.gate }

// Todos returns the session's todo list.
func (s *Session) Todos() *tools.TodoList { return s.todos }

// Messages returns a copy of the current history.
func (s *Session) Messages() []store.Message {
	return store.CloneMessages(s.snapshot())
}

// snapshot returns the current history without copying. It must not be
// modified.
func (s *Session) snapshot() []store.Message {
	return *s.history.Load()
}

// State returns the current turn state.
func (s *Session) State() State { return s.state.Load().(State) }

func (s *Session) setState(st State) { s.state.Store(st) }

// Busy reports whether a turn or compaction is running.
func (s *Session) Busy() bool { return s.busy.Load() }

// append persists msgs and then publishes a new history slice containing them.
func (s *Session) append(ctx context.Context, st store.Store, msgs ...store.Message) error {
	for _, m := range msgs {
		if err := st.AppendMessage(ctx, s.id, m); err != nil {
			return err
		}
	}
	cur := s.snapshot()
	next := make([]store.Message, 0, len(cur)+len(msgs))
	next = append(next, cur...)
	next = append(next, msgs...)
	s.history.Store(&next)
	return nil
}

// replace persists msgs as the whole history and swaps the in-memory copy
// only once the store accepted it.
func (s *Session) replace(ctx context.Context, st store.Store, msgs []store.Message) error {
	if err := st.ReplaceMessages(ctx, s.id, msgs); err != nil {
		return err
	}
	s.history.Store(&msgs)
	return nil
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *Session) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

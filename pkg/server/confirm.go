package server

import (
	"context"
	"time"

	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

const (
	// answerGrace is how long an answer for a call nobody asked about yet is
	// kept before it is discarded.
	answerGrace = time.Minute
	// maxPendingAnswers bounds the answers held per session.
	maxPendingAnswers = 64
)

// answerSlot holds the answer to one permission question.
type answerSlot struct {
	ch      chan permission.Response
	asked   bool
	created time.Time
}

// confirmer answers the permission questions of one session on behalf of
// every chat socket attached to it. The tool.permission.request event reaches
// all of them through the bus; the first answer wins.
type confirmer struct {
	gate *permission.Gate
	// prev is the callback the gate held before the first socket attached.
	prev  permission.ConfirmFunc
	conns int
	now   func() time.Time

	pending map[string]*answerSlot
}

// attach registers a chat socket for session id. The first socket installs
// the session's confirmer on its gate.
func (s *Server) attach(id string, gate *permission.Gate) *confirmer {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	c, ok := s.confirmers[id]
	if !ok {
		c = &confirmer{gate: gate, now: time.Now, pending: make(map[string]*answerSlot)}
		c.prev = gate.SwapConfirm(s.confirmFunc(c))
		s.confirmers[id] = c
	}
	c.conns++
	return c
}

// detach unregisters a chat socket. The last one restores the callback the
// gate held before.
func (s *Server) detach(id string, c *confirmer) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	c.conns--
	if c.conns > 0 {
		return
	}
	delete(s.confirmers, id)
	c.gate.SetConfirm(c.prev)
}

// confirmFunc waits for an answer to call from any attached socket.
func (s *Server) confirmFunc(c *confirmer) permission.ConfirmFunc {
	return func(ctx context.Context, call store.ToolCall) (permission.Response, error) {
		s.confirmMu.Lock()
		slot := c.slotLocked(call.ID)
		slot.asked = true
		s.confirmMu.Unlock()

		defer func() {
			s.confirmMu.Lock()
			delete(c.pending, call.ID)
			s.confirmMu.Unlock()
		}()

		select {
		case resp := <-slot.ch:
			return resp, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// resolve delivers a client's answer. An answer may arrive before the gate
// asks; it then waits in its slot for answerGrace. It reports false when the
// answer was dropped because too many are outstanding.
func (s *Server) resolve(c *confirmer, callID string, resp permission.Response) bool {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	c.pruneLocked()
	slot, ok := c.pending[callID]
	if !ok {
		if len(c.pending) >= maxPendingAnswers {
			return false
		}
		slot = c.slotLocked(callID)
	}
	select {
	case slot.ch <- resp:
	default:
	}
	return true
}

func (c *confirmer) slotLocked(callID string) *answerSlot {
	slot, ok := c.pending[callID]
	if !ok {
		slot = &answerSlot{ch: make(chan permission.Response, 1), created: c.now()}
		c.pending[callID] = slot
	}
	return slot
}

// pruneLocked drops answers that no question claimed within answerGrace.
func (c *confirmer) pruneLocked() {
	now := c.now()
	for id, slot := range c.pending {
		if !slot.asked && now.Sub(slot.created) > answerGrace {
			delete(c.pending, id)
		}
	}
}

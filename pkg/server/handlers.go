package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
	"github.com/mariozechner/coding-agent/core/pkg/store"
	"github.com/mariozechner/coding-agent/core/pkg/tools"
)

// statusFor maps runner errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, compaction.ErrNothingToCompact), errors.Is(err, runner.ErrCompactionDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runner.Sessions(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionInfo{}
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir string `json:"work_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.runner.CreateSession(r.Context(), req.WorkDir)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

type sessionView struct {
	ID             string       `json:"id"`
	WorkDir        string       `json:"work_dir"`
	Model          string       `json:"model"`
	State          runner.State `json:"state"`
	Busy           bool         `json:"busy"`
	MessageCount   int          `json:"message_count"`
	Todos          []tools.Todo `json:"todos"`
	SessionAllowed []string     `json:"session_allowed"`
	SessionDenied  []string     `json:"session_denied"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runner.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessionView{
		ID:             sess.ID(),
		WorkDir:        sess.WorkDir(),
		Model:          sess.Model(),
		State:          sess.State(),
		Busy:           sess.Busy(),
		MessageCount:   len(sess.Messages()),
		Todos:          sess.Todos().Items(),
		SessionAllowed: sess.Gate().SessionAllowed(),
		SessionDenied:  sess.Gate().SessionDenied(),
	})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runner.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess.Messages())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.Compact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	aborted := s.runner.Abort(r.PathValue("id"))
	s.jsonResponse(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handlePermissions applies a manual session override: allow, deny or clear.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool   string `json:"tool"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.runner.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	if req.Action != "clear" && req.Tool == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("tool is required"))
		return
	}

	gate := sess.Gate()
	switch req.Action {
	case "allow":
		gate.AllowForSession(req.Tool)
	case "deny":
		gate.DenyForSession(req.Tool)
	case "clear":
		gate.ClearSession()
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string][]string{
		"session_allowed": gate.SessionAllowed(),
		"session_denied":  gate.SessionDenied(),
	})
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.provider.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}

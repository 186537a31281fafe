package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	// eventBuffer bounds how far a slow client may fall behind before the
	// bus starts dropping its events.
	eventBuffer = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (the API binds to loopback by default)
	},
}

// Client frame types.
const (
	framePrompt     = "prompt"
	framePermission = "permission"
	frameAbort      = "abort"
)

// clientFrame is a message sent by the browser or TUI.
type clientFrame struct {
	Type     string              `json:"type"`
	Content  string              `json:"content,omitempty"`
	CallID   string              `json:"call_id,omitempty"`
	Response permission.Response `json:"response,omitempty"`
}

// chatConn serializes writes to one websocket.
type chatConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *chatConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *chatConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}
	sess, err := s.runner.Session(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	c := &chatConn{ws: ws}

	// Turns started from this socket end when it closes.
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { ws.Close() })
	defer stopClose()

	events, sub := s.bus.SubscribeChannel(eventBuffer, event.BySession(id))
	defer sub.Unsubscribe()

	confirm := s.attach(id, sess.Gate())
	defer s.detach(id, confirm)

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer Loop (Pusher)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := c.write(e); err != nil {
					slog.Debug("WebSocket write failed", "sessionID", id, "error", err)
					cancel()
					return
				}
			case <-ticker.C:
				if err := c.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader Loop
	for {
		var frame clientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "sessionID", id, "error", err)
			}
			break
		}

		switch frame.Type {
		case framePrompt:
			content := strings.TrimSpace(frame.Content)
			if content == "/compact" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.runner.Compact(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
						c.write(event.NewError(id, err))
					}
				}()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.prompt(ctx, c, id, frame.Content)
			}()
		case framePermission:
			if frame.CallID == "" {
				c.write(event.NewError(id, errors.New("permission frame without call_id")))
				continue
			}
			if !s.resolve(confirm, frame.CallID, frame.Response) {
				c.write(event.NewError(id, errors.New("too many unanswered permission frames")))
			}
		case frameAbort:
			s.runner.Abort(id)
		default:
			c.write(event.NewError(id, fmt.Errorf("unknown frame type %q", frame.Type)))
		}
	}

	cancel()
	wg.Wait()
}

// prompt runs one turn. Failures inside the turn reach the client as error
// events through the bus; only rejections are written here.
func (s *Server) prompt(ctx context.Context, c *chatConn, id, text string) {
	_, err := s.runner.Prompt(ctx, id, text, nil)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, runner.ErrTurnInProgress), errors.Is(err, runner.ErrEmptyPrompt):
		c.write(event.NewError(id, err))
	default:
		slog.Debug("Turn ended with error", "sessionID", id, "error", err)
	}
}

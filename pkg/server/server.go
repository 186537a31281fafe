// Package server exposes sessions over HTTP and streams turns over websockets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
)

// Server serves the session API.
type Server struct {
	runner   *runner.Runner
	bus      *event.Bus
	provider models.Provider
	gatherer prometheus.Gatherer
	srv      *http.Server

	// baseCtx bounds the lifetime of chat sockets and their turns.
	baseCtx context.Context
	stop    context.CancelFunc

	// confirmMu guards confirmers and the state of every confirmer.
	confirmMu  sync.Mutex
	confirmers map[string]*confirmer
}

// New creates a new Server. Events reach websocket clients through bus,
// which must be the bus the runner publishes on. A nil gatherer serves the
// default Prometheus registry.
func New(r *runner.Runner, bus *event.Bus, provider models.Provider, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		runner:     r,
		bus:        bus,
		provider:   provider,
		gatherer:   gatherer,
		confirmers: make(map[string]*confirmer),
	}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleGetMessages)

	// Session Actions
	mux.HandleFunc("POST /api/sessions/{id}/compact", s.handleCompact)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/sessions/{id}/permissions", s.handlePermissions)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("/api/sessions/{id}/chat", s.handleChatWebSocket)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	slog.Info("Starting web server", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections, closes open chat sockets and waits
// for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify origin in prod, allow all in dev
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

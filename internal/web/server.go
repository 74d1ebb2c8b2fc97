// pattern: Imperative Shell

// Package web is the HTTP/WebSocket front door for the ConnectionManager:
// it upgrades browser connections to a PTY session, and exposes a small
// REST surface for session listing and health (spec.md §6.1, §2 "out of
// scope" collaborators). Static asset serving and the browser UI widgets
// themselves are explicitly out of scope (spec.md §1) and are not part of
// this server.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"termhub/internal/events"
	"termhub/internal/logging"
	"termhub/internal/manager"
	"termhub/internal/session"
)

// Server is the web server that serves the WebSocket terminal endpoint and
// a small session-inspection API.
type Server struct {
	httpServer *http.Server
	manager    *manager.Manager
	notify     func(any)
	logger     *logging.ScopedLogger
	addr       string
	listener   net.Listener
	events     *eventBroker
}

// Config holds web server configuration.
type Config struct {
	Bind string
	Port int
}

// New creates a web server bound to mgr. notify, if non-nil, is called after
// each session accept (not when a session closes) so a co-resident TUI can
// stay in sync via p.Send();
// termhub-monitor instead polls GET /api/sessions, so notify is nil in that
// deployment.
func New(cfg Config, mgr *manager.Manager, notify func(any), logProvider logging.LoggerProvider) *Server {
	logger := logProvider.For("web")
	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)

	mux := http.NewServeMux()
	events := newEventBroker()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		manager: mgr,
		notify:  notify,
		logger:  logger,
		addr:    addr,
		events:  events,
	}

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /ws/terminal", s.handleTerminal)

	return s
}

// Listen binds the server to its configured address and returns the
// listener. Call Serve() after Listen() to start accepting connections.
// The two-step split lets callers read the actual bound address (for
// ephemeral port 0 in tests) before the server blocks on Serve().
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("web server listen: %w", err)
	}
	s.listener = ln
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until the server stops.
// Must call Listen() first.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("web server started", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Start is a convenience that calls Listen() then Serve(). Blocks until the
// server stops.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Addr returns the address the server is listening on. Only valid after
// Listen() or Start() has been called.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the HTTP server. It does not itself shut down
// the ConnectionManager's sessions — callers drive that separately via
// manager.Manager.Shutdown so in-flight PTYs get their own grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("web server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// sessionInfo is the JSON shape returned by /api/sessions for one live
// session — cols/rows are 0 until the session leaves Starting.
type sessionInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	handlers := s.manager.All()
	out := make([]sessionInfo, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, sessionSummary(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h := s.manager.ByID(r.PathValue("id"))
	if h == nil {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, sessionSummary(h))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	h := s.manager.ByID(r.PathValue("id"))
	if h == nil {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	h.Close("closed via api")
	w.WriteHeader(http.StatusNoContent)
}

func sessionSummary(h *session.Handler) sessionInfo {
	info := sessionInfo{ID: h.ID(), State: h.State().String()}
	if p := h.PTY(); p != nil {
		cols, rows := p.Size()
		info.Cols, info.Rows = cols, rows
	}
	return info
}

// handleTerminal upgrades the request to a WebSocket and hands it to the
// ConnectionManager, which creates and runs the SessionHandler (spec.md §2,
// §4.7 accept()).
//
// Deliberately does not pass r.Context() to the manager: that context is
// cancelled the moment this handler func returns, which happens right after
// websocket.Accept hijacks the connection — the session itself runs for the
// life of the connection, well past that point.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	s.manager.Accept(conn)
	if s.notify != nil {
		s.notify(events.SessionsChangedMsg{})
	}
	s.events.Notify()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package manager implements the process-wide ConnectionManager (spec.md
// §4.7): the registry of live sessions, the frozen-after-startup OSC
// registry, and the graceful shutdown sweep.
package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"termhub/internal/logging"
	"termhub/internal/osc"
	"termhub/internal/recorder"
	"termhub/internal/session"
	"termhub/internal/wsproto"
)

// Grace is how long Shutdown waits for sessions to reach Closed before
// returning regardless (spec.md §4.7, §5).
const Grace = 10 * time.Second

// ErrRegistrationClosed is returned by RegisterOsc once the first
// connection has been accepted.
var ErrRegistrationClosed = errors.New("manager: OSC registration closed after first accept")

// Options configures a Manager's defaults for every accepted session.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	DefaultShell string

	// RecordingDir, if non-empty, makes every accepted session recorded to
	// a file under this directory named "<sessionId>.jsonl". Empty means
	// recording is disabled.
	RecordingDir     string
	RecorderRingSize int

	// PTY debounce tuning and the OSC payload bound (config.PTYConfig,
	// spec.md §6.3). Zero means "use the package default".
	DebounceWindow     time.Duration
	IdleFlush          time.Duration
	MaxBuf             int
	MaxOscPayloadBytes int

	Logger logging.LoggerProvider
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 60 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.RecorderRingSize <= 0 {
		o.RecorderRingSize = 10000
	}
}

// Manager is the single process-wide ConnectionManager.
type Manager struct {
	opts       Options
	dispatcher *osc.Dispatcher
	logger     *logging.ScopedLogger

	// lifeCtx is a detached, session-lifetime context — NOT an HTTP request
	// context. A per-connection handler's request context is cancelled the
	// moment its HTTP handler func returns, which happens immediately after
	// websocket.Accept hijacks the connection; using it here would cancel
	// every session's framer and PTY the instant the upgrade completed. See
	// the teacher's own "do NOT use r.Context() after this" warning.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Handler
	accepted bool
}

// New returns a Manager with its OSC registry pre-loaded from the known
// codes (spec.md §6.2); additional codes may still be registered via
// RegisterOsc until the first Accept.
func New(opts Options) *Manager {
	opts.setDefaults()
	d := osc.NewDispatcher()
	osc.RegisterDefaults(d)

	var logger *logging.ScopedLogger
	if opts.Logger != nil {
		logger = opts.Logger.For("manager")
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	return &Manager{
		opts:       opts,
		dispatcher: d,
		logger:     logger,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		sessions:   make(map[string]*session.Handler),
	}
}

// RegisterOsc adds a collaborator-supplied OSC handler (e.g. an ebook
// viewer service registering code 1338). Only valid before the first
// Accept.
func (m *Manager) RegisterOsc(code uint16, h osc.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accepted {
		return ErrRegistrationClosed
	}
	m.dispatcher.Register(code, h)
	return nil
}

// Accept registers a newly upgraded WebSocket connection, wires it into a
// fresh SessionHandler and starts running it in the background. The OSC
// registry is frozen the first time this is called.
//
// Deliberately does not take the caller's HTTP request context: a session
// outlives the handler func that accepted it, so it runs under the
// Manager's own detached lifetime context instead (cancelled only by
// Shutdown).
func (m *Manager) Accept(conn *websocket.Conn) *session.Handler {
	m.mu.Lock()
	if !m.accepted {
		m.accepted = true
		m.dispatcher.Freeze()
	}
	m.mu.Unlock()

	ctx := m.lifeCtx
	id := uuid.NewString()

	f := wsproto.NewFramer(conn, m.opts.PingInterval, m.opts.PingTimeout)
	f.Start(ctx)

	var logger *logging.ScopedLogger
	if m.opts.Logger != nil {
		logger = m.opts.Logger.For("session." + id)
	}

	rec := m.newRecorder(id, logger)

	h := session.New(id, f, m.dispatcher, logger, session.Options{
		DefaultShell:       m.opts.DefaultShell,
		Recorder:           rec,
		OnClose:            m.remove,
		DebounceWindow:     m.opts.DebounceWindow,
		IdleFlush:          m.opts.IdleFlush,
		MaxBuf:             m.opts.MaxBuf,
		MaxOscPayloadBytes: m.opts.MaxOscPayloadBytes,
	})

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	go func() {
		if err := h.Run(ctx); err != nil && m.logger != nil {
			m.logger.Info("session ended", "session", id, "error", err)
		}
	}()

	return h
}

// recorderTap is the interface session.Options.Recorder expects; declared
// here too so newRecorder can return nil cleanly (a nil *recorder.Recorder
// inside a non-nil interface value would be a subtle bug, so we return the
// untyped nil interface when recording is disabled).
type recorderTap interface {
	AppendInput(b []byte)
	AppendOutput(b []byte)
	AppendResize(cols, rows uint16)
	AppendViewer(kind string, payload map[string]any)
	SetDimensions(cols, rows uint16)
	Start() string
	Stop() error
}

func (m *Manager) newRecorder(id string, logger *logging.ScopedLogger) recorderTap {
	if m.opts.RecordingDir == "" {
		return nil
	}
	path := filepath.Join(m.opts.RecordingDir, id+".jsonl")
	sink, err := recorder.NewFileSink(path)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to open recording sink, recording disabled for session", "session", id, "error", err)
		}
		return nil
	}
	return recorder.New(id, 0, 0, m.opts.RecorderRingSize, sink, logger)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// ByID returns the handler for id, or nil if no such session is live.
func (m *Manager) ByID(id string) *session.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// All returns a point-in-time snapshot of live sessions. Safe to iterate
// without blocking concurrent Accept/remove calls.
func (m *Manager) All() []*session.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Handler, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown signals every live session to close and waits up to Grace for
// all of them to reach Closed. Sessions still open past the deadline rely
// on PtySession's own SIGTERM/SIGKILL grace to eventually terminate; this
// call does not block past Grace waiting for that.
func (m *Manager) Shutdown(ctx context.Context) {
	defer m.lifeCancel()

	handlers := m.All()
	for _, h := range handlers {
		h.Close("server shutdown")
	}

	deadline := time.Now().Add(Grace)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.Count() == 0 {
			return
		}
		if time.Now().After(deadline) {
			if m.logger != nil {
				m.logger.Warn("shutdown grace period elapsed with sessions still open", "remaining", m.Count())
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

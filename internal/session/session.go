// Package session implements the per-connection state machine that ties a
// WsFramer, a PtySession and the OSC scanner/dispatcher into one supervised
// unit (spec.md §4.5): handshake, input pump, output pump, exit watcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"termhub/internal/logging"
	"termhub/internal/osc"
	"termhub/internal/pty"
	"termhub/internal/wsproto"
)

// State is the SessionHandler's lifecycle stage.
type State int32

const (
	StateAccepted State = iota
	StateAuthenticated
	StateStarting
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticated:
		return "authenticated"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MaxMalformed is the number of consecutive unrecognized frames after which
// a connection is closed (spec.md §4.5, §7 ProtocolError).
const MaxMalformed = 16

// framer is the subset of *wsproto.Framer the handler depends on, narrowed
// so tests can substitute an in-memory double.
type framer interface {
	Send(wsproto.Message) error
	Recv() <-chan wsproto.Message
	Close(status websocket.StatusCode, reason string)
}

// recorderTap is the subset of *recorder.Recorder the handler taps into.
// Optional: a nil Options.Recorder means the session is not recorded.
type recorderTap interface {
	AppendInput(b []byte)
	AppendOutput(b []byte)
	AppendResize(cols, rows uint16)
	AppendViewer(kind string, payload map[string]any)
	SetDimensions(cols, rows uint16)
	Start() string
	Stop() error
}

// Opener creates the PTY-backed child for a session. Production code uses
// pty.Open; tests substitute a double that doesn't fork a real shell.
type Opener func(id string, opts pty.Options, logger *logging.ScopedLogger) (*pty.Session, error)

// Options configures a Handler beyond its required collaborators.
type Options struct {
	DefaultShell  string
	Opener        Opener // defaults to pty.Open
	Recorder      recorderTap
	OnViewerEvent func(event string, payload map[string]any)
	OnClose       func(id string)

	// PTY debounce tuning and the OSC payload bound, forwarded from
	// config.PTYConfig (spec.md §6.3). Zero means "use the package
	// default" at both the pty and osc layers.
	DebounceWindow     time.Duration
	IdleFlush          time.Duration
	MaxBuf             int
	MaxOscPayloadBytes int
}

// Handler is one session's state machine. Created per accepted WebSocket
// connection; owns exactly one PtySession.
type Handler struct {
	id         string
	framer     framer
	dispatcher *osc.Dispatcher
	scanner    *osc.Scanner
	logger     *logging.ScopedLogger
	opts       Options

	state atomic.Int32
	ptySession atomic.Pointer[pty.Session]

	malformed atomic.Int32
}

// New returns a ready-to-Run Handler for a single accepted connection.
func New(id string, f *wsproto.Framer, dispatcher *osc.Dispatcher, logger *logging.ScopedLogger, opts Options) *Handler {
	if opts.Opener == nil {
		opts.Opener = pty.Open
	}
	return newHandler(id, f, dispatcher, logger, opts)
}

func newHandler(id string, f framer, dispatcher *osc.Dispatcher, logger *logging.ScopedLogger, opts Options) *Handler {
	h := &Handler{
		id:         id,
		framer:     f,
		dispatcher: dispatcher,
		scanner:    osc.NewScannerWithLimit(opts.MaxOscPayloadBytes),
		logger:     logger,
		opts:       opts,
	}
	h.state.Store(int32(StateAccepted))
	return h
}

// ID returns the session's id.
func (h *Handler) ID() string { return h.id }

// State returns the handler's current lifecycle stage.
func (h *Handler) State() State { return State(h.state.Load()) }

// PTY returns the underlying PTY session, or nil before SessionStarting
// completes.
func (h *Handler) PTY() *pty.Session { return h.ptySession.Load() }

// Close requests a graceful shutdown: if the PTY already exists, it is
// signaled to terminate and the normal exit-watcher path drives the
// handler through Closing to Closed; otherwise (no PTY yet, e.g. still
// Accepted) the framer is closed directly. Used by ConnectionManager's
// shutdown sweep.
func (h *Handler) Close(reason string) {
	if p := h.ptySession.Load(); p != nil {
		p.Close(reason)
		return
	}
	h.framer.Close(websocket.StatusGoingAway, reason)
}

var errNoStartSession = errors.New("session: first frame was not start-session")

// Run drives the handler through its full lifecycle: it blocks until the
// connection and its PTY have both ended. Safe to call exactly once.
func (h *Handler) Run(ctx context.Context) error {
	h.state.Store(int32(StateAuthenticated))

	msg, ok := <-h.framer.Recv()
	if !ok {
		h.state.Store(int32(StateClosed))
		return errNoStartSession
	}
	if msg.Type != wsproto.TypeStartSession {
		h.sendError("protocol", "expected start-session as first frame")
		h.framer.Close(websocket.StatusProtocolError, "expected start-session")
		h.state.Store(int32(StateClosed))
		return errNoStartSession
	}

	h.state.Store(int32(StateStarting))
	ptySession, err := h.startSession(msg)
	if err != nil {
		h.sendError("fatal", err.Error())
		h.framer.Close(websocket.StatusInternalError, "pty create failed")
		h.state.Store(int32(StateClosed))
		return fmt.Errorf("session: start: %w", err)
	}
	h.ptySession.Store(ptySession)

	if h.opts.Recorder != nil {
		h.opts.Recorder.SetDimensions(msg.Cols, msg.Rows)
		h.opts.Recorder.Start()
	}

	_ = h.framer.Send(wsproto.Message{
		Type: wsproto.TypeSessionStarted,
		ID:   h.id,
		Cols: msg.Cols,
		Rows: msg.Rows,
	})
	h.state.Store(int32(StateRunning))

	var wg sync.WaitGroup
	wg.Add(1)
	go h.inputPump(&wg)

	outputDone := make(chan struct{})
	go h.outputPump(outputDone)

	go func() {
		select {
		case <-ctx.Done():
			ptySession.Close("context cancelled")
		case <-outputDone:
		}
	}()

	exitInfo := ptySession.WaitExit()
	h.state.Store(int32(StateClosing))
	<-outputDone

	_ = h.framer.Send(wsproto.Message{
		Type:  wsproto.TypeControl,
		Event: "session-exit",
		Payload: map[string]any{
			"exitCode": exitInfo.ExitCode,
			"signal":   signalOrNil(exitInfo.Signal),
		},
	})
	h.framer.Close(websocket.StatusNormalClosure, "session ended")
	wg.Wait()

	if h.opts.Recorder != nil {
		_ = h.opts.Recorder.Stop()
	}
	h.state.Store(int32(StateClosed))
	if h.opts.OnClose != nil {
		h.opts.OnClose(h.id)
	}
	return nil
}

func signalOrNil(sig string) any {
	if sig == "" {
		return nil
	}
	return sig
}

func (h *Handler) startSession(msg wsproto.Message) (*pty.Session, error) {
	shell := msg.Shell
	if shell == "" {
		shell = h.opts.DefaultShell
	}
	return h.opts.Opener(h.id, pty.Options{
		Cols:           msg.Cols,
		Rows:           msg.Rows,
		Cwd:            msg.Cwd,
		Shell:          shell,
		DebounceWindow: h.opts.DebounceWindow,
		IdleFlush:      h.opts.IdleFlush,
		MaxBuf:         h.opts.MaxBuf,
	}, h.logger)
}

// inputPump classifies each inbound frame and acts on it (spec.md §4.5a).
// Returns once the framer's receive channel closes.
func (h *Handler) inputPump(wg *sync.WaitGroup) {
	defer wg.Done()
	p := h.ptySession.Load()

	for msg := range h.framer.Recv() {
		switch msg.Type {
		case wsproto.TypeInput:
			b, err := msg.Bytes()
			if err != nil {
				h.onMalformed()
				continue
			}
			h.malformed.Store(0)
			if err := p.Write(b); err != nil && h.logger != nil {
				h.logger.Warn("pty write failed", "session", h.id, "error", err)
			}
			if h.opts.Recorder != nil {
				h.opts.Recorder.AppendInput(b)
			}

		case wsproto.TypeResize:
			h.malformed.Store(0)
			if err := p.Resize(msg.Cols, msg.Rows); err != nil {
				h.sendError("bounds", err.Error())
				continue
			}
			if h.opts.Recorder != nil {
				h.opts.Recorder.AppendResize(msg.Cols, msg.Rows)
			}

		case wsproto.TypeViewer:
			h.malformed.Store(0)
			if h.opts.OnViewerEvent != nil {
				h.opts.OnViewerEvent(msg.Event, msg.Payload)
			}

		case wsproto.TypePing:
			h.malformed.Store(0)
			_ = h.framer.Send(wsproto.Message{Type: wsproto.TypePong})

		default:
			if h.onMalformed() {
				p.Close("too many malformed frames")
				return
			}
		}
	}
}

// onMalformed counts a protocol violation and reports whether the N=16
// consecutive-violation threshold has now been reached. Reset to 0 by
// inputPump whenever a well-formed frame arrives, so it tracks a streak,
// not a cumulative total (spec.md §4.5).
func (h *Handler) onMalformed() bool {
	n := h.malformed.Add(1)
	return n >= MaxMalformed
}

// outputPump reads post-debounce PTY chunks, runs them through the OSC
// scanner one byte at a time, and forwards clean output / viewer messages
// to the client in the exact order they occurred in the PTY stream.
//
// Feeding the scanner a full multi-KB chunk at once would still extract
// envelopes correctly, but Scanner.Feed returns all clean bytes and all
// envelopes as two separate aggregated slices — the relative position of
// an envelope among several clean segments within one chunk would be
// lost. Feeding one byte at a time preserves that position at the cost of
// more Feed calls, which is the deliberate tradeoff here.
func (h *Handler) outputPump(done chan struct{}) {
	defer close(done)
	p := h.ptySession.Load()

	var cleanAcc []byte
	flush := func() {
		if len(cleanAcc) == 0 {
			return
		}
		_ = h.framer.Send(wsproto.NewOutputMessage(cleanAcc))
		if h.opts.Recorder != nil {
			h.opts.Recorder.AppendOutput(cleanAcc)
		}
		cleanAcc = nil
	}

	for chunk := range p.Output() {
		for i := range chunk {
			res := h.scanner.Feed(chunk[i : i+1])
			cleanAcc = append(cleanAcc, res.Clean...)
			if len(res.Envelopes) == 0 {
				continue
			}
			flush()
			for _, env := range res.Envelopes {
				ve, ok := h.dispatcher.Dispatch(env)
				if !ok {
					continue
				}
				_ = h.framer.Send(wsproto.Message{Type: wsproto.TypeViewer, Kind: ve.Kind, Payload: ve.Payload})
				if h.opts.Recorder != nil {
					h.opts.Recorder.AppendViewer(ve.Kind, ve.Payload)
				}
			}
		}
	}
	flush()
}

func (h *Handler) sendError(code, message string) {
	_ = h.framer.Send(wsproto.Message{Type: wsproto.TypeError, Code: code, Message: message})
}

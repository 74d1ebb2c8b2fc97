package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"termhub/internal/logging"
)

// Options configures a new Session (spec.md §4.1 open()). The debounce
// tuning fields are escape hatches for unusual deployments (spec.md §6.3);
// zero means "use the package default".
type Options struct {
	Cols  uint16
	Rows  uint16
	Cwd   string
	Shell string
	Env   []string

	DebounceWindow time.Duration
	IdleFlush      time.Duration
	MaxBuf         int
}

func (o Options) debounceWindow() time.Duration {
	if o.DebounceWindow > 0 {
		return o.DebounceWindow
	}
	return DebounceWindow
}

func (o Options) idleFlush() time.Duration {
	if o.IdleFlush > 0 {
		return o.IdleFlush
	}
	return IdleFlush
}

func (o Options) maxBuf() int {
	if o.MaxBuf > 0 {
		return o.MaxBuf
	}
	return MaxBuf
}

// Session owns one child process and its PTY master. It is created by Open
// and exclusively owned by the SessionHandler that opened it.
type Session struct {
	id     string
	logger *logging.ScopedLogger

	cmd  *exec.Cmd
	ptmx *os.File

	cols atomic.Uint32 // packed cols in low 16 bits, rows in high 16 — see packSize
	state atomic.Int32

	debounceWindow time.Duration
	idleFlush      time.Duration
	maxBuf         int

	writeMu sync.Mutex

	rawCh    chan []byte
	outputCh chan []byte

	closeOnce sync.Once
	doneCh    chan struct{}

	exitMu   sync.Mutex
	exitInfo ExitInfo
}

// Open forks shell under a new PTY with the requested window size, cwd and
// environment. TERM is always set to xterm-256color regardless of the
// caller's env, matching the standard terminal-over-websocket convention.
func Open(id string, opts Options, logger *logging.ScopedLogger) (*Session, error) {
	if err := ValidateSize(opts.Cols, opts.Rows); err != nil {
		return nil, err
	}
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell()
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.Cwd
	cmd.Env = append(append([]string{}, opts.Env...), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, &PtyCreateError{Shell: shell, Err: err}
	}

	s := &Session{
		id:             id,
		logger:         logger,
		cmd:            cmd,
		ptmx:           ptmx,
		rawCh:          make(chan []byte, 8),
		outputCh:       make(chan []byte, 8),
		doneCh:         make(chan struct{}),
		debounceWindow: opts.debounceWindow(),
		idleFlush:      opts.idleFlush(),
		maxBuf:         opts.maxBuf(),
	}
	s.cols.Store(packSize(opts.Cols, opts.Rows))
	s.state.Store(int32(StateRunning))

	go s.readLoop()
	go s.debounceLoop()
	go s.waitLoop()

	return s, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func packSize(cols, rows uint16) uint32 {
	return uint32(cols) | uint32(rows)<<16
}

func unpackSize(v uint32) (cols, rows uint16) {
	return uint16(v & 0xffff), uint16(v >> 16)
}

// Size returns the session's current window dimensions.
func (s *Session) Size() (cols, rows uint16) {
	return unpackSize(s.cols.Load())
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// Write enqueues bytes to the PTY master. Safe to call concurrently with
// read and with other Write calls.
func (s *Session) Write(b []byte) error {
	if s.State() != StateRunning {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Resize updates the PTY window dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if s.State() != StateRunning {
		return ErrClosed
	}
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	s.cols.Store(packSize(cols, rows))
	return nil
}

// Output returns the single-consumer stream of post-debounce byte chunks.
// The channel closes once the child exits or Close is called and the
// cleanup flush has run.
func (s *Session) Output() <-chan []byte {
	return s.outputCh
}

// Close transitions the session to Terminating: SIGHUP then SIGTERM are
// sent immediately, SIGKILL after killGrace if the child hasn't reaped.
// Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateTerminating))
		if s.logger != nil {
			s.logger.Info("pty session closing", "session", s.id, "reason", reason)
		}
		if proc := s.cmd.Process; proc != nil {
			_ = proc.Signal(syscall.SIGHUP)
			_ = proc.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-s.doneCh:
			case <-time.After(killGrace):
				if proc := s.cmd.Process; proc != nil {
					_ = proc.Kill()
				}
			}
		}()
		// Closing the master unblocks the blocking Read in readLoop.
		_ = s.ptmx.Close()
	})
}

// WaitExit blocks until the session reaches Terminated and returns how the
// child ended.
func (s *Session) WaitExit() ExitInfo {
	<-s.doneCh
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	return s.exitInfo
}

func (s *Session) readLoop() {
	defer close(s.rawCh)
	buf := make([]byte, s.maxBuf)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.rawCh <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	info := ExitInfo{Reason: ExitNormal}
	if s.State() == StateTerminating {
		info.Reason = ExitClosedByCaller
	}
	if err != nil {
		if ws, ok := s.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				info.Signal = ws.Signal().String()
			}
			info.ExitCode = ws.ExitStatus()
		} else {
			info.ExitCode = -1
		}
	} else if s.cmd.ProcessState != nil {
		info.ExitCode = s.cmd.ProcessState.ExitCode()
	}

	s.exitMu.Lock()
	s.exitInfo = info
	s.exitMu.Unlock()

	s.state.Store(int32(StateTerminated))
	close(s.doneCh)
}

// debounceLoop implements the size/idle/deadline flush algorithm of
// spec.md §4.1.
func (s *Session) debounceLoop() {
	defer close(s.outputCh)

	var buffer []byte
	idleTimer := time.NewTimer(s.idleFlush)
	if !idleTimer.Stop() {
		<-idleTimer.C
	}
	deadlineTimer := time.NewTimer(time.Hour)
	if !deadlineTimer.Stop() {
		<-deadlineTimer.C
	}
	deadlineArmed := false

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		out := buffer
		buffer = nil
		s.outputCh <- out
		if deadlineArmed {
			if !deadlineTimer.Stop() {
				select {
				case <-deadlineTimer.C:
				default:
				}
			}
			deadlineArmed = false
		}
	}

	for {
		select {
		case chunk, ok := <-s.rawCh:
			if !ok {
				flush()
				return
			}
			if len(buffer) > 0 && len(buffer)+len(chunk) > s.maxBuf {
				flush()
			}
			wasEmpty := len(buffer) == 0
			buffer = append(buffer, chunk...)
			if wasEmpty {
				deadlineTimer.Reset(s.debounceWindow)
				deadlineArmed = true
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.idleFlush)
			if len(buffer) >= s.maxBuf {
				flush()
			}
		case <-idleTimer.C:
			flush()
		case <-deadlineTimer.C:
			deadlineArmed = false
			flush()
		}
	}
}

package pty

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestSession() *Session {
	s := &Session{
		rawCh:          make(chan []byte, 64),
		outputCh:       make(chan []byte, 64),
		doneCh:         make(chan struct{}),
		debounceWindow: DebounceWindow,
		idleFlush:      IdleFlush,
		maxBuf:         MaxBuf,
	}
	s.state.Store(int32(StateRunning))
	return s
}

func TestOptions_TuningDefaultsAndOverrides(t *testing.T) {
	def := Options{}
	if got := def.debounceWindow(); got != DebounceWindow {
		t.Errorf("default debounceWindow = %v, want %v", got, DebounceWindow)
	}
	if got := def.idleFlush(); got != IdleFlush {
		t.Errorf("default idleFlush = %v, want %v", got, IdleFlush)
	}
	if got := def.maxBuf(); got != MaxBuf {
		t.Errorf("default maxBuf = %v, want %v", got, MaxBuf)
	}

	override := Options{
		DebounceWindow: 250 * time.Millisecond,
		IdleFlush:      10 * time.Millisecond,
		MaxBuf:         1024,
	}
	if got := override.debounceWindow(); got != 250*time.Millisecond {
		t.Errorf("override debounceWindow = %v, want 250ms", got)
	}
	if got := override.idleFlush(); got != 10*time.Millisecond {
		t.Errorf("override idleFlush = %v, want 10ms", got)
	}
	if got := override.maxBuf(); got != 1024 {
		t.Errorf("override maxBuf = %v, want 1024", got)
	}
}

func TestDebounceLoop_SizeFlush(t *testing.T) {
	s := newTestSession()
	go s.debounceLoop()

	big := bytes.Repeat([]byte("x"), MaxBuf)
	s.rawCh <- big

	select {
	case out := <-s.outputCh:
		if len(out) != MaxBuf {
			t.Fatalf("flushed %d bytes, want %d", len(out), MaxBuf)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for size-triggered flush")
	}
}

func TestDebounceLoop_IdleFlush(t *testing.T) {
	s := newTestSession()
	go s.debounceLoop()

	s.rawCh <- []byte("hi")

	start := time.Now()
	select {
	case out := <-s.outputCh:
		elapsed := time.Since(start)
		if string(out) != "hi" {
			t.Fatalf("got %q, want %q", out, "hi")
		}
		if elapsed < IdleFlush || elapsed > DebounceWindow {
			t.Fatalf("idle flush took %v, want between %v and %v", elapsed, IdleFlush, DebounceWindow)
		}
	case <-time.After(2 * DebounceWindow):
		t.Fatal("timed out waiting for idle flush")
	}
}

func TestDebounceLoop_DeadlineFlush(t *testing.T) {
	s := newTestSession()
	go s.debounceLoop()

	start := time.Now()
	deadline := time.After(DebounceWindow + IdleFlush)
	done := false
	for !done {
		select {
		case <-deadline:
			done = true
		default:
			s.rawCh <- []byte("a")
			time.Sleep(IdleFlush / 2)
		}
	}

	select {
	case out := <-s.outputCh:
		elapsed := time.Since(start)
		if len(out) == 0 {
			t.Fatal("flushed empty buffer")
		}
		if elapsed > DebounceWindow+2*IdleFlush {
			t.Fatalf("deadline flush took %v, want <= %v", elapsed, DebounceWindow+2*IdleFlush)
		}
	case <-time.After(DebounceWindow + 5*IdleFlush):
		t.Fatal("timed out waiting for deadline flush")
	}
}

func TestDebounceLoop_CleanupFlushOnClose(t *testing.T) {
	s := newTestSession()
	go s.debounceLoop()

	s.rawCh <- []byte("tail")
	close(s.rawCh)

	select {
	case out, ok := <-s.outputCh:
		if !ok {
			t.Fatal("output channel closed before cleanup flush")
		}
		if string(out) != "tail" {
			t.Fatalf("got %q, want %q", out, "tail")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cleanup flush")
	}

	select {
	case _, ok := <-s.outputCh:
		if ok {
			t.Fatal("expected output channel to close after cleanup flush")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel never closed")
	}
}

func TestOpen_EchoRoundTrip(t *testing.T) {
	s, err := Open("test-session", Options{
		Cols:  80,
		Rows:  24,
		Shell: "/bin/sh",
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close("test cleanup")

	if err := s.Write([]byte("echo hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var collected strings.Builder
	deadline := time.After(5 * time.Second)
	found := false
	for !found {
		select {
		case chunk, ok := <-s.Output():
			if !ok {
				t.Fatal("output closed before echo observed")
			}
			collected.Write(chunk)
			if strings.Contains(collected.String(), "hi") {
				found = true
			}
		case <-deadline:
			t.Fatalf("timed out; got %q", collected.String())
		}
	}
}

func TestResize_RejectsOutOfBounds(t *testing.T) {
	s, err := Open("test-session", Options{Cols: 80, Rows: 24, Shell: "/bin/sh"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close("test cleanup")

	if err := s.Resize(1, 1); err != ErrBounds {
		t.Fatalf("Resize(1,1) = %v, want ErrBounds", err)
	}
	if err := s.Resize(120, 40); err != nil {
		t.Fatalf("Resize(120,40): %v", err)
	}
	cols, rows := s.Size()
	if cols != 120 || rows != 40 {
		t.Fatalf("Size() = (%d,%d), want (120,40)", cols, rows)
	}
}

func TestClose_IsIdempotentAndWaitExitCompletes(t *testing.T) {
	s, err := Open("test-session", Options{Cols: 80, Rows: 24, Shell: "/bin/sh"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Close("first")
	s.Close("second") // must not panic or double-send on a closed channel

	info := s.WaitExit()
	if info.Reason != ExitClosedByCaller {
		t.Fatalf("ExitInfo.Reason = %v, want ExitClosedByCaller", info.Reason)
	}
	if s.State() != StateTerminated {
		t.Fatalf("State() = %v, want Terminated", s.State())
	}
}

func TestWrite_FailsAfterClose(t *testing.T) {
	s, err := Open("test-session", Options{Cols: 80, Rows: 24, Shell: "/bin/sh"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close("closing")
	s.WaitExit()

	if err := s.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("Write after close = %v, want ErrClosed", err)
	}
}

func TestOpen_InvalidSizeRejected(t *testing.T) {
	_, err := Open("test-session", Options{Cols: 1, Rows: 1, Shell: "/bin/sh"}, nil)
	if err != ErrBounds {
		t.Fatalf("Open with invalid size = %v, want ErrBounds", err)
	}
}

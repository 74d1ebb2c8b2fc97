package wsproto

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// SendQueue is the bounded depth of the outbound message queue (spec.md §4.4).
const SendQueue = 64

var (
	// ErrClosed is returned by Send once the framer has begun closing.
	ErrClosed = errors.New("wsproto: framer closed")
	// ErrBackpressureDropped is returned by Send when the queue is full and
	// the message's kind is not eligible for coalescing.
	ErrBackpressureDropped = errors.New("wsproto: send queue full, message dropped")
)

// CloseReason identifies why a Framer stopped, for logging and for the
// SessionHandler's exit-path bookkeeping.
type CloseReason int

const (
	CloseUnspecified CloseReason = iota
	ClosePeerClosed
	CloseLocal
	CloseKeepaliveLost
)

// Framer is a single WebSocket's JSON message codec plus bounded send queue
// and keepalive watchdog. One Framer is owned by exactly one SessionHandler.
type Framer struct {
	conn *websocket.Conn

	pingInterval time.Duration
	pingTimeout  time.Duration

	mu      sync.Mutex
	queue   []Message
	wake    chan struct{}
	closed  bool
	closeOnce sync.Once

	recvCh chan Message

	frameSignal chan struct{}

	doneCh      chan struct{}
	closeReason CloseReason
}

// NewFramer wraps conn. Call Start to begin pumping; Close to tear down.
func NewFramer(conn *websocket.Conn, pingInterval, pingTimeout time.Duration) *Framer {
	f := &Framer{
		conn:         conn,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		wake:         make(chan struct{}, 1),
		recvCh:       make(chan Message, 16),
		frameSignal:  make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	return f
}

// Start launches the writer, reader and keepalive goroutines. It returns
// immediately; use Recv and Done to observe completion.
func (f *Framer) Start(ctx context.Context) {
	go f.writeLoop(ctx)
	go f.readLoop(ctx)
	go f.keepaliveLoop(ctx)
}

// Send enqueues msg for delivery. Never blocks on the socket. On a full
// queue, an "output" message is coalesced onto the last queued "output"
// message; any other kind is dropped and reported via ErrBackpressureDropped.
func (f *Framer) Send(msg Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if len(f.queue) >= SendQueue {
		last := len(f.queue) - 1
		if msg.Type == TypeOutput && f.queue[last].Type == TypeOutput {
			f.queue[last] = coalesceOutput(f.queue[last], msg)
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()
		return ErrBackpressureDropped
	}
	f.queue = append(f.queue, msg)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func coalesceOutput(a, b Message) Message {
	aBytes, _ := a.Bytes()
	bBytes, _ := b.Bytes()
	return NewOutputMessage(append(aBytes, bBytes...))
}

// Recv returns the channel of inbound, decoded messages. It closes when the
// peer disconnects, a read error occurs, or Close is called.
func (f *Framer) Recv() <-chan Message {
	return f.recvCh
}

// Done is closed once the read loop has exited; the write and keepalive
// goroutines may still be finishing at that point.
func (f *Framer) Done() <-chan struct{} {
	return f.doneCh
}

// CloseReason reports why the framer stopped. Only meaningful after Done()
// has fired.
func (f *Framer) CloseReason() CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

// Close marks the framer closed and tears down the underlying connection.
// Idempotent.
func (f *Framer) Close(status websocket.StatusCode, reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		if f.closeReason == CloseUnspecified {
			f.closeReason = CloseLocal
		}
		f.mu.Unlock()
		_ = f.conn.Close(status, reason)
		select {
		case f.wake <- struct{}{}:
		default:
		}
	})
}

func (f *Framer) writeLoop(ctx context.Context) {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.mu.Unlock()
			select {
			case <-f.wake:
			case <-ctx.Done():
				return
			}
			f.mu.Lock()
		}
		if f.closed && len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		encoded, err := msg.Encode()
		if err != nil {
			continue
		}
		if err := f.conn.Write(ctx, websocket.MessageText, encoded); err != nil {
			f.markClosed(CloseLocal)
			_ = f.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (f *Framer) readLoop(ctx context.Context) {
	defer close(f.recvCh)
	defer f.signalDone()
	for {
		_, raw, err := f.conn.Read(ctx)
		if err != nil {
			f.markClosed(ClosePeerClosed)
			return
		}
		select {
		case f.frameSignal <- struct{}{}:
		default:
		}
		msg, err := Decode(raw)
		if err != nil {
			continue
		}
		select {
		case f.recvCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends a ping every pingInterval (spec.md §4.4) and watches a
// deadline timer reset on every inbound frame, so a silent peer is detected
// within pingInterval+pingTimeout of its last frame rather than only at the
// next ping-interval tick.
func (f *Framer) keepaliveLoop(ctx context.Context) {
	pingTicker := time.NewTicker(f.pingInterval)
	defer pingTicker.Stop()

	deadline := f.pingInterval + f.pingTimeout
	watchdog := time.NewTimer(deadline)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.doneCh:
			return
		case <-pingTicker.C:
			_ = f.Send(Message{Type: TypePing})
		case <-f.frameSignal:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(deadline)
		case <-watchdog.C:
			f.markClosed(CloseKeepaliveLost)
			_ = f.conn.Close(websocket.StatusPolicyViolation, "keepalive lost")
			return
		}
	}
}

func (f *Framer) markClosed(reason CloseReason) {
	f.mu.Lock()
	wasClosed := f.closed
	f.closed = true
	if f.closeReason == CloseUnspecified {
		f.closeReason = reason
	}
	f.mu.Unlock()
	if !wasClosed {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
}

func (f *Framer) signalDone() {
	select {
	case <-f.doneCh:
	default:
		close(f.doneCh)
	}
}

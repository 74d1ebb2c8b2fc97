package wsproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// serverFramer starts an httptest server that upgrades one connection and
// hands the resulting Framer to onAccept. Returns the ws:// URL to dial.
func serverFramer(t *testing.T, onAccept func(*Framer)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		f := NewFramer(conn, time.Hour, time.Hour)
		f.Start(r.Context())
		onAccept(f)
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func TestFramer_SendDeliversJSON(t *testing.T) {
	ready := make(chan struct{})
	url := serverFramer(t, func(f *Framer) {
		_ = f.Send(Message{Type: TypeOutput, Data: "hello"})
		close(ready)
	})

	conn := dial(t, url)
	<-ready

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeOutput || msg.Data != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestFramer_RecvDecodesClientMessages(t *testing.T) {
	received := make(chan Message, 1)
	url := serverFramer(t, func(f *Framer) {
		go func() {
			for msg := range f.Recv() {
				received <- msg
			}
		}()
	})

	conn := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"input","data":"echo hi\n"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeInput || msg.Data != "echo hi\n" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

func TestFramer_BackpressureCoalescesOutput(t *testing.T) {
	f := &Framer{
		wake: make(chan struct{}, 1), recvCh: make(chan Message, 1), doneCh: make(chan struct{}),
	}

	for i := 0; i < SendQueue; i++ {
		if err := f.Send(Message{Type: TypeOutput, Data: "x"}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if err := f.Send(Message{Type: TypeOutput, Data: "y"}); err != nil {
		t.Fatalf("coalescing Send should not error: %v", err)
	}
	if len(f.queue) != SendQueue {
		t.Fatalf("queue length = %d, want unchanged %d (coalesced)", len(f.queue), SendQueue)
	}
	last := f.queue[len(f.queue)-1]
	if last.Data != "xy" {
		t.Fatalf("coalesced data = %q, want %q", last.Data, "xy")
	}
}

func TestFramer_BackpressureDropsNonOutput(t *testing.T) {
	f := &Framer{
		wake: make(chan struct{}, 1), recvCh: make(chan Message, 1), doneCh: make(chan struct{}),
	}
	for i := 0; i < SendQueue; i++ {
		_ = f.Send(Message{Type: TypeOutput, Data: "x"})
	}
	err := f.Send(Message{Type: TypeControl, Event: "session-exit"})
	if err != ErrBackpressureDropped {
		t.Fatalf("Send = %v, want ErrBackpressureDropped", err)
	}
}

func TestFramer_SendAfterCloseFails(t *testing.T) {
	f := &Framer{
		wake: make(chan struct{}, 1), recvCh: make(chan Message, 1), doneCh: make(chan struct{}),
		closed: true,
	}
	if err := f.Send(Message{Type: TypePing}); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

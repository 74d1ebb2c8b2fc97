package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"termhub/internal/osc"
)

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

func TestManager_AcceptRegistersAndRunsASession(t *testing.T) {
	m := New(Options{DefaultShell: "/bin/sh"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		h := m.Accept(conn)
		<-r.Context().Done()
		_ = h
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	conn := dial(t, url)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"start-session","cols":80,"rows":24,"shell":"/bin/sh"}`)); err != nil {
		t.Fatalf("write start-session: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	all := m.All()
	if len(all) != 1 {
		t.Fatalf("All() returned %d handlers, want 1", len(all))
	}
	if m.ByID(all[0].ID()) == nil {
		t.Fatal("ByID returned nil for a known session")
	}
	if m.ByID("does-not-exist") != nil {
		t.Fatal("ByID returned non-nil for an unknown session")
	}
}

func TestManager_RegisterOscClosesAfterFirstAccept(t *testing.T) {
	m := New(Options{DefaultShell: "/bin/sh"})

	noop := func(env osc.Envelope) (osc.ViewerEvent, bool) { return osc.ViewerEvent{}, false }
	if err := m.RegisterOsc(9999, noop); err != nil {
		t.Fatalf("RegisterOsc before accept: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		m.Accept(conn)
		<-r.Context().Done()
	}))
	defer srv.Close()

	dial(t, "ws"+srv.URL[len("http"):])
	time.Sleep(50 * time.Millisecond)

	if err := m.RegisterOsc(10000, noop); err != ErrRegistrationClosed {
		t.Fatalf("RegisterOsc after accept = %v, want ErrRegistrationClosed", err)
	}
}

func TestManager_ShutdownDrainsSessions(t *testing.T) {
	m := New(Options{DefaultShell: "/bin/sh"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		m.Accept(conn)
		<-r.Context().Done()
	}))
	defer srv.Close()

	conn := dial(t, "ws"+srv.URL[len("http"):])
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"start-session","cols":80,"rows":24,"shell":"/bin/sh"}`)); err != nil {
		t.Fatalf("write start-session: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && m.Count() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), Grace+2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	if m.Count() != 0 {
		t.Fatalf("Count() after Shutdown = %d, want 0", m.Count())
	}
}

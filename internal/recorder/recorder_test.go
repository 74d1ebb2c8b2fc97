package recorder

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecorder_StartIsIdempotent(t *testing.T) {
	r := New("sess-1", 80, 24, 100, nil, nil)
	id1 := r.Start()
	id2 := r.Start()
	if id1 != id2 || id1 != "sess-1" {
		t.Fatalf("Start not idempotent: %q, %q", id1, id2)
	}
	_ = r.Stop()
}

func TestRecorder_RingAccumulatesEventsInOrder(t *testing.T) {
	r := New("sess-1", 80, 24, 10, nil, nil)
	r.Start()

	r.AppendOutput([]byte("pre"))
	r.AppendViewer("image", map[string]any{"path": "/tmp/a.png"})
	r.AppendOutput([]byte("post"))
	r.AppendResize(120, 40)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec := r.Snapshot()
	if len(rec.Events) != 4 {
		t.Fatalf("got %d events, want 4", len(rec.Events))
	}
	out, err := rec.OutputStream()
	if err != nil {
		t.Fatalf("OutputStream: %v", err)
	}
	if string(out) != "prepost" {
		t.Fatalf("got %q, want %q", out, "prepost")
	}
}

func TestRecorder_RingIsBoundedAndOverwritesOldest(t *testing.T) {
	r := New("sess-1", 80, 24, 3, nil, nil)
	r.Start()
	for i := 0; i < 10; i++ {
		r.AppendOutput([]byte{byte('a' + i)})
	}
	_ = r.Stop()

	rec := r.Snapshot()
	if len(rec.Events) != 3 {
		t.Fatalf("got %d events, want bounded to 3", len(rec.Events))
	}
	last, err := rec.Events[2].OutputBytes()
	if err != nil {
		t.Fatalf("OutputBytes: %v", err)
	}
	if string(last) != "j" {
		t.Fatalf("got %q, want last-written byte %q", last, "j")
	}
}

func TestRecorder_StopIsIdempotent(t *testing.T) {
	r := New("sess-1", 80, 24, 10, nil, nil)
	r.Start()
	if err := r.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRecorder_AppendBeforeStartIsDiscarded(t *testing.T) {
	r := New("sess-1", 80, 24, 10, nil, nil)
	r.AppendOutput([]byte("too early"))
	r.Start()
	_ = r.Stop()
	if len(r.Snapshot().Events) != 0 {
		t.Fatalf("expected no events recorded before Start")
	}
}

func TestRecorder_FileSinkRoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	r := New("sess-1", 80, 24, 0, sink, nil)
	r.Start()
	r.AppendOutput([]byte("pre"))
	r.AppendViewer("image", map[string]any{"path": "/tmp/a.png"})
	r.AppendOutput([]byte("post"))
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Cols != 80 || rec.Rows != 24 {
		t.Fatalf("unexpected header: %+v", rec)
	}
	if len(rec.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(rec.Events))
	}
	out, err := rec.OutputStream()
	if err != nil {
		t.Fatalf("OutputStream: %v", err)
	}
	if string(out) != "prepost" {
		t.Fatalf("got %q, want %q", out, "prepost")
	}
}

func TestRecorder_QueueOverflowDropsAndCounts(t *testing.T) {
	r := New("sess-1", 80, 24, 10000, nil, nil)
	// Don't Start: the worker goroutine never drains, so the queue fills.
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	for i := 0; i < RecQueue+10; i++ {
		r.AppendOutput([]byte("x"))
	}
	if r.DroppedCount() == 0 {
		t.Fatalf("expected some events to be dropped once the queue filled")
	}
	close(r.queue)
	<-time.After(10 * time.Millisecond)
}

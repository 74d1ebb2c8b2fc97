package osc

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

func encode(code uint16, payload string) []byte {
	return []byte(fmt.Sprintf("\x1b]%d;%s\x07", code, payload))
}

func TestScanner_SingleEnvelope(t *testing.T) {
	s := NewScanner()
	res := s.Feed(append([]byte("before "), append(encode(1337, "ViewImage=/tmp/a.png"), []byte(" after")...)...))

	if string(res.Clean) != "before  after" {
		t.Fatalf("Clean = %q, want %q", res.Clean, "before  after")
	}
	if len(res.Envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(res.Envelopes))
	}
	env := res.Envelopes[0]
	if env.Code != 1337 || env.Payload != "ViewImage=/tmp/a.png" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestScanner_STTerminator(t *testing.T) {
	s := NewScanner()
	chunk := append([]byte("\x1b]1337;ViewVideo=/tmp/a.mp4\x1b\\"))
	res := s.Feed(chunk)
	if len(res.Clean) != 0 {
		t.Fatalf("Clean = %q, want empty", res.Clean)
	}
	if len(res.Envelopes) != 1 || res.Envelopes[0].Payload != "ViewVideo=/tmp/a.mp4" {
		t.Fatalf("unexpected envelopes: %+v", res.Envelopes)
	}
}

func TestScanner_ChunkBoundarySafety(t *testing.T) {
	full := append([]byte("before "), append(encode(1337, "ViewMarkdown=/tmp/x.md"), []byte(" after")...)...)

	for split := 0; split <= len(full); split++ {
		s := NewScanner()
		var clean []byte
		var envelopes []Envelope

		r1 := s.Feed(full[:split])
		clean = append(clean, r1.Clean...)
		envelopes = append(envelopes, r1.Envelopes...)

		r2 := s.Feed(full[split:])
		clean = append(clean, r2.Clean...)
		envelopes = append(envelopes, r2.Envelopes...)

		if string(clean) != "before  after" {
			t.Fatalf("split at %d: Clean = %q, want %q", split, clean, "before  after")
		}
		if len(envelopes) != 1 || envelopes[0].Payload != "ViewMarkdown=/tmp/x.md" {
			t.Fatalf("split at %d: unexpected envelopes: %+v", split, envelopes)
		}
	}
}

func TestScanner_ByteAtATime(t *testing.T) {
	full := append([]byte("xy"), append(encode(42, "hello"), []byte("zw")...)...)
	s := NewScanner()
	var clean []byte
	var envelopes []Envelope
	for _, b := range full {
		r := s.Feed([]byte{b})
		clean = append(clean, r.Clean...)
		envelopes = append(envelopes, r.Envelopes...)
	}
	if string(clean) != "xyzw" {
		t.Fatalf("Clean = %q, want %q", clean, "xyzw")
	}
	if len(envelopes) != 1 || envelopes[0].Code != 42 || envelopes[0].Payload != "hello" {
		t.Fatalf("unexpected envelopes: %+v", envelopes)
	}
}

func TestScanner_MalformedEscapeFlushesAsClean(t *testing.T) {
	s := NewScanner()
	// ESC followed by something other than ']' is not an OSC introducer.
	res := s.Feed([]byte("a\x1bXb"))
	if string(res.Clean) != "a\x1bXb" {
		t.Fatalf("Clean = %q, want %q", res.Clean, "a\x1bXb")
	}
	if len(res.Envelopes) != 0 {
		t.Fatalf("got %d envelopes, want 0", len(res.Envelopes))
	}
}

func TestScanner_NonDigitAfterIntroducerFlushesAsClean(t *testing.T) {
	s := NewScanner()
	res := s.Feed([]byte("\x1b]abc\x07"))
	if len(res.Envelopes) != 0 {
		t.Fatalf("got %d envelopes, want 0", len(res.Envelopes))
	}
	if string(res.Clean) != "\x1b]abc\x07" {
		t.Fatalf("Clean = %q, want %q", res.Clean, "\x1b]abc\x07")
	}
}

func TestScanner_PayloadOverflowDiscardsEnvelopeButKeepsByte(t *testing.T) {
	s := NewScanner()
	payload := bytes.Repeat([]byte("p"), MaxPayload+10)
	chunk := append([]byte("\x1b]1337;"), append(payload, bel)...)
	res := s.Feed(chunk)

	if len(res.Envelopes) != 0 {
		t.Fatalf("got %d envelopes, want 0 (envelope should be abandoned)", len(res.Envelopes))
	}
	if s.OverflowCount == 0 {
		t.Fatal("expected OverflowCount > 0")
	}
	// The overflowing byte(s) onward should appear as clean, terminator
	// byte included since by then we're back in ground state.
	if len(res.Clean) == 0 {
		t.Fatal("expected some clean bytes after overflow")
	}
}

func TestNewScannerWithLimit_OverridesPayloadBound(t *testing.T) {
	s := NewScannerWithLimit(16)
	payload := bytes.Repeat([]byte("p"), 32)
	chunk := append([]byte("\x1b]1337;"), append(payload, bel)...)
	res := s.Feed(chunk)

	if len(res.Envelopes) != 0 {
		t.Fatalf("got %d envelopes, want 0 (envelope should overflow the 16-byte limit)", len(res.Envelopes))
	}
	if s.OverflowCount == 0 {
		t.Fatal("expected OverflowCount > 0 with a tightened limit")
	}
}

func TestNewScannerWithLimit_NonPositiveFallsBackToDefault(t *testing.T) {
	s := NewScannerWithLimit(0)
	payload := bytes.Repeat([]byte("p"), MaxPayload-1)
	chunk := append([]byte("\x1b]1337;"), append(payload, bel)...)
	res := s.Feed(chunk)

	if len(res.Envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1 (payload just under the default limit should still parse)", len(res.Envelopes))
	}
}

func TestScanner_MaxPartialSafetyValve(t *testing.T) {
	s := NewScanner()
	// A pathological digit run that never reaches ';' must eventually be
	// force-flushed rather than growing pending forever.
	digits := bytes.Repeat([]byte("9"), MaxPartial+100)
	chunk := append([]byte("\x1b]"), digits...)
	res := s.Feed(chunk)

	if len(res.Envelopes) != 0 {
		t.Fatal("expected no envelopes from a non-terminating digit run")
	}
	if s.OverflowCount == 0 {
		t.Fatal("expected OverflowCount > 0 from MaxPartial safety valve")
	}
	if len(res.Clean) == 0 {
		t.Fatal("expected pending bytes to be flushed as clean")
	}
}

func TestScanner_FuzzNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewScanner()
	alphabet := []byte{0x1b, ']', ';', '\\', bel, '0', '1', '9', 'a', ' '}
	for i := 0; i < 2000; i++ {
		n := rng.Intn(32)
		chunk := make([]byte, n)
		for j := range chunk {
			chunk[j] = alphabet[rng.Intn(len(alphabet))]
		}
		res := s.Feed(chunk)
		_ = res
		if len(s.pending) > MaxPartial+3 {
			t.Fatalf("pending grew unbounded: %d bytes", len(s.pending))
		}
	}
}

func TestScanner_MultipleEnvelopesInOneChunk(t *testing.T) {
	s := NewScanner()
	chunk := append(encode(1, "a"), encode(2, "b")...)
	res := s.Feed(chunk)
	if len(res.Envelopes) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(res.Envelopes))
	}
	if res.Envelopes[0].Code != 1 || res.Envelopes[1].Code != 2 {
		t.Fatalf("unexpected envelope order: %+v", res.Envelopes)
	}
}

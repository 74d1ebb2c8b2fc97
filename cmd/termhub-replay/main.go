// pattern: Imperative Shell

// Command termhub-replay reads a session recording written by
// internal/recorder (spec.md §6.4) and replays it to stdout, sleeping each
// event's delta before writing it — the concrete form of the "round-trip
// law" in spec.md §4.6: KindOutput events are written to stdout, which
// reproduces the client-visible byte stream verbatim; resize and viewer
// events are announced on stderr so the replay is legible without a real
// terminal resizing under it; KindInput events are not replayed.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"termhub/internal/recorder"
)

func main() {
	speed := flag.Float64("speed", 1.0, "playback speed multiplier (2.0 = twice as fast)")
	quiet := flag.Bool("quiet", false, "suppress resize/viewer announcements on stderr")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: termhub-replay [-speed N] [-quiet] <recording.jsonl>\n")
		os.Exit(2)
	}

	rec, err := recorder.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := replay(rec, *speed, *quiet, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func replay(rec recorder.Recording, speed float64, quiet bool, out, announce *os.File) error {
	if speed <= 0 {
		speed = 1.0
	}
	for _, ev := range rec.Events {
		if ev.DeltaMs > 0 {
			time.Sleep(time.Duration(float64(ev.DeltaMs)/speed) * time.Millisecond)
		}
		switch ev.Kind {
		case recorder.KindOutput:
			b, err := ev.OutputBytes()
			if err != nil {
				return fmt.Errorf("decode output event: %w", err)
			}
			if _, err := out.Write(b); err != nil {
				return err
			}
		case recorder.KindResize:
			if quiet {
				continue
			}
			cols, rows, err := ev.Resize()
			if err != nil {
				return fmt.Errorf("decode resize event: %w", err)
			}
			fmt.Fprintf(announce, "\n[resize %dx%d]\n", cols, rows)
		case recorder.KindViewer:
			if quiet {
				continue
			}
			kind, payload, err := ev.Viewer()
			if err != nil {
				return fmt.Errorf("decode viewer event: %w", err)
			}
			fmt.Fprintf(announce, "\n[viewer %s %v]\n", kind, payload)
		case recorder.KindInput:
			// Replay reproduces the client-visible output stream; input
			// events are recorded for completeness but not echoed here.
		}
	}
	return nil
}

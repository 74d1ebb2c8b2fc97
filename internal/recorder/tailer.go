package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tailer follows a recording file as it is written, emitting each newly
// appended Event on Events(). It is used by live-viewing collaborators
// (e.g. the operator dashboard) that want to watch an in-progress
// recording without waiting for Stop.
type Tailer struct {
	path    string
	watcher *fsnotify.Watcher
	eventCh chan Event

	mu         sync.Mutex
	file       *os.File
	offset     int64
	headerRead bool
	closed     bool
}

// NewTailer creates a tailer for the recording at path. Start must be
// called to begin following.
func NewTailer(path string) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("recorder: create watcher: %w", err)
	}
	return &Tailer{path: path, watcher: watcher, eventCh: make(chan Event, 64)}, nil
}

// Events returns the channel of newly observed events. Closed when Start
// returns.
func (t *Tailer) Events() <-chan Event { return t.eventCh }

// Start watches the file for appended lines until ctx is cancelled. When the
// file is removed or renamed (rotation) it is closed and watching goes on;
// a file that reappears at the path is reopened. Mirrors the polling-plus-fsnotify
// pattern used for live proxy logs elsewhere in this codebase.
func (t *Tailer) Start(ctx context.Context) error {
	defer close(t.eventCh)

	dir := filepath.Dir(t.path)
	if err := t.watcher.Add(dir); err != nil {
		return fmt.Errorf("recorder: watch %s: %w", dir, err)
	}

	t.mu.Lock()
	_ = t.openFile(true)
	t.mu.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.Close()

		case ev, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				t.mu.Lock()
				_ = t.openFile(false)
				t.readNewLines()
				t.mu.Unlock()
			}
			if ev.Has(fsnotify.Write) {
				t.mu.Lock()
				t.readNewLines()
				t.mu.Unlock()
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				t.mu.Lock()
				t.closeFile()
				t.mu.Unlock()
			}

		case <-ticker.C:
			t.mu.Lock()
			if t.file == nil {
				_ = t.openFile(false)
			}
			t.readNewLines()
			t.mu.Unlock()

		case _, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func (t *Tailer) openFile(seekToEnd bool) error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	var offset int64
	if seekToEnd {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return err
		}
	}
	t.file = f
	t.offset = offset
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
		t.offset = 0
		t.headerRead = false
	}
}

func (t *Tailer) readNewLines() {
	if t.file == nil {
		return
	}
	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	scanner := bufio.NewScanner(t.file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !t.headerRead {
			// First line is the Recording header, not an Event.
			t.headerRead = true
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		select {
		case t.eventCh <- ev:
		default:
		}
	}
	if pos, err := t.file.Seek(0, io.SeekCurrent); err == nil {
		t.offset = pos
	}
}

// Close stops the tailer and releases its watcher.
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeFile()
	return t.watcher.Close()
}

package osc

import (
	"fmt"
	"sync"
)

// ViewerEvent is a structured message derived from an OSC envelope that
// instructs the browser to open a rich-content viewer.
type ViewerEvent struct {
	Kind    string
	Payload map[string]any
}

// Handler converts an envelope into a ViewerEvent. Returning false means the
// envelope was recognized but produced no viewer event (e.g. malformed
// payload for its code).
type Handler func(env Envelope) (ViewerEvent, bool)

// Dispatcher maps an OSC code to its Handler. It contains no I/O and no
// protocol knowledge — a pure lookup and transform, intentionally frozen
// after the process's first accepted connection (see internal/manager).
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
	frozen   bool

	// UnknownCount counts envelopes whose code had no registered handler.
	UnknownCount uint64
}

// NewDispatcher returns an empty, unfrozen Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint16]Handler)}
}

// Register adds a handler for code. Registering a second handler for the
// same code is a programmer error and panics, matching spec.md §4.3's
// "idempotent at registration time" contract read as a de-duplication
// guard rather than a silent overwrite.
func (d *Dispatcher) Register(code uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic(fmt.Sprintf("osc: Register(%d) called after Freeze", code))
	}
	if _, exists := d.handlers[code]; exists {
		panic(fmt.Sprintf("osc: duplicate handler registration for code %d", code))
	}
	d.handlers[code] = h
}

// Freeze prevents further registration. Called once, by ConnectionManager,
// before the first accept.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true
}

// Dispatch looks up the handler for env.Code and invokes it. An unknown
// code is discarded silently and counted, not an error.
func (d *Dispatcher) Dispatch(env Envelope) (ViewerEvent, bool) {
	d.mu.RLock()
	h, ok := d.handlers[env.Code]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		d.UnknownCount++
		d.mu.Unlock()
		return ViewerEvent{}, false
	}
	return h(env)
}

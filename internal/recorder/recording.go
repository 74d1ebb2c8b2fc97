// Package recorder implements the bounded-overhead session I/O tap and its
// on-disk serialization (spec.md §4.6, §6.4): a recording is a sequence of
// delta-timestamped events that, replayed, reproduce the client-visible
// output stream byte-for-byte.
package recorder

import (
	"encoding/base64"
	"encoding/json"
)

// Kind discriminates a RecordingEvent's payload shape.
type Kind string

const (
	KindOutput Kind = "o"
	KindInput  Kind = "i"
	KindResize Kind = "r"
	KindViewer Kind = "v"
)

// Event is one entry in a Recording. DeltaMs is the time since the previous
// event, never an absolute timestamp (spec.md §3).
type Event struct {
	DeltaMs uint32          `json:"dt"`
	Kind    Kind            `json:"k"`
	Data    json.RawMessage `json:"d"`
}

// Recording is the full serialized form of one session's tap (spec.md §6.4).
type Recording struct {
	Version   int     `json:"version"`
	Cols      uint16  `json:"cols"`
	Rows      uint16  `json:"rows"`
	StartWall string  `json:"startWall"`
	Events    []Event `json:"events"`
}

const currentVersion = 1

// NewRecording returns an empty Recording for a session that started with
// the given dimensions at startWall (RFC 3339).
func NewRecording(cols, rows uint16, startWall string) Recording {
	return Recording{Version: currentVersion, Cols: cols, Rows: rows, StartWall: startWall}
}

// bytesEvent builds an Event carrying a base64-wrapped byte payload, used
// for KindOutput and KindInput.
func bytesEvent(deltaMs uint32, kind Kind, data []byte) Event {
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return Event{DeltaMs: deltaMs, Kind: kind, Data: encoded}
}

// resizeEvent builds an Event carrying {cols,rows}, used for KindResize.
func resizeEvent(deltaMs uint32, cols, rows uint16) Event {
	encoded, _ := json.Marshal(struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}{cols, rows})
	return Event{DeltaMs: deltaMs, Kind: KindResize, Data: encoded}
}

// viewerEvent builds an Event carrying {kind,payload}, used for KindViewer.
func viewerEvent(deltaMs uint32, viewerKind string, payload map[string]any) Event {
	encoded, _ := json.Marshal(struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}{viewerKind, payload})
	return Event{DeltaMs: deltaMs, Kind: KindViewer, Data: encoded}
}

// OutputBytes decodes a KindOutput or KindInput event's payload.
func (e Event) OutputBytes() ([]byte, error) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

// Resize decodes a KindResize event's payload.
func (e Event) Resize() (cols, rows uint16, err error) {
	var v struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return 0, 0, err
	}
	return v.Cols, v.Rows, nil
}

// Viewer decodes a KindViewer event's payload.
func (e Event) Viewer() (kind string, payload map[string]any, err error) {
	var v struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return "", nil, err
	}
	return v.Kind, v.Payload, nil
}

// Marshal serializes the recording to its JSON wire form.
func (r Recording) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a recording from its JSON wire form.
func Unmarshal(raw []byte) (Recording, error) {
	var r Recording
	err := json.Unmarshal(raw, &r)
	return r, err
}

// OutputStream reconstructs the client-visible "output" byte stream by
// concatenating every KindOutput event's decoded bytes in order. This is
// the round-trip law of spec.md §4.6.
func (r Recording) OutputStream() ([]byte, error) {
	var out []byte
	for _, e := range r.Events {
		if e.Kind != KindOutput {
			continue
		}
		b, err := e.OutputBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

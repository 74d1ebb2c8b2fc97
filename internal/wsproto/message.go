// Package wsproto implements the JSON message protocol and per-connection
// framer carried over a single WebSocket (spec.md §4.4, §6.1): a bounded,
// non-blocking send queue with output-coalescing backpressure policy, plus
// an application-level ping/pong keepalive watchdog.
package wsproto

import (
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"
)

// Type is the wire discriminator carried in every Message's "type" field.
type Type string

const (
	TypeStartSession   Type = "start-session"
	TypeInput          Type = "input"
	TypeResize         Type = "resize"
	TypeViewer         Type = "viewer"
	TypePing           Type = "ping"
	TypeSessionStarted Type = "session-started"
	TypeOutput         Type = "output"
	TypeControl        Type = "control"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// Message is the tagged-union wire message of spec.md §6.1. Unused fields
// are omitted from the encoded JSON.
type Message struct {
	Type Type `json:"type"`

	// start-session / session-started
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Shell string `json:"shell,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	ID    string `json:"id,omitempty"`

	// input / output
	Data    string `json:"data,omitempty"`
	DataB64 string `json:"data_b64,omitempty"`

	// viewer / control
	Event   string         `json:"event,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewOutputMessage builds an "output" message from raw PTY bytes, using
// data_b64 instead of data whenever the chunk isn't valid UTF-8 — splitting
// a multi-byte rune across a debounce boundary is expected, not an error.
func NewOutputMessage(chunk []byte) Message {
	if utf8.Valid(chunk) {
		return Message{Type: TypeOutput, Data: string(chunk)}
	}
	return Message{Type: TypeOutput, DataB64: base64.StdEncoding.EncodeToString(chunk)}
}

// Bytes returns the decoded payload of an input/output message, preferring
// DataB64 when both are set.
func (m Message) Bytes() ([]byte, error) {
	if m.DataB64 != "" {
		return base64.StdEncoding.DecodeString(m.DataB64)
	}
	return []byte(m.Data), nil
}

// Encode marshals m to JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON frame into a Message.
func Decode(raw []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}

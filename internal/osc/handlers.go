package osc

import (
	"encoding/json"
	"strings"
)

// Known OSC codes (spec.md §6.2).
const (
	Code1337 uint16 = 1337
	Code1338 uint16 = 1338
)

// simpleViewerKinds maps a "Key=" prefix on a 1337 payload to the viewer
// kind the browser should open for a path-valued payload.
var simpleViewerKinds = map[string]string{
	"ViewImage":    "image",
	"ViewVideo":    "video",
	"ViewMarkdown": "markdown",
	"ViewHtml":     "html",
}

// jsonViewerKinds maps a "Key" (no path, JSON or free-form body) to its
// viewer kind for the more complex 1337 sub-protocols.
var jsonViewerKinds = map[string]string{
	"ViewLog":     "log",
	"ViewCert":    "cert",
	"QuerySQL":    "sql",
	"HTTPRequest": "http",
	"JWT":         "jwt",
}

// Handler1337 parses the imgcat/vidcat/mdcat/bookcat-style "Key=Value"
// convention used by code 1337 (spec.md §6.2).
func Handler1337(env Envelope) (ViewerEvent, bool) {
	key, value := splitKeyValue(env.Payload)

	if kind, ok := simpleViewerKinds[key]; ok {
		return ViewerEvent{Kind: kind, Payload: map[string]any{"path": value}}, true
	}
	if kind, ok := jsonViewerKinds[key]; ok {
		return ViewerEvent{Kind: kind, Payload: decodePayload(value)}, true
	}
	return ViewerEvent{}, false
}

// Handler1338 parses the ebook-viewer convention used by code 1338.
func Handler1338(env Envelope) (ViewerEvent, bool) {
	key, value := splitKeyValue(env.Payload)
	if key != "ViewEbook" {
		return ViewerEvent{}, false
	}
	return ViewerEvent{Kind: "ebook", Payload: map[string]any{"path": value}}, true
}

// splitKeyValue splits "Key=Value" into its parts. A payload with no '='
// is returned as (payload, "").
func splitKeyValue(payload string) (key, value string) {
	if idx := strings.IndexByte(payload, '='); idx >= 0 {
		return payload[:idx], payload[idx+1:]
	}
	return payload, ""
}

// decodePayload tries to parse value as a JSON object; if it isn't one,
// it's wrapped under "raw" so the browser still receives structured JSON.
func decodePayload(value string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(value), &m); err == nil {
		return m
	}
	return map[string]any{"raw": value}
}

// RegisterDefaults wires the known codes from spec.md §6.2 into d. Code
// 1338 (ebook viewer) is registered here too — spec.md's design notes
// treat it as belonging to the manager's static list rather than a
// collaborator-registered afterthought, but RegisterOsc remains open for
// additional collaborators registered before the first accept.
func RegisterDefaults(d *Dispatcher) {
	d.Register(Code1337, Handler1337)
	d.Register(Code1338, Handler1338)
}

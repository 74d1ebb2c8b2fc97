// Package events contains Bubble Tea message types for a co-resident TUI.
// internal/web sends SessionsChangedMsg; cmd/termhub-monitor does not import
// this package (it polls GET /api/sessions).
package events

// SessionsChangedMsg is sent after a session is accepted (not when one
// closes), so a
// co-resident monitor can refresh its table immediately instead of waiting
// for its next poll tick.
type SessionsChangedMsg struct{}

// WebListenURLMsg is sent once the web server has bound its listener.
type WebListenURLMsg struct{ URL string }

// TailscaleURLMsg is sent when the tailscale FQDN becomes available.
type TailscaleURLMsg struct{ URL string }

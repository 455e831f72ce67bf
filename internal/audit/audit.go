// Package audit emits structured audit records for nonce and signature
// operations under the slog group "audit".
package audit

import (
	"log/slog"
	"sync/atomic"
)

var enabled atomic.Bool

func init() { enabled.Store(true) }

// SetEnabled turns audit output on or off.
func SetEnabled(on bool) { enabled.Store(on) }

// Enabled reports whether audit output is on.
func Enabled() bool { return enabled.Load() }

// Outcome values for Event.Status.
const (
	StatusGranted = "granted"
	StatusDenied  = "denied"
	StatusFailed  = "failed"
)

// Event is one audit record. Zero fields are omitted from the output.
type Event struct {
	APIKey     string // API key that signed the request, or "anonymous"
	Action     string // operation ID
	Status     string // granted, denied or failed
	Token      string // nonce token, redacted by attrs
	Method     string
	Path       string
	HTTPStatus int
	Reason     string
	IP         string
	RequestID  string
	Extra      []any
}

func (e Event) Info(msg string) {
	if !Enabled() {
		return
	}
	slog.Info(msg, slog.Group("audit", e.attrs()...))
}

func (e Event) Warn(msg string) {
	if !Enabled() {
		return
	}
	slog.Warn(msg, slog.Group("audit", e.attrs()...))
}

func (e Event) attrs() []any {
	var attrs []any
	str := func(key, val string) {
		if val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
	}
	str("api_key", e.APIKey)
	str("action", e.Action)
	str("status", e.Status)
	str("token", RedactToken(e.Token))
	str("method", e.Method)
	str("path", e.Path)
	if e.HTTPStatus != 0 {
		attrs = append(attrs, slog.Int("http_status", e.HTTPStatus))
	}
	str("reason", e.Reason)
	str("ip_address", e.IP)
	str("request_id", e.RequestID)
	return append(attrs, e.Extra...)
}

// RedactToken keeps only enough of a token to correlate log lines.
func RedactToken(token string) string {
	const keep = 12
	if len(token) <= keep {
		return token
	}
	return token[:keep] + "…"
}

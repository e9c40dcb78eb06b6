// Package session defines the contract between the dispatcher and the
// messaging backends that own WhatsApp sessions.
package session

import (
	"context"
	"time"

	"github.com/BTreeMap/PacePipe/internal/media"
)

// Client sends messages through one connected session. Addresses are already
// normalized to "<digits>@<server>".
type Client interface {
	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to string, file media.File, caption string) error
	SendVideo(ctx context.Context, to string, file media.File, caption string) error
	SendDocument(ctx context.Context, to string, file media.File, caption string) error
}

// Provider resolves session names to clients and reports connectivity.
type Provider interface {
	IsConnected(name string) bool
	Client(name string) (Client, bool)
}

// EventType enumerates session lifecycle notifications.
type EventType string

const (
	EventQR           EventType = "qr"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventLoggedOut    EventType = "logged_out"
	EventError        EventType = "error"
)

// Event is emitted by a backend whenever a session changes state.
type Event struct {
	Session string
	Type    EventType
	QRCode  string // set for EventQR
	Phone   string // set for EventConnected when known
	Err     string // set for EventError
	Time    time.Time
}

// Providers combines several providers; the first one that knows a session wins.
type Providers []Provider

// IsConnected reports whether any provider has the session connected.
func (ps Providers) IsConnected(name string) bool {
	for _, p := range ps {
		if p.IsConnected(name) {
			return true
		}
	}
	return false
}

// Client returns the first client registered for name.
func (ps Providers) Client(name string) (Client, bool) {
	for _, p := range ps {
		if c, ok := p.Client(name); ok {
			return c, true
		}
	}
	return nil, false
}

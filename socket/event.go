package socket

import (
	"time"

	"dolabb/protocol"
)

// EventKind classifies what a subscriber is being told
type EventKind string

const (
	EventFrame          EventKind = "frame"
	EventConnected      EventKind = "connected"
	EventReconnecting   EventKind = "reconnecting"
	EventAuthFailed     EventKind = "auth_failed"
	EventConnectionLost EventKind = "connection_lost"
	EventClosed         EventKind = "closed"
	EventError          EventKind = "error"
)

// Event is published to every subscriber of a Manager
type Event struct {
	Kind           EventKind
	ConversationID string

	// Frame is set for EventFrame
	Frame protocol.Frame

	Attempt int
	Delay   time.Duration
	Code    int
	Err     error
}

// Blocking reports whether the event ends automatic recovery and must be shown to the user
func (e Event) Blocking() bool {
	return e.Kind == EventAuthFailed || e.Kind == EventConnectionLost
}

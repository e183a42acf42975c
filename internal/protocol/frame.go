package protocol

import (
	"time"

	"github.com/zonedesk/zonedesk/internal/events"
)

// Header carries the envelope fields common to every frame.
type Header struct {
	ID        string
	Timestamp time.Time
	Seq       uint64
}

// Frame is the decoded form of a wire message. The concrete types below
// are exhaustive: Decode returns exactly one of them.
type Frame interface {
	Head() Header
	frame()
}

func (h Header) Head() Header { return h }
func (Header) frame()         {}

// Subscribe asks the server to add categories.
type Subscribe struct {
	Header
	Categories []string
}

// Unsubscribe asks the server to remove categories.
type Unsubscribe struct {
	Header
	Categories []string
}

// Ping is a heartbeat probe.
type Ping struct {
	Header
}

// Pong answers a Ping. Header.ID echoes the ping id.
type Pong struct {
	Header
}

// Error reports a rejected request or malformed message.
type Error struct {
	Header
	ErrorData
}

// Stats is a statistics request (client to server, no data) or reply.
type Stats struct {
	Header
	Data map[string]any
}

// ConnectionEstablished greets a freshly attached session.
type ConnectionEstablished struct {
	Header
	EstablishedData
}

// SubscriptionUpdated confirms the full subscription set after a change.
type SubscriptionUpdated struct {
	Header
	SubscriptionData
}

// SessionExpired tells the client its credential is no longer valid.
type SessionExpired struct {
	Header
	Reason string
}

// Batch groups several domain events into one message.
type Batch struct {
	Header
	Events []EventFrame
}

// EventFrame is a domain event as seen on the wire.
type EventFrame struct {
	Header
	Category events.Category
	Priority events.Priority
	Payload  map[string]any
}

// FromEvent converts a domain event to its wire frame. The event id and
// creation time become the frame id and timestamp.
func FromEvent(e events.Event) EventFrame {
	return EventFrame{
		Header:   Header{ID: e.ID, Timestamp: e.CreatedAt},
		Category: e.Category,
		Priority: e.Priority,
		Payload:  e.Payload,
	}
}

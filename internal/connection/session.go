// Package connection tracks the live session of every attached user and
// evicts sessions that stop showing signs of life.
package connection

import (
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

// Close reasons.
const (
	ReasonSuperseded = "superseded"
	ReasonEvicted    = "evicted"
	ReasonClosed     = "closed"
	ReasonExpired    = "session_expired"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

// Session is one live server-side connection.
type Session interface {
	ID() string
	UserID() string
	RemoteAddr() string

	Role() events.Role
	SetRole(role events.Role)

	// Send queues a frame without blocking. It returns a capacity error
	// when the outbound queue is full and a transport error once the
	// session is closed.
	Send(f protocol.Frame) error

	// Close shuts the session down. It is idempotent; the first reason
	// wins.
	Close(reason string)

	// Done is closed once the session has shut down.
	Done() <-chan struct{}
}

// Recorder receives directory metrics.
type Recorder interface {
	SessionAttached(superseded bool)
	SessionDetached(reason string)
	SessionsActive(n int)
}

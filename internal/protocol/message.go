// Package protocol defines the WebSocket wire format shared by the server
// and the client session.
//
// Every message is a JSON envelope. Control messages carry one of the
// control types below; anything else is a domain event whose type is the
// event category.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/zonedesk/zonedesk/internal/events"
)

// Control message types.
const (
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeStats                 = "stats"
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionUpdated   = "subscription_updated"
	TypeSessionExpired        = "session_expired"
	TypeBatch                 = "batch"
)

// IsControl reports whether t is a control type rather than an event category.
func IsControl(t string) bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypePing, TypePong, TypeError, TypeStats,
		TypeConnectionEstablished, TypeSubscriptionUpdated, TypeSessionExpired, TypeBatch:
		return true
	}
	return false
}

// Message is the wire envelope.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Priority  events.Priority `json:"priority,omitempty"`

	// EventTypes is set on subscribe and unsubscribe requests.
	EventTypes []string `json:"event_types,omitempty"`

	// Seq is the server's per-connection outbound sequence number.
	Seq uint64 `json:"seq,omitempty"`
}

// Time returns the envelope timestamp.
func (m Message) Time() time.Time {
	return FromMillis(m.Timestamp)
}

// Millis converts t to the wire timestamp.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts a wire timestamp to a time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Data payloads of the control messages that carry one.

// SubscriptionData is the data of subscription_updated. EventTypes is the
// full resulting set, never a delta.
type SubscriptionData struct {
	EventTypes []string `json:"event_types"`
	RequestID  string   `json:"request_id,omitempty"`
}

// EstablishedData is the data of connection_established.
type EstablishedData struct {
	SessionID  string   `json:"session_id"`
	UserID     string   `json:"user_id"`
	Role       string   `json:"role"`
	EventTypes []string `json:"event_types"`
	ServerTime int64    `json:"server_time"`
}

// ErrorData is the data of an error message. For rejected subscription
// requests EventTypes carries the set that stays in effect and Disallowed
// names the categories that caused the rejection.
type ErrorData struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	RequestID  string   `json:"request_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Disallowed []string `json:"disallowed,omitempty"`
}

// SessionExpiredData is the data of session_expired.
type SessionExpiredData struct {
	Reason string `json:"reason"`
}

// BatchData is the data of a batch: complete event envelopes in delivery order.
type BatchData struct {
	Events []Message `json:"events"`
}

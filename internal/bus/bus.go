// Package bus provides the event bus that carries domain events from the
// zone management layer into the dispatcher.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations. Each
// subscription receives events of a topic in publish order.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event is the bus envelope.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the payload kind (e.g., "domain.event", "role.changed").
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was published, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Key groups events that must stay ordered relative to each other.
	// Partitioned backends route equal keys to the same partition.
	Key string `json:"key,omitempty"`

	// Payload contains the JSON encoded event data.
	Payload json.RawMessage `json:"payload"`
}

// Default topics.
const (
	TopicEvents = "zonedesk.events"
	TopicRoles  = "zonedesk.roles"
)

// Payload kinds.
const (
	TypeDomainEvent = "domain.event"
	TypeRoleChanged = "role.changed"
)

// NewEvent builds an envelope around payload.
func NewEvent(eventType, source, key string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Key:       key,
		Payload:   data,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zonedesk/zonedesk/internal/pkg/security"
)

// Event is a domain event produced by the zone management layer.
// Events are fanned out read-only; redaction works on a copy.
type Event struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Source names the producer, e.g. "zones-api".
	Source string `json:"source,omitempty"`

	// Sensitivity is the clearance needed to receive the event at all.
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`

	// FieldSensitivity tags individual payload fields. Keys are field
	// names, with dots addressing nested objects ("upstream.address").
	FieldSensitivity map[string]Sensitivity `json:"field_sensitivity,omitempty"`
}

// New creates an event with a fresh id and the current time.
func New(category Category, priority Priority, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Category:  category,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the fields a producer must supply.
func (e Event) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !e.Category.Valid() {
		errs = append(errs, fmt.Errorf("unknown category %q", e.Category))
	}
	if !e.Priority.Valid() {
		errs = append(errs, fmt.Errorf("invalid priority %d", int(e.Priority)))
	}
	if !e.Sensitivity.Valid() {
		errs = append(errs, fmt.Errorf("invalid sensitivity %d", int(e.Sensitivity)))
	}
	if e.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created_at is required"))
	}
	return errors.Join(errs...)
}

// Normalize fills an id and timestamp when a producer left them empty.
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
}

// Redacted returns a copy of e with every payload field tagged above
// clearance replaced by security.RedactedValue, and the number of fields
// replaced. The receiver is never modified. Nested objects on a redacted
// path are copied; the rest of the payload is shared.
func (e Event) Redacted(clearance Sensitivity) (Event, int) {
	var paths []string
	for path, level := range e.FieldSensitivity {
		if !clearance.Permits(level) {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 || len(e.Payload) == 0 {
		return e, 0
	}

	out := e
	out.Payload = shallowCopy(e.Payload)
	redacted := 0
	for _, path := range paths {
		if redactPath(out.Payload, strings.Split(path, ".")) {
			redacted++
		}
	}
	return out, redacted
}

// redactPath replaces the value at path inside m, copying each nested map
// it descends into. m itself must already be a private copy.
func redactPath(m map[string]any, path []string) bool {
	key := path[0]
	v, ok := m[key]
	if !ok {
		return false
	}
	if len(path) == 1 {
		m[key] = security.RedactedValue
		return true
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return false
	}
	nested = shallowCopy(nested)
	m[key] = nested
	return redactPath(nested, path[1:])
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

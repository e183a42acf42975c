package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority orders events by urgency: low < normal < high < critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Immediate reports whether events of this priority skip batching.
func (p Priority) Immediate() bool {
	return p >= PriorityHigh
}

// ParsePriority converts a name to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Sensitivity tags data with the clearance needed to read it:
// public < internal < confidential < secret.
type Sensitivity int

const (
	Public Sensitivity = iota
	Internal
	Confidential
	Secret
)

var sensitivityNames = [...]string{"public", "internal", "confidential", "secret"}

func (s Sensitivity) String() string {
	if s < Public || s > Secret {
		return fmt.Sprintf("sensitivity(%d)", int(s))
	}
	return sensitivityNames[s]
}

// Valid reports whether s is a defined level.
func (s Sensitivity) Valid() bool {
	return s >= Public && s <= Secret
}

// Permits reports whether a reader with clearance s may see data tagged level.
func (s Sensitivity) Permits(level Sensitivity) bool {
	return level <= s
}

// ParseSensitivity converts a name to a Sensitivity. Empty means public.
func ParseSensitivity(name string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "public", "":
		return Public, nil
	case "internal":
		return Internal, nil
	case "confidential":
		return Confidential, nil
	case "secret":
		return Secret, nil
	}
	return Public, fmt.Errorf("unknown sensitivity %q", name)
}

func (s Sensitivity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sensitivity %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Sensitivity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("sensitivity must be a string: %w", err)
	}
	parsed, err := ParseSensitivity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

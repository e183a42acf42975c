package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Validation limits.
const (
	MaxIdentifierLength = 128
	MaxPayloadSize      = 256 * 1024
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// identifierRegex matches user ids, handler ids and category names:
// alphanumeric start, then alphanumeric, dot, hyphen, underscore or @.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]*$`)

// ValidateIdentifier validates an opaque identifier supplied from outside
// the process, such as a user id resolved from a credential.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Constraint: "required"}
	}
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Constraint: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(value); n > MaxIdentifierLength {
		return &ValidationError{
			Field:      field,
			Value:      n,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxIdentifierLength),
		}
	}
	if !identifierRegex.MatchString(value) {
		return &ValidationError{
			Field:      field,
			Value:      SanitizeForLogWithLength(value, 32),
			Constraint: "must start with alphanumeric and contain only alphanumeric, '.', '_', '-', '@'",
		}
	}
	return nil
}

// ValidatePayloadSize rejects inbound frames and ingest bodies above
// MaxPayloadSize.
func ValidatePayloadSize(size int) error {
	if size > MaxPayloadSize {
		return &ValidationError{
			Field:      "payload",
			Value:      size,
			Constraint: fmt.Sprintf("maximum size is %d bytes", MaxPayloadSize),
		}
	}
	return nil
}

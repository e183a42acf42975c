// Package events defines the domain events delivered to connected users:
// categories, priorities, sensitivity levels and the role policy that
// decides who may see what.
package events

import (
	"fmt"
	"sort"
	"strings"
)

// Category identifies the domain meaning of an event.
type Category string

// Event categories produced by the zone management layer.
const (
	ZoneCreated      Category = "zone_created"
	ZoneUpdated      Category = "zone_updated"
	ZoneDeleted      Category = "zone_deleted"
	RecordChanged    Category = "record_changed"
	ForwarderHealth  Category = "forwarder_health"
	RuleUpdated      Category = "rule_updated"
	BlocklistUpdated Category = "blocklist_updated"
	ConfigReloaded   Category = "config_reloaded"
	HealthUpdate     Category = "health_update"
	SecurityAlert    Category = "security_alert"
	AuditLog         Category = "audit_log"
)

var allCategories = []Category{
	ZoneCreated,
	ZoneUpdated,
	ZoneDeleted,
	RecordChanged,
	ForwarderHealth,
	RuleUpdated,
	BlocklistUpdated,
	ConfigReloaded,
	HealthUpdate,
	SecurityAlert,
	AuditLog,
}

var knownCategories = func() map[Category]bool {
	m := make(map[Category]bool, len(allCategories))
	for _, c := range allCategories {
		m[c] = true
	}
	return m
}()

// AllCategories returns every known category in declaration order.
func AllCategories() []Category {
	return append([]Category(nil), allCategories...)
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return knownCategories[c]
}

// ParseCategory converts a wire name to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.TrimSpace(s))
	if !c.Valid() {
		return "", fmt.Errorf("unknown event category %q", s)
	}
	return c, nil
}

// ParseCategories converts wire names, returning every unknown name in the error.
func ParseCategories(names []string) ([]Category, error) {
	out := make([]Category, 0, len(names))
	var unknown []string
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, c)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown event categories: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Set is an unordered set of categories.
type Set map[Category]struct{}

// NewSet builds a set from the given categories.
func NewSet(categories ...Category) Set {
	s := make(Set, len(categories))
	for _, c := range categories {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(c Category) bool {
	_, ok := s[c]
	return ok
}

// Add inserts categories.
func (s Set) Add(categories ...Category) {
	for _, c := range categories {
		s[c] = struct{}{}
	}
}

// Remove deletes categories; absent ones are ignored.
func (s Set) Remove(categories ...Category) {
	for _, c := range categories {
		delete(s, c)
	}
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same categories.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for c := range s {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []Category {
	out := make([]Category, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings, the wire form.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

// SetFromStrings builds a set from wire names, skipping unknown ones.
func SetFromStrings(names []string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		if c := Category(n); c.Valid() {
			s[c] = struct{}{}
		}
	}
	return s
}

// Package filter decides, per event and recipient, whether an event is
// delivered and in what form.
package filter

import (
	"time"

	"github.com/zonedesk/zonedesk/internal/events"
)

// Reason explains why an event was not delivered.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNotSubscribed Reason = "not_subscribed"
	ReasonRoleForbidden Reason = "role_forbidden"
	ReasonSensitivity   Reason = "sensitivity"
	ReasonRateLimited   Reason = "rate_limited"
)

// Recipient is the view of a session the filters evaluate against. The
// subscription set is only valid for the duration of the evaluation.
type Recipient struct {
	UserID     string
	Role       events.Role
	Subscribed events.Set
}

// Filter is one step of the chain. It returns the event to pass on, which
// may be a modified copy, or a non-empty Reason to stop the chain.
type Filter interface {
	Name() string
	Apply(now time.Time, r Recipient, e events.Event) (events.Event, Reason)
}

// Verdict is the outcome of running the chain.
type Verdict struct {
	Deliver bool
	Event   events.Event
	Reason  Reason
	// Filter names the filter that rejected the event.
	Filter string
}

// Chain runs filters in order and stops at the first rejection.
type Chain struct {
	filters []Filter
}

// NewChain creates a chain from filters in evaluation order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Evaluate runs the chain for one recipient.
func (c *Chain) Evaluate(now time.Time, r Recipient, e events.Event) Verdict {
	for _, f := range c.filters {
		var reason Reason
		e, reason = f.Apply(now, r, e)
		if reason != ReasonNone {
			return Verdict{Reason: reason, Filter: f.Name()}
		}
	}
	return Verdict{Deliver: true, Event: e}
}

// Permission admits events whose category the recipient is subscribed to
// and whose role currently permits it. The role is checked on every
// evaluation so a role change narrows visibility at once.
type Permission struct {
	Policy *events.Policy
}

func (Permission) Name() string { return "permission" }

func (p Permission) Apply(_ time.Time, r Recipient, e events.Event) (events.Event, Reason) {
	if !r.Subscribed.Has(e.Category) {
		return e, ReasonNotSubscribed
	}
	if !p.Policy.Permits(r.Role, e.Category) {
		return e, ReasonRoleForbidden
	}
	return e, ReasonNone
}

// Sensitivity rejects events tagged above the recipient's clearance and
// redacts payload fields tagged above it.
type Sensitivity struct {
	Policy *events.Policy
}

func (Sensitivity) Name() string { return "sensitivity" }

func (s Sensitivity) Apply(_ time.Time, r Recipient, e events.Event) (events.Event, Reason) {
	clearance := s.Policy.Clearance(r.Role)
	if !clearance.Permits(e.Sensitivity) {
		return e, ReasonSensitivity
	}
	redacted, _ := e.Redacted(clearance)
	return redacted, ReasonNone
}

package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/pkg/security"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func event(c events.Category, p events.Priority) events.Event {
	return events.Event{ID: "e", Category: c, Priority: p, CreatedAt: t0}
}

func TestChainPermission(t *testing.T) {
	policy := events.DefaultPolicy()
	chain, _ := NewDefaultChain(policy, RateLimitConfig{})

	tests := []struct {
		name   string
		r      Recipient
		e      events.Event
		reason Reason
	}{
		{
			name: "subscribed and permitted",
			r:    Recipient{UserID: "o", Role: events.RoleOperator, Subscribed: events.NewSet(events.ZoneCreated)},
			e:    event(events.ZoneCreated, events.PriorityNormal),
		},
		{
			name:   "not subscribed",
			r:      Recipient{UserID: "o", Role: events.RoleOperator, Subscribed: events.NewSet(events.ZoneCreated)},
			e:      event(events.RuleUpdated, events.PriorityNormal),
			reason: ReasonNotSubscribed,
		},
		{
			name:   "subscribed but role narrowed",
			r:      Recipient{UserID: "v", Role: events.RoleViewer, Subscribed: events.NewSet(events.AuditLog)},
			e:      event(events.AuditLog, events.PriorityNormal),
			reason: ReasonRoleForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := chain.Evaluate(t0, tt.r, tt.e)
			assert.Equal(t, tt.reason == ReasonNone, v.Deliver)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestChainSensitivity(t *testing.T) {
	policy := events.DefaultPolicy()
	chain, _ := NewDefaultChain(policy, RateLimitConfig{})

	operator := Recipient{UserID: "o", Role: events.RoleOperator, Subscribed: events.NewSet(events.ForwarderHealth)}

	secret := event(events.ForwarderHealth, events.PriorityHigh)
	secret.Sensitivity = events.Confidential
	v := chain.Evaluate(t0, operator, secret)
	assert.False(t, v.Deliver)
	assert.Equal(t, ReasonSensitivity, v.Reason)
	assert.Equal(t, "sensitivity", v.Filter)

	partial := event(events.ForwarderHealth, events.PriorityHigh)
	partial.Payload = map[string]any{"name": "corp", "tsig_key": "abc=="}
	partial.FieldSensitivity = map[string]events.Sensitivity{"tsig_key": events.Secret}

	v = chain.Evaluate(t0, operator, partial)
	require.True(t, v.Deliver)
	assert.Equal(t, security.RedactedValue, v.Event.Payload["tsig_key"])
	assert.Equal(t, "corp", v.Event.Payload["name"])
	assert.Equal(t, "abc==", partial.Payload["tsig_key"], "source event is not mutated")

	admin := Recipient{UserID: "a", Role: events.RoleAdmin, Subscribed: events.NewSet(events.ForwarderHealth)}
	v = chain.Evaluate(t0, admin, partial)
	require.True(t, v.Deliver)
	assert.Equal(t, "abc==", v.Event.Payload["tsig_key"])
}

func TestRateLimitDropsBelowCritical(t *testing.T) {
	policy := events.DefaultPolicy()
	chain, rl := NewDefaultChain(policy, RateLimitConfig{Events: 3, Window: time.Second})
	r := Recipient{UserID: "a", Role: events.RoleAdmin, Subscribed: events.NewSet(events.ZoneCreated, events.SecurityAlert)}

	for i := 0; i < 3; i++ {
		assert.True(t, chain.Evaluate(t0, r, event(events.ZoneCreated, events.PriorityHigh)).Deliver, "event %d", i)
	}

	v := chain.Evaluate(t0, r, event(events.ZoneCreated, events.PriorityHigh))
	assert.False(t, v.Deliver)
	assert.Equal(t, ReasonRateLimited, v.Reason)

	for i := 0; i < 10; i++ {
		assert.True(t, chain.Evaluate(t0, r, event(events.SecurityAlert, events.PriorityCritical)).Deliver,
			"critical event %d must bypass the limiter", i)
	}

	assert.True(t, chain.Evaluate(t0.Add(time.Second), r, event(events.ZoneCreated, events.PriorityLow)).Deliver,
		"budget refills after the window")

	assert.Equal(t, 1, rl.Tracked())
	rl.Forget("a")
	assert.Equal(t, 0, rl.Tracked())
}

func TestRateLimitIsPerRecipient(t *testing.T) {
	rl := NewRateLimit(RateLimitConfig{Events: 1, Window: time.Minute})
	e := event(events.ZoneCreated, events.PriorityNormal)

	_, reason := rl.Apply(t0, Recipient{UserID: "a"}, e)
	assert.Equal(t, ReasonNone, reason)
	_, reason = rl.Apply(t0, Recipient{UserID: "a"}, e)
	assert.Equal(t, ReasonRateLimited, reason)
	_, reason = rl.Apply(t0, Recipient{UserID: "b"}, e)
	assert.Equal(t, ReasonNone, reason)
}

func TestRejectedEventsDoNotConsumeBudget(t *testing.T) {
	chain, _ := NewDefaultChain(events.DefaultPolicy(), RateLimitConfig{Events: 1, Window: time.Minute})
	r := Recipient{UserID: "o", Role: events.RoleOperator, Subscribed: events.NewSet(events.ZoneCreated)}

	for i := 0; i < 5; i++ {
		chain.Evaluate(t0, r, event(events.RuleUpdated, events.PriorityNormal))
	}
	assert.True(t, chain.Evaluate(t0, r, event(events.ZoneCreated, events.PriorityNormal)).Deliver)
}

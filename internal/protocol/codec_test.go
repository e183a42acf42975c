package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

func TestDecodeControlFrames(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, f Frame)
	}{
		{
			name: "subscribe",
			raw:  `{"id":"r1","type":"subscribe","event_types":["zone_created","health_update"],"timestamp":1700000000000}`,
			check: func(t *testing.T, f Frame) {
				s, ok := f.(Subscribe)
				require.True(t, ok, "got %T", f)
				assert.Equal(t, "r1", s.ID)
				assert.Equal(t, []string{"zone_created", "health_update"}, s.Categories)
				assert.Equal(t, int64(1700000000000), s.Timestamp.UnixMilli())
			},
		},
		{
			name: "unsubscribe",
			raw:  `{"id":"r2","type":"unsubscribe","event_types":["zone_created"]}`,
			check: func(t *testing.T, f Frame) {
				u, ok := f.(Unsubscribe)
				require.True(t, ok, "got %T", f)
				assert.Equal(t, []string{"zone_created"}, u.Categories)
			},
		},
		{
			name: "ping",
			raw:  `{"id":"p1","type":"ping"}`,
			check: func(t *testing.T, f Frame) {
				_, ok := f.(Ping)
				assert.True(t, ok, "got %T", f)
			},
		},
		{
			name: "stats request without data",
			raw:  `{"id":"s1","type":"stats"}`,
			check: func(t *testing.T, f Frame) {
				s, ok := f.(Stats)
				require.True(t, ok, "got %T", f)
				assert.Nil(t, s.Data)
			},
		},
		{
			name: "subscription updated",
			raw:  `{"id":"c1","type":"subscription_updated","data":{"event_types":["health_update"],"request_id":"r1"}}`,
			check: func(t *testing.T, f Frame) {
				s, ok := f.(SubscriptionUpdated)
				require.True(t, ok, "got %T", f)
				assert.Equal(t, []string{"health_update"}, s.EventTypes)
				assert.Equal(t, "r1", s.RequestID)
			},
		},
		{
			name: "error with current set",
			raw:  `{"id":"e1","type":"error","data":{"code":"FORBIDDEN","message":"no","event_types":["health_update"],"disallowed":["security_alert"]}}`,
			check: func(t *testing.T, f Frame) {
				e, ok := f.(Error)
				require.True(t, ok, "got %T", f)
				assert.Equal(t, apperrors.CodeForbidden, e.Code)
				assert.Equal(t, []string{"health_update"}, e.EventTypes)
				assert.Equal(t, []string{"security_alert"}, e.Disallowed)
			},
		},
		{
			name: "session expired",
			raw:  `{"id":"x1","type":"session_expired","data":{"reason":"token expired"}}`,
			check: func(t *testing.T, f Frame) {
				s, ok := f.(SessionExpired)
				require.True(t, ok, "got %T", f)
				assert.Equal(t, "token expired", s.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestDecodeDomainEvent(t *testing.T) {
	raw := `{"id":"ev1","type":"zone_created","priority":"high","timestamp":1700000000123,"seq":7,"data":{"zone":"example.com"}}`

	f, err := Decode([]byte(raw))
	require.NoError(t, err)

	ev, ok := f.(EventFrame)
	require.True(t, ok, "got %T", f)
	assert.Equal(t, events.ZoneCreated, ev.Category)
	assert.Equal(t, events.PriorityHigh, ev.Priority)
	assert.Equal(t, uint64(7), ev.Seq)
	assert.Equal(t, "example.com", ev.Payload["zone"])
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing type", `{"id":"1"}`},
		{"unknown type", `{"id":"1","type":"launch_missiles"}`},
		{"subscribe without categories", `{"id":"1","type":"subscribe"}`},
		{"confirmation without data", `{"id":"1","type":"subscription_updated"}`},
		{"bad data", `{"id":"1","type":"connection_established","data":"oops"}`},
		{"bad priority", `{"id":"1","type":"zone_created","priority":"urgent"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeProtocol, apperrors.CodeOf(err))
		})
	}
}

func TestEncodeDecodeBatch(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e1 := events.Event{ID: "a", Category: events.RecordChanged, Priority: events.PriorityLow, CreatedAt: created, Payload: map[string]any{"name": "www"}}
	e2 := events.Event{ID: "b", Category: events.ZoneUpdated, Priority: events.PriorityLow, CreatedAt: created.Add(time.Second)}

	data, err := Encode(Batch{Header: Header{ID: "batch-1", Seq: 3}, Events: []EventFrame{FromEvent(e1), FromEvent(e2)}})
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, TypeBatch, m.Type)
	assert.Equal(t, uint64(3), m.Seq)

	f, err := Decode(data)
	require.NoError(t, err)
	b, ok := f.(Batch)
	require.True(t, ok)
	require.Len(t, b.Events, 2)
	assert.Equal(t, "a", b.Events[0].ID)
	assert.Equal(t, events.RecordChanged, b.Events[0].Category)
	assert.Equal(t, "www", b.Events[0].Payload["name"])
	assert.Equal(t, created, b.Events[0].Timestamp)
	assert.Equal(t, "b", b.Events[1].ID)
}

func TestToMessageFillsHeader(t *testing.T) {
	m, err := ToMessage(Ping{})
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.NotZero(t, m.Timestamp)
	assert.Equal(t, TypePing, m.Type)
	assert.Empty(t, m.Data)
}

func TestEncodeSubscriptionUpdatedCarriesFullSet(t *testing.T) {
	set := events.NewSet(events.HealthUpdate, events.ZoneCreated)
	data, err := Encode(SubscriptionUpdated{SubscriptionData: SubscriptionData{EventTypes: set.Strings()}})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"event_types":["health_update","zone_created"]}`,
		string(mustMessage(t, data).Data))
}

func TestIsControl(t *testing.T) {
	assert.True(t, IsControl(TypeBatch))
	assert.True(t, IsControl(TypeSessionExpired))
	assert.False(t, IsControl(string(events.ZoneCreated)))
}

func mustMessage(t *testing.T, data []byte) Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

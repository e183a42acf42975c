package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.SessionAttached(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SessionsAttached))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionsAttached))
}

func TestSessionRecorder(t *testing.T) {
	m := New()

	m.SessionAttached(false)
	m.SessionAttached(true)
	m.SessionDetached("superseded")
	m.SessionDetached("evicted")
	m.SessionDetached("evicted")
	m.SessionsActive(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsAttached))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsSuperseded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsDetached.WithLabelValues("evicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestDispatchRecorder(t *testing.T) {
	m := New()

	m.EventIngested("zone_created")
	m.EventDelivered("zone_created", true)
	m.EventDelivered("security_alert", false)
	m.EventDropped("audit_log", "not_subscribed")
	m.BatchSent(3)
	m.Dispatched(2 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("zone_created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues("zone_created", "batched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues("security_alert", "immediate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("audit_log", "not_subscribed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesSent))
}

func TestBusRecorder(t *testing.T) {
	m := New()

	m.RecordBusPublish("zonedesk.events", time.Millisecond, nil)
	m.RecordBusPublish("zonedesk.events", time.Millisecond, errors.New("broker down"))
	m.RecordBusReceive("zonedesk.events", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BusEventsPublished.WithLabelValues("zonedesk.events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusErrors.WithLabelValues("zonedesk.events", "publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusEventsReceived.WithLabelValues("zonedesk.events")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionAttached(false)
	m.MessageReceived("subscribe")
	m.ProtocolError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "zonedesk_sessions_attached_total 1"))
	assert.True(t, strings.Contains(text, `zonedesk_messages_received_total{type="subscribe"} 1`))
	assert.True(t, strings.Contains(text, "zonedesk_protocol_errors_total 1"))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

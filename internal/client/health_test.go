package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []HealthEvent
}

func (l *eventLog) HealthChanged(e HealthEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []HealthEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HealthEventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) count(kind HealthEventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

type healthHarness struct {
	m     *HealthManager
	clock *clock.Fake
	log   *eventLog
	pings int

	reconnectErr error
	reconnects   int
}

func newHealthHarness(t *testing.T, cfg HealthConfig) *healthHarness {
	t.Helper()
	h := &healthHarness{clock: clock.NewFake(t0), log: &eventLog{}}
	h.m = NewHealthManager(cfg, h.clock,
		func() error { h.pings++; return nil },
		func(context.Context) error { h.reconnects++; return h.reconnectErr },
		logger.Discard(),
	)
	h.m.Observe(h.log)
	return h
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	cfg := HealthConfig{ReconnectInterval: 5 * time.Second, MaxBackoff: 60 * time.Second}

	want := []time.Duration{5000, 10000, 20000, 40000, 60000, 60000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, cfg.Backoff(i+1), "attempt %d", i+1)
	}

	cfg.MaxBackoff = 30 * time.Second
	assert.Equal(t, 30*time.Second, cfg.Backoff(4))

	cfg.FixedBackoff = true
	assert.Equal(t, 5*time.Second, cfg.Backoff(7))
}

func TestDefaultsFillZeroFields(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{DegradationThreshold: 5})
	cfg := h.m.Config()
	assert.Equal(t, 5, cfg.DegradationThreshold)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.FixedBackoff)
}

func TestStartEntersConnectedAndPings(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.Start()
	assert.Equal(t, StatusConnected, h.m.Status())

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.pings)
	assert.Equal(t, t0.Add(30*time.Second), h.m.Snapshot().LastPing)

	h.clock.Advance(2 * time.Second)
	h.m.RecordPong()
	snap := h.m.Snapshot()
	assert.Equal(t, 2*time.Second, snap.Latency)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 32*time.Second, snap.Uptime)
}

func TestMissedPongsDegradeAndOnePongRecovers(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.Start()
	h.log.reset()

	// Ping at 30s, timeout at 40s; three rounds.
	h.clock.Advance(30*time.Second + 10*time.Second)
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, 2, h.m.Snapshot().ConsecutiveFailures)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, StatusDegraded, h.m.Status())
	assert.Equal(t, 3, h.m.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 1, h.log.count(EventDegraded))

	// Still degraded, no second degraded event.
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.log.count(EventDegraded))

	h.clock.Advance(20 * time.Second) // next ping sent
	h.m.RecordPong()
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, 1, h.log.count(EventRecovered))
	assert.Equal(t, 0, h.m.Snapshot().ConsecutiveFailures)
}

func TestUnansweredPingCountsWhenTimeoutExceedsInterval(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{HeartbeatInterval: 10 * time.Second, PongTimeout: 15 * time.Second})
	h.m.Start()
	h.log.reset()

	// Each ping is still outstanding when the next one is sent.
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 3, h.pings)
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, 2, h.m.Snapshot().ConsecutiveFailures)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StatusDegraded, h.m.Status())
	assert.Equal(t, 3, h.m.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 1, h.log.count(EventDegraded))

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, StatusDegraded, h.m.Status())
	assert.Equal(t, 1, h.log.count(EventDegraded))

	h.m.RecordPong()
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, 0, h.m.Snapshot().ConsecutiveFailures)
}

func TestReconnectBackoffThenFailed(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{
		ReconnectInterval:    5 * time.Second,
		MaxBackoff:           60 * time.Second,
		MaxReconnectAttempts: 4,
	})
	h.reconnectErr = errors.New("refused")
	h.m.Start()

	h.m.ConnectionLost(errors.New("eof"))
	assert.Equal(t, StatusReconnecting, h.m.Status())

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		d, ok := h.clock.NextDeadline()
		require.True(t, ok, "attempt %d not scheduled", i+1)
		delays = append(delays, d)
		h.clock.Advance(d)
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}, delays)
	assert.Equal(t, 4, h.reconnects)
	assert.Equal(t, StatusFailed, h.m.Status())
	assert.Equal(t, 1, h.log.count(EventFailed))
	assert.Equal(t, 4, h.log.count(EventReconnectAttempt))
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, "refused", h.m.Snapshot().LastError)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 4, h.reconnects)

	h.m.Reset()
	assert.Equal(t, StatusDisconnected, h.m.Status())
	assert.Equal(t, 0, h.m.Snapshot().ReconnectAttempts)
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.reconnectErr = errors.New("refused")
	h.m.Start()
	h.m.ConnectionLost(nil)

	h.clock.Advance(5 * time.Second)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 2, h.m.Snapshot().ReconnectAttempts)

	h.reconnectErr = nil
	h.clock.Advance(20 * time.Second)
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, 0, h.m.Snapshot().ReconnectAttempts)
	assert.Equal(t, 3, h.reconnects)

	// Heartbeat runs again after reconnecting.
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.pings)
}

func TestStopCancelsEverything(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.reconnectErr = errors.New("refused")
	h.m.Start()
	h.m.ConnectionLost(nil)
	require.Equal(t, 1, h.clock.Pending())

	h.m.Stop()
	assert.Equal(t, StatusDisconnected, h.m.Status())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.reconnects)
	assert.Equal(t, StatusDisconnected, h.m.Status())
}

func TestStopDuringReconnectAttemptWins(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m = NewHealthManager(HealthConfig{}, h.clock, nil, func(ctx context.Context) error {
		h.reconnects++
		h.m.Stop()
		return ctx.Err()
	}, logger.Discard())
	h.m.Start()
	h.m.ConnectionLost(nil)

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, h.reconnects)
	assert.Equal(t, StatusDisconnected, h.m.Status())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestAutoReconnectDisabled(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.SetAutoReconnect(false)
	h.m.Start()
	h.m.ConnectionLost(errors.New("eof"))

	assert.Equal(t, StatusDisconnected, h.m.Status())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestReconnectNowSkipsDelay(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.Start()
	h.m.ConnectionLost(nil)

	require.True(t, h.m.ReconnectNow())
	h.clock.Advance(0)
	assert.Equal(t, 1, h.reconnects)
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.False(t, h.m.ReconnectNow())
}

func TestLateTimersAreIgnored(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.Start()
	h.clock.Advance(30 * time.Second) // ping outstanding
	h.m.ConnectionLost(nil)
	h.m.SetAutoReconnect(false)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.pings)
	assert.Equal(t, 0, h.m.Snapshot().ConsecutiveFailures)
}

func TestObserversCalledInOrder(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	var order []string
	h.m.Observe(HealthObserverFunc(func(HealthEvent) { order = append(order, "a") }))
	h.m.Observe(HealthObserverFunc(func(HealthEvent) { order = append(order, "b") }))

	h.m.Start()
	assert.Equal(t, []string{"a", "b"}, order)

	events := h.log.kinds()
	require.Len(t, events, 1)
	assert.Equal(t, EventStatusChanged, events[0])
}

func TestSelfCheckReportsSnapshot(t *testing.T) {
	h := newHealthHarness(t, HealthConfig{})
	h.m.Start()
	h.log.reset()

	h.clock.Advance(60 * time.Second)
	assert.Equal(t, 1, h.log.count(EventSelfCheck))
	h.clock.Advance(60 * time.Second)
	assert.Equal(t, 2, h.log.count(EventSelfCheck))
}

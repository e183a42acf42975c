package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/filter"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
	"github.com/zonedesk/zonedesk/internal/subscription"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSession struct {
	id   string
	user string
	role events.Role

	mu       sync.Mutex
	frames   []protocol.Frame
	capacity int // 0 means unbounded
	closed   bool
	done     chan struct{}
}

func newStubSession(id, user string, role events.Role) *stubSession {
	return &stubSession{id: id, user: user, role: role, done: make(chan struct{})}
}

func (s *stubSession) ID() string            { return s.id }
func (s *stubSession) UserID() string        { return s.user }
func (s *stubSession) RemoteAddr() string    { return "" }
func (s *stubSession) Role() events.Role     { return s.role }
func (s *stubSession) SetRole(r events.Role) { s.role = r }
func (s *stubSession) Done() <-chan struct{} { return s.done }

func (s *stubSession) Close(string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stubSession) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.TransportError("session closed", nil)
	}
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return apperrors.CapacityError("send queue")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *stubSession) sent() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

// delivered flattens frames into event ids, unpacking batches.
func (s *stubSession) delivered() []string {
	var ids []string
	for _, f := range s.sent() {
		switch v := f.(type) {
		case protocol.EventFrame:
			ids = append(ids, v.ID)
		case protocol.Batch:
			for _, e := range v.Events {
				ids = append(ids, e.ID)
			}
		}
	}
	return ids
}

type staticDirectory struct {
	mu       sync.Mutex
	sessions []connection.Session
}

func (d *staticDirectory) Sessions() []connection.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]connection.Session(nil), d.sessions...)
}

type harness struct {
	d        *Dispatcher
	registry *subscription.Registry
	dir      *staticDirectory
	clock    *clock.Fake
}

func newHarness(t *testing.T, rl filter.RateLimitConfig, sessions ...*stubSession) *harness {
	t.Helper()
	policy := events.DefaultPolicy()
	registry := subscription.NewRegistry(policy, nil, logger.Discard())
	dir := &staticDirectory{}
	for _, s := range sessions {
		registry.Reset(s.user, s.id, s.role)
		dir.sessions = append(dir.sessions, s)
	}
	fc := clock.NewFake(t0)
	chain, _ := filter.NewDefaultChain(policy, rl)
	d := New(dir, registry, chain, Config{
		BatchWindow:  time.Second,
		MaxBatchSize: 5,
		Workers:      4,
		Clock:        fc,
		Log:          logger.Discard(),
	})
	return &harness{d: d, registry: registry, dir: dir, clock: fc}
}

func noLimit() filter.RateLimitConfig { return filter.RateLimitConfig{} }

func ev(id string, c events.Category, p events.Priority, at time.Time) events.Event {
	return events.Event{ID: id, Category: c, Priority: p, CreatedAt: at, Payload: map[string]any{"n": id}}
}

func TestDeliversOnlyToSubscribedRecipients(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	viewer := newStubSession("s-viewer", "vic", events.RoleViewer)
	h := newHarness(t, noLimit(), admin, viewer)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("a1", events.SecurityAlert, events.PriorityHigh, t0)))
	require.NoError(t, h.d.Dispatch(context.Background(), ev("h1", events.HealthUpdate, events.PriorityHigh, t0)))

	assert.Equal(t, []string{"a1", "h1"}, admin.delivered())
	assert.Equal(t, []string{"h1"}, viewer.delivered())

	stats := h.d.Stats()
	assert.Equal(t, uint64(2), stats.Dispatched)
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Dropped[string(filter.ReasonNotSubscribed)])
}

func TestUnsubscribedCategoryIsNotDelivered(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)
	_, err := h.registry.ApplyUnsubscribe("ann", "s-admin", "", []string{"zone_created"})
	require.NoError(t, err)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("z1", events.ZoneCreated, events.PriorityCritical, t0)))
	assert.Empty(t, admin.delivered())
}

func TestRejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, noLimit())
	err := h.d.Dispatch(context.Background(), events.Event{ID: "x", Category: "bogus", CreatedAt: t0})
	assert.True(t, apperrors.IsValidation(err))
}

func TestSensitiveEventsAreFilteredAndRedacted(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	operator := newStubSession("s-op", "olga", events.RoleOperator)
	h := newHarness(t, noLimit(), admin, operator)

	secret := ev("f1", events.ForwarderHealth, events.PriorityHigh, t0)
	secret.Sensitivity = events.Secret
	require.NoError(t, h.d.Dispatch(context.Background(), secret))

	redacted := ev("f2", events.ForwarderHealth, events.PriorityHigh, t0)
	redacted.Payload = map[string]any{"upstream": "9.9.9.9", "api_key": "k-123"}
	redacted.FieldSensitivity = map[string]events.Sensitivity{"api_key": events.Secret}
	require.NoError(t, h.d.Dispatch(context.Background(), redacted))

	assert.Equal(t, []string{"f1", "f2"}, admin.delivered())
	assert.Equal(t, []string{"f2"}, operator.delivered())

	opFrame := operator.sent()[0].(protocol.EventFrame)
	assert.Equal(t, "[REDACTED]", opFrame.Payload["api_key"])
	assert.Equal(t, "9.9.9.9", opFrame.Payload["upstream"])

	adminFrame := admin.sent()[1].(protocol.EventFrame)
	assert.Equal(t, "k-123", adminFrame.Payload["api_key"])
	assert.Equal(t, "k-123", redacted.Payload["api_key"], "the dispatched event is not modified")
}

func TestLowAndNormalEventsAreBatched(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, ev("z2", events.ZoneUpdated, events.PriorityNormal, t0.Add(2*time.Millisecond))))
	require.NoError(t, h.d.Dispatch(ctx, ev("z1", events.ZoneUpdated, events.PriorityNormal, t0.Add(time.Millisecond))))
	require.NoError(t, h.d.Dispatch(ctx, ev("r1", events.RecordChanged, events.PriorityNormal, t0.Add(3*time.Millisecond))))
	assert.Empty(t, admin.sent(), "nothing is sent before the batch window closes")
	assert.Equal(t, 1, h.d.Stats().PendingRecipients)

	h.clock.Advance(time.Second)

	frames := admin.sent()
	require.Len(t, frames, 1)
	b, ok := frames[0].(protocol.Batch)
	require.True(t, ok, "got %T", frames[0])
	assert.Equal(t, []string{"z1", "z2", "r1"}, admin.delivered(), "batch is ordered by creation time")
	assert.Len(t, b.Events, 3)

	stats := h.d.Stats()
	assert.Equal(t, uint64(1), stats.BatchesSent)
	assert.Equal(t, uint64(3), stats.Batched)
	assert.Zero(t, stats.PendingRecipients)
}

func TestSingleEventBatchIsSentPlain(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("z1", events.ZoneCreated, events.PriorityLow, t0)))
	h.clock.Advance(time.Second)

	frames := admin.sent()
	require.Len(t, frames, 1)
	_, ok := frames[0].(protocol.EventFrame)
	assert.True(t, ok)
}

func TestBatchFlushesAtMaxSize(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	for i, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, h.d.Dispatch(context.Background(), ev(id, events.ZoneUpdated, events.PriorityLow, t0.Add(time.Duration(i)))))
	}

	frames := admin.sent()
	require.Len(t, frames, 1, "batch flushes as soon as it is full")
	assert.Equal(t, 0, h.clock.Pending(), "flush cancels the batch timer")
}

func TestCriticalIsNeverBatched(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("c1", events.SecurityAlert, events.PriorityCritical, t0)))
	assert.Equal(t, []string{"c1"}, admin.delivered())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestImmediateEventFlushesPendingSameCategory(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, ev("n1", events.ZoneUpdated, events.PriorityNormal, t0)))
	require.NoError(t, h.d.Dispatch(ctx, ev("n2", events.ZoneUpdated, events.PriorityNormal, t0.Add(time.Millisecond))))
	require.NoError(t, h.d.Dispatch(ctx, ev("o1", events.RecordChanged, events.PriorityLow, t0)))
	require.NoError(t, h.d.Dispatch(ctx, ev("h1", events.ZoneUpdated, events.PriorityHigh, t0.Add(2*time.Millisecond))))

	assert.Equal(t, []string{"n1", "n2", "h1"}, admin.delivered(), "pending zone_updated events go out before the urgent one")

	h.clock.Advance(time.Second)
	assert.Equal(t, []string{"n1", "n2", "h1", "o1"}, admin.delivered(), "unrelated batch keeps its window")
}

func TestCategoryHeldByOneBatch(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, ev("l1", events.ZoneUpdated, events.PriorityLow, t0)))
	require.NoError(t, h.d.Dispatch(ctx, ev("n1", events.ZoneUpdated, events.PriorityNormal, t0.Add(time.Millisecond))))

	assert.Equal(t, []string{"l1"}, admin.delivered(), "low batch flushed before normal takes the category")
	h.clock.Advance(time.Second)
	assert.Equal(t, []string{"l1", "n1"}, admin.delivered())
}

func TestRateLimitSparesCritical(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, filter.RateLimitConfig{Events: 2, Window: time.Minute}, admin)
	ctx := context.Background()

	for _, id := range []string{"h1", "h2", "h3"} {
		require.NoError(t, h.d.Dispatch(ctx, ev(id, events.HealthUpdate, events.PriorityHigh, t0)))
	}
	require.NoError(t, h.d.Dispatch(ctx, ev("c1", events.SecurityAlert, events.PriorityCritical, t0)))

	assert.Equal(t, []string{"h1", "h2", "c1"}, admin.delivered())
	assert.Equal(t, uint64(1), h.d.Stats().Dropped[string(filter.ReasonRateLimited)])
}

func TestFullQueueDropsOnlyForThatSession(t *testing.T) {
	slow := newStubSession("s-slow", "sam", events.RoleAdmin)
	slow.capacity = 1
	fast := newStubSession("s-fast", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), slow, fast)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, ev("a", events.HealthUpdate, events.PriorityHigh, t0)))
	require.NoError(t, h.d.Dispatch(ctx, ev("b", events.HealthUpdate, events.PriorityHigh, t0)))

	assert.Equal(t, []string{"a"}, slow.delivered())
	assert.Equal(t, []string{"a", "b"}, fast.delivered())
	assert.Equal(t, uint64(1), h.d.Stats().Dropped[DropQueueFull])
}

func TestClosedSessionIsPruned(t *testing.T) {
	gone := newStubSession("s-gone", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), gone)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, ev("n1", events.ZoneUpdated, events.PriorityNormal, t0)))
	gone.Close("test")
	require.NoError(t, h.d.Dispatch(ctx, ev("h1", events.HealthUpdate, events.PriorityHigh, t0)))

	stats := h.d.Stats()
	assert.Equal(t, uint64(2), stats.Dropped[DropSessionClosed], "pending batch and the new event are both dropped")
	assert.Zero(t, stats.PendingRecipients)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestForgetDiscardsPendingBatches(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("n1", events.ZoneUpdated, events.PriorityNormal, t0)))
	h.d.Forget("ann", admin)
	h.clock.Advance(time.Second)

	assert.Empty(t, admin.sent())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestCloseFlushesAndRejects(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	require.NoError(t, h.d.Dispatch(context.Background(), ev("n1", events.ZoneUpdated, events.PriorityNormal, t0)))
	h.d.Close()

	assert.Equal(t, []string{"n1"}, admin.delivered())
	assert.Error(t, h.d.Dispatch(context.Background(), ev("n2", events.ZoneUpdated, events.PriorityNormal, t0)))
}

func TestRoleChangeNarrowsDeliveryImmediately(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)

	_, ok := h.registry.ChangeRole("ann", events.RoleViewer)
	require.True(t, ok)
	require.NoError(t, h.d.Dispatch(context.Background(), ev("a1", events.AuditLog, events.PriorityHigh, t0)))

	assert.Empty(t, admin.delivered())
}

func TestRunConsumesBus(t *testing.T) {
	admin := newStubSession("s-admin", "ann", events.RoleAdmin)
	h := newHarness(t, noLimit(), admin)
	memBus := bus.NewMemoryBus(logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx, memBus, bus.TopicEvents) }()

	bad, err := bus.NewEvent(bus.TypeDomainEvent, "test", "", map[string]any{"category": "nope"})
	require.NoError(t, err)
	other, err := bus.NewEvent(bus.TypeRoleChanged, "test", "ann", map[string]string{"role": "viewer"})
	require.NoError(t, err)

	// Run subscribes asynchronously, so publish until the first delivery.
	require.Eventually(t, func() bool {
		_ = memBus.Publish(ctx, bus.TopicEvents, bad)
		_ = memBus.Publish(ctx, bus.TopicEvents, other)
		alert := events.Event{Category: events.SecurityAlert, Priority: events.PriorityCritical, Payload: map[string]any{"msg": "x"}}
		msg, err := bus.NewEvent(bus.TypeDomainEvent, "test", string(alert.Category), alert)
		if err != nil {
			return false
		}
		_ = memBus.Publish(ctx, bus.TopicEvents, msg)
		return len(admin.delivered()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	frame, ok := admin.sent()[0].(protocol.EventFrame)
	require.True(t, ok)
	assert.NotEmpty(t, frame.ID, "missing ids are filled in")
	assert.True(t, t0.Equal(frame.Timestamp), "missing timestamps come from the dispatcher clock")
	assert.Equal(t, events.SecurityAlert, frame.Category)
	assert.Empty(t, h.d.Stats().Dropped, "malformed and foreign envelopes are not counted as drops")

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, memBus.Close())
}

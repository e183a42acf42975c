package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// Status is the connection health state.
type Status string

// Connection health states.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Live reports whether the transport is up in this state.
func (s Status) Live() bool {
	return s == StatusConnected || s == StatusDegraded
}

// HealthEventKind names what a HealthEvent reports.
type HealthEventKind string

// Health event kinds.
const (
	EventStatusChanged    HealthEventKind = "status_changed"
	EventDegraded         HealthEventKind = "degraded"
	EventRecovered        HealthEventKind = "recovered"
	EventReconnectAttempt HealthEventKind = "reconnect_attempt"
	EventFailed           HealthEventKind = "failed"
	EventSelfCheck        HealthEventKind = "self_check"
)

// HealthEvent is published to observers on every notable transition.
type HealthEvent struct {
	Kind     HealthEventKind
	Status   Status
	Previous Status

	// Attempt and Delay are set on reconnect_attempt.
	Attempt int
	Delay   time.Duration

	Snapshot HealthSnapshot
}

// HealthObserver receives health events.
type HealthObserver interface {
	HealthChanged(HealthEvent)
}

// HealthObserverFunc adapts a function to HealthObserver.
type HealthObserverFunc func(HealthEvent)

// HealthChanged implements HealthObserver.
func (f HealthObserverFunc) HealthChanged(e HealthEvent) { f(e) }

// HealthSnapshot is a point-in-time view of connection health.
type HealthSnapshot struct {
	Status              Status        `json:"status"`
	LastPing            time.Time     `json:"last_ping,omitzero"`
	LastPong            time.Time     `json:"last_pong,omitzero"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Uptime              time.Duration `json:"uptime"`
	ReconnectAttempts   int           `json:"reconnect_attempts"`
	LastError           string        `json:"last_error,omitempty"`
}

// HealthConfig configures the health manager. Zero fields take the
// defaults from DefaultHealthConfig.
type HealthConfig struct {
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	SelfCheckInterval    time.Duration
	DegradationThreshold int

	// ReconnectInterval is the base delay between reconnect attempts.
	ReconnectInterval    time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int

	// FixedBackoff waits ReconnectInterval between every attempt instead
	// of doubling it.
	FixedBackoff bool
}

// DefaultHealthConfig returns the default heartbeat and reconnect settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		SelfCheckInterval:    60 * time.Second,
		DegradationThreshold: 3,
		ReconnectInterval:    5 * time.Second,
		MaxBackoff:           60 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c HealthConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.FixedBackoff {
		return c.ReconnectInterval
	}
	delay := c.ReconnectInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxBackoff > 0 && delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && delay > c.MaxBackoff {
		return c.MaxBackoff
	}
	return delay
}

var errNoReconnector = errors.New("no reconnector configured")

// Pinger sends one heartbeat ping over the live transport.
type Pinger func() error

// Reconnector re-establishes the transport. A nil return means the
// connection is up again.
type Reconnector func(ctx context.Context) error

// HealthManager runs the heartbeat, detects degradation and drives
// reconnection with bounded backoff.
//
// Every timer callback carries the generation it was armed in; a
// transition that supersedes the timers bumps the generation so late
// callbacks are ignored.
type HealthManager struct {
	cfg       HealthConfig
	clock     clock.Clock
	log       *logger.Logger
	ping      Pinger
	reconnect Reconnector

	mu            sync.Mutex
	gen           uint64
	status        Status
	autoReconnect bool
	awaitingPong  bool

	lastPing       time.Time
	lastPong       time.Time
	latency        time.Duration
	failures       int
	attempts       int
	uptime         time.Duration
	connectedSince time.Time
	lastError      string

	heartbeat   clock.Timer
	pongTimer   clock.Timer
	selfCheck   clock.Timer
	retryTimer  clock.Timer
	cancelRetry context.CancelFunc

	obsMu     sync.RWMutex
	observers []HealthObserver
}

// NewHealthManager creates a manager in the disconnected state.
func NewHealthManager(cfg HealthConfig, clk clock.Clock, ping Pinger, reconnect Reconnector, log *logger.Logger) *HealthManager {
	if err := mergo.Merge(&cfg, DefaultHealthConfig()); err != nil {
		panic(err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HealthManager{
		cfg:           cfg,
		clock:         clk,
		log:           log.WithComponent("health"),
		ping:          ping,
		reconnect:     reconnect,
		status:        StatusDisconnected,
		autoReconnect: true,
	}
}

// Config returns the effective configuration.
func (m *HealthManager) Config() HealthConfig {
	return m.cfg
}

// Observe attaches an observer. Observers are called in registration
// order, outside the manager's lock.
func (m *HealthManager) Observe(o HealthObserver) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// Connecting marks an initial connection attempt in progress.
func (m *HealthManager) Connecting() {
	m.mu.Lock()
	var evs []HealthEvent
	if m.status == StatusDisconnected || m.status == StatusFailed {
		evs = m.setStatusLocked(StatusConnecting)
	}
	m.mu.Unlock()
	m.emit(evs)
}

// Start enters connected: the failure streak and attempt counter are
// reset and the heartbeat and self-check timers start.
func (m *HealthManager) Start() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	evs := m.connectedLocked()
	m.mu.Unlock()
	m.emit(evs)
}

func (m *HealthManager) connectedLocked() []HealthEvent {
	m.failures = 0
	m.attempts = 0
	m.awaitingPong = false
	m.lastError = ""
	m.connectedSince = m.clock.Now()
	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.onHeartbeat(gen) })
	m.selfCheck = m.clock.AfterFunc(m.cfg.SelfCheckInterval, func() { m.onSelfCheck(gen) })
	return m.setStatusLocked(StatusConnected)
}

func (m *HealthManager) onHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.status.Live() {
		m.mu.Unlock()
		return
	}
	// A ping still unanswered when the next one is due counts as missed,
	// whatever the pong timeout.
	var evs []HealthEvent
	if m.awaitingPong {
		evs = m.missedPongLocked()
	}
	m.lastPing = m.clock.Now()
	m.awaitingPong = true
	if m.pongTimer != nil {
		m.pongTimer.Stop()
	}
	m.pongTimer = m.clock.AfterFunc(m.cfg.PongTimeout, func() { m.onPongTimeout(gen) })
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.onHeartbeat(gen) })
	ping := m.ping
	m.mu.Unlock()
	m.emit(evs)

	if ping == nil {
		return
	}
	if err := ping(); err != nil {
		m.log.Debug("Heartbeat ping not sent", "error", err.Error())
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
	}
}

func (m *HealthManager) onPongTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.awaitingPong {
		m.mu.Unlock()
		return
	}
	evs := m.missedPongLocked()
	m.mu.Unlock()
	m.emit(evs)
}

// missedPongLocked counts the outstanding ping as failed and degrades the
// connection once the streak reaches the threshold.
func (m *HealthManager) missedPongLocked() []HealthEvent {
	m.awaitingPong = false
	m.failures++
	m.log.Debug("Pong timeout", "consecutive_failures", m.failures)

	if m.failures < m.cfg.DegradationThreshold || m.status != StatusConnected {
		return nil
	}
	evs := m.setStatusLocked(StatusDegraded)
	evs = append(evs, m.eventLocked(EventDegraded, StatusConnected))
	m.log.Warn("Connection degraded", "consecutive_failures", m.failures)
	return evs
}

func (m *HealthManager) onSelfCheck(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.status.Live() {
		m.mu.Unlock()
		return
	}
	m.selfCheck = m.clock.AfterFunc(m.cfg.SelfCheckInterval, func() { m.onSelfCheck(gen) })
	ev := m.eventLocked(EventSelfCheck, m.status)
	m.mu.Unlock()
	m.emit([]HealthEvent{ev})
}

// RecordPong records a heartbeat reply. It clears the failure streak and
// recovers a degraded connection.
func (m *HealthManager) RecordPong() {
	m.mu.Lock()
	if !m.status.Live() {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if m.awaitingPong {
		m.latency = now.Sub(m.lastPing)
		m.awaitingPong = false
		if m.pongTimer != nil {
			m.pongTimer.Stop()
		}
	}
	m.lastPong = now
	m.failures = 0

	var evs []HealthEvent
	if m.status == StatusDegraded {
		evs = m.setStatusLocked(StatusConnected)
		evs = append(evs, m.eventLocked(EventRecovered, StatusDegraded))
		m.log.Info("Connection recovered", "latency", m.latency)
	}
	m.mu.Unlock()
	m.emit(evs)
}

// ConnectionLost handles a transport closure: timers stop, the state
// becomes disconnected and, with auto-reconnect on, reconnecting.
func (m *HealthManager) ConnectionLost(err error) {
	m.mu.Lock()
	if !m.status.Live() && m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimersLocked()
	m.accumulateUptimeLocked()
	if err != nil {
		m.lastError = err.Error()
	}
	evs := m.setStatusLocked(StatusDisconnected)
	if m.autoReconnect {
		evs = append(evs, m.scheduleLocked()...)
	}
	m.mu.Unlock()

	m.log.Info("Connection lost", "error", errString(err))
	m.emit(evs)
}

// scheduleLocked arms the next reconnect attempt or gives up.
func (m *HealthManager) scheduleLocked() []HealthEvent {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		prev := m.status
		evs := m.setStatusLocked(StatusFailed)
		evs = append(evs, m.eventLocked(EventFailed, prev))
		m.log.Error("Reconnection failed", "attempts", m.attempts, "error", m.lastError)
		return evs
	}
	evs := m.setStatusLocked(StatusReconnecting)
	gen := m.gen
	delay := m.cfg.Backoff(m.attempts + 1)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.attemptReconnect(gen, delay) })
	return evs
}

func (m *HealthManager) attemptReconnect(gen uint64, delay time.Duration) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusReconnecting || m.cancelRetry != nil {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.attempts++
	attempt := m.attempts
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	ev := m.eventLocked(EventReconnectAttempt, StatusReconnecting)
	ev.Attempt = attempt
	ev.Delay = delay
	reconnect := m.reconnect
	m.mu.Unlock()

	m.log.Info("Reconnecting", "attempt", attempt, "delay", delay)
	m.emit([]HealthEvent{ev})

	var err error
	if reconnect == nil {
		err = errNoReconnector
	} else {
		err = reconnect(ctx)
	}
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cancelRetry = nil

	var evs []HealthEvent
	switch {
	case err == nil:
		m.gen++
		evs = m.connectedLocked()
		m.log.Info("Reconnected", "attempt", attempt)
	case !m.autoReconnect:
		m.lastError = err.Error()
		evs = m.setStatusLocked(StatusDisconnected)
	default:
		m.lastError = err.Error()
		m.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", err.Error())
		evs = m.scheduleLocked()
	}
	m.mu.Unlock()
	m.emit(evs)
}

// ReconnectNow skips the pending backoff delay. It reports whether an
// attempt was brought forward.
func (m *HealthManager) ReconnectNow() bool {
	m.mu.Lock()
	if m.status != StatusReconnecting || m.cancelRetry != nil || m.retryTimer == nil {
		m.mu.Unlock()
		return false
	}
	m.retryTimer.Stop()
	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(0, func() { m.attemptReconnect(gen, 0) })
	m.mu.Unlock()
	return true
}

// Stop cancels every timer and any in-flight reconnect attempt. Callbacks
// that fire afterwards are ignored.
func (m *HealthManager) Stop() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	m.accumulateUptimeLocked()
	var evs []HealthEvent
	if m.status != StatusFailed {
		evs = m.setStatusLocked(StatusDisconnected)
	}
	m.mu.Unlock()
	m.emit(evs)
}

// Reset clears a terminal failure so the caller can connect again.
func (m *HealthManager) Reset() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	m.attempts = 0
	m.failures = 0
	m.lastError = ""
	var evs []HealthEvent
	if m.status == StatusFailed {
		evs = m.setStatusLocked(StatusDisconnected)
	}
	m.mu.Unlock()
	m.emit(evs)
}

// SetAutoReconnect enables or disables automatic reconnection. Disabling
// it cancels a pending attempt.
func (m *HealthManager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	m.autoReconnect = enabled
	var evs []HealthEvent
	if !enabled && m.status == StatusReconnecting {
		m.gen++
		m.stopTimersLocked()
		evs = m.setStatusLocked(StatusDisconnected)
	}
	m.mu.Unlock()
	m.emit(evs)
}

// AutoReconnect reports whether automatic reconnection is enabled.
func (m *HealthManager) AutoReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoReconnect
}

// SetError records err as the last error without changing state.
func (m *HealthManager) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// Status returns the current state.
func (m *HealthManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns the current health view.
func (m *HealthManager) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *HealthManager) snapshotLocked() HealthSnapshot {
	uptime := m.uptime
	if m.status.Live() && !m.connectedSince.IsZero() {
		uptime += m.clock.Now().Sub(m.connectedSince)
	}
	return HealthSnapshot{
		Status:              m.status,
		LastPing:            m.lastPing,
		LastPong:            m.lastPong,
		Latency:             m.latency,
		ConsecutiveFailures: m.failures,
		Uptime:              uptime,
		ReconnectAttempts:   m.attempts,
		LastError:           m.lastError,
	}
}

func (m *HealthManager) setStatusLocked(s Status) []HealthEvent {
	if m.status == s {
		return nil
	}
	prev := m.status
	m.status = s
	return []HealthEvent{m.eventLocked(EventStatusChanged, prev)}
}

func (m *HealthManager) eventLocked(kind HealthEventKind, prev Status) HealthEvent {
	return HealthEvent{
		Kind:     kind,
		Status:   m.status,
		Previous: prev,
		Snapshot: m.snapshotLocked(),
	}
}

func (m *HealthManager) stopTimersLocked() {
	for _, t := range []clock.Timer{m.heartbeat, m.pongTimer, m.selfCheck, m.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.heartbeat, m.pongTimer, m.selfCheck, m.retryTimer = nil, nil, nil, nil
	m.awaitingPong = false
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
}

func (m *HealthManager) accumulateUptimeLocked() {
	if m.status.Live() && !m.connectedSince.IsZero() {
		m.uptime += m.clock.Now().Sub(m.connectedSince)
	}
	m.connectedSince = time.Time{}
}

func (m *HealthManager) emit(evs []HealthEvent) {
	if len(evs) == 0 {
		return
	}
	m.obsMu.RLock()
	observers := make([]HealthObserver, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, ev := range evs {
		for _, o := range observers {
			o.HealthChanged(ev)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

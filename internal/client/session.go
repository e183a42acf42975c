// Package client implements the client side of real-time delivery: one
// transport session per process with heartbeat health tracking, bounded
// backoff reconnection, offline queueing and per-category event handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

var (
	// ErrNotConnected is returned for writes while no transport is open.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionClosed is returned when Disconnect won a race with a dial.
	ErrSessionClosed = errors.New("session closed")
)

// Config configures a Session. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	URL   string
	Token string

	Health HealthConfig

	OfflineQueueSize int

	// LocalQueueSize bounds frames sent before the first connect.
	LocalQueueSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ProbeServer is the resolver the network monitor queries. Empty
	// disables the monitor.
	ProbeServer   string
	ProbeInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws",
		Health:           DefaultHealthConfig(),
		OfflineQueueSize: DefaultOfflineQueueSize,
		LocalQueueSize:   100,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ProbeInterval:    15 * time.Second,
	}
}

// FromConfig maps the client section of the application config.
func FromConfig(c config.ClientConfig) Config {
	return Config{
		URL:   c.ServerURL,
		Token: c.Token,
		Health: HealthConfig{
			HeartbeatInterval:    c.HeartbeatInterval,
			PongTimeout:          c.PongTimeout,
			SelfCheckInterval:    c.SelfCheckInterval,
			DegradationThreshold: c.DegradationThreshold,
			ReconnectInterval:    c.ReconnectInterval,
			MaxBackoff:           c.MaxBackoff,
			MaxReconnectAttempts: c.MaxReconnectAttempts,
			FixedBackoff:         !c.ExponentialBackoff,
		},
		OfflineQueueSize: c.OfflineQueueSize,
		ProbeServer:      c.ProbeServer,
		ProbeInterval:    c.ProbeInterval,
	}
}

// Options carries collaborators. Nil fields get production defaults.
type Options struct {
	Dialer Dialer
	Clock  clock.Clock
	Log    *logger.Logger
}

// SessionObserver is told about conditions the application must act on.
type SessionObserver interface {
	// SubscriptionMismatch reports that the server's confirmed set
	// differs from the set held locally. The server set is adopted.
	SubscriptionMismatch(local, server []string)

	// SessionExpired reports that the credential is no longer accepted.
	// Auto-reconnect is off until the next Connect.
	SessionExpired(reason string)
}

// ObserverFuncs adapts functions to SessionObserver. Nil fields are skipped.
type ObserverFuncs struct {
	OnMismatch func(local, server []string)
	OnExpired  func(reason string)
}

// SubscriptionMismatch implements SessionObserver.
func (o ObserverFuncs) SubscriptionMismatch(local, server []string) {
	if o.OnMismatch != nil {
		o.OnMismatch(local, server)
	}
}

// SessionExpired implements SessionObserver.
func (o ObserverFuncs) SessionExpired(reason string) {
	if o.OnExpired != nil {
		o.OnExpired(reason)
	}
}

// SessionStatus is what a UI needs to present the connection.
type SessionStatus struct {
	Connected        bool           `json:"connected"`
	SessionID        string         `json:"session_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	Role             string         `json:"role,omitempty"`
	Health           HealthSnapshot `json:"health"`
	Subscriptions    []string       `json:"subscriptions"`
	Offline          bool           `json:"offline"`
	QueuedOperations int            `json:"queued_operations"`
	LocalQueue       int            `json:"local_queue"`
	LastError        string         `json:"last_error,omitempty"`
}

// Session is the client's single logical connection to the server.
type Session struct {
	cfg    Config
	dialer Dialer
	log    *logger.Logger

	health   *HealthManager
	offline  *DegradationManager
	handlers *handlerRegistry

	// dialMu admits one dial at a time, manual or automatic.
	dialMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	connGen   uint64
	ready     bool // queued frames flushed; SendMessage may write directly
	closed    bool
	expired   bool
	sessionID string
	userID    string
	role      string
	subs      events.Set
	subsKnown bool
	removed   events.Set
	inflight  []string
	local     []protocol.Frame
	lastError string
	lastStats map[string]any

	obsMu     sync.RWMutex
	observers []SessionObserver
}

// NewSession creates a disconnected session.
func NewSession(cfg Config, opts Options) (*Session, error) {
	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("applying client defaults: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}
	}

	s := &Session{
		cfg:     cfg,
		dialer:  opts.Dialer,
		log:     opts.Log.WithComponent("session"),
		subs:    events.NewSet(),
		removed: events.NewSet(),
	}
	s.handlers = newHandlerRegistry(s.log)
	s.health = NewHealthManager(cfg.Health, opts.Clock, s.ping, s.redial, opts.Log)
	s.offline = NewDegradationManager(cfg.OfflineQueueSize, opts.Clock, opts.Log)
	return s, nil
}

// Health returns the session's health manager, for attaching observers.
func (s *Session) Health() *HealthManager { return s.health }

// Offline returns the session's offline queue.
func (s *Session) Offline() *DegradationManager { return s.offline }

// Observe attaches a session observer.
func (s *Session) Observe(o SessionObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Connect opens the transport. It is a no-op while one is open. On
// success the offline queue is replayed, frames sent before connecting
// are flushed and the locally held subscription is re-requested once the
// server greets the session.
func (s *Session) Connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.expired = false
	s.mu.Unlock()

	if s.health.Status() == StatusFailed {
		s.health.Reset()
	}
	s.health.SetAutoReconnect(true)
	s.health.Connecting()

	conn, err := s.dialer.Dial(ctx, s.cfg.URL, s.cfg.Token)
	if err != nil {
		s.setError(err)
		s.health.Stop()
		s.health.SetError(err)
		return err
	}
	gen, err := s.attach(conn)
	if err != nil {
		s.health.Stop()
		return err
	}
	s.health.Start()
	s.afterOpen(ctx, gen)
	return nil
}

// redial is the health manager's reconnect callback.
func (s *Session) redial(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.conn != nil:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.cfg.URL, s.cfg.Token)
	if err != nil {
		s.setError(err)
		if credentialRejected(err) {
			s.expire(err.Error())
		}
		return err
	}
	gen, err := s.attach(conn)
	if err != nil {
		return err
	}
	s.afterOpen(ctx, gen)
	return nil
}

func credentialRejected(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeSessionExpired, apperrors.CodeUnauthorized:
		return true
	}
	return false
}

func (s *Session) attach(conn Conn) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close("closed")
		return 0, ErrSessionClosed
	}
	s.conn = conn
	s.connGen++
	gen := s.connGen
	s.ready = false
	s.inflight = nil
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	return gen, nil
}

// afterOpen replays the offline queue, then the local queue. SendMessage
// keeps queueing until both are drained, so frames leave in the order
// they were accepted.
func (s *Session) afterOpen(ctx context.Context, gen uint64) {
	if err := s.offline.DisableOfflineMode(ctx, s.replay); err != nil {
		s.setError(err)
	}
	s.flushLocal(gen)
}

// Disconnect closes the transport without replay and turns off
// auto-reconnect. A pending reconnect or timer cannot reopen the session
// afterwards; only Connect can.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connGen++
	s.inflight = nil
	s.mu.Unlock()

	s.health.SetAutoReconnect(false)
	s.health.Stop()
	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			s.log.Debug("Closing transport", "error", err.Error())
		}
	}
}

// Connected reports whether a transport is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.lost(gen, err)
			return
		}
		if !s.current(gen) {
			return
		}
		s.handleData(data)
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.connGen && s.conn != nil
}

func (s *Session) lost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.connGen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.inflight = nil
	s.lastError = err.Error()
	s.offline.EnableOfflineMode()
	s.mu.Unlock()

	_ = conn.Close("")
	s.health.ConnectionLost(err)
}

// SendMessage writes f now if a transport is open and its queues have
// been flushed. Otherwise f is queued, in the offline queue or, when not
// offline, the local queue flushed on the next connect. Either way f is
// accepted and SendMessage reports true; overflow evicts the oldest entry
// and is never reported. Only a frame that cannot be encoded is refused.
func (s *Session) SendMessage(f protocol.Frame) bool {
	s.mu.Lock()
	conn := s.conn
	if !s.ready {
		conn = nil
	}
	s.mu.Unlock()

	err := writeFrame(conn, f)
	switch {
	case err == nil:
		return true
	case apperrors.CodeOf(err) == apperrors.CodeProtocol:
		s.log.Warn("Refusing frame", "error", err.Error())
		return false
	case !errors.Is(err, ErrNotConnected):
		s.log.Debug("Send failed, queueing", "error", err.Error())
	default:
		if _, err := protocol.ToMessage(f); err != nil {
			s.log.Warn("Refusing frame", "error", err.Error())
			return false
		}
	}
	if !s.offline.QueueOperation(f) {
		s.queueLocal(f)
	}
	return true
}

// write sends f on the open transport without waiting for queued frames.
func (s *Session) write(f protocol.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return writeFrame(conn, f)
}

func writeFrame(conn Conn, f protocol.Frame) error {
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return apperrors.ProtocolError("frame cannot be encoded", err)
	}
	return conn.WriteMessage(data)
}

func (s *Session) queueLocal(f protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.local) >= s.cfg.LocalQueueSize {
		s.local = append(s.local[:0], s.local[1:]...)
	}
	s.local = append(s.local, f)
}

// flushLocal drains the local queue onto connection gen, including frames
// queued while it runs, and then lets SendMessage write directly.
func (s *Session) flushLocal(gen uint64) {
	for {
		s.mu.Lock()
		if gen != s.connGen || s.conn == nil {
			s.mu.Unlock()
			return
		}
		pending := s.local
		s.local = nil
		if len(pending) == 0 {
			s.ready = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for i, f := range pending {
			if err := s.write(f); err != nil {
				s.log.Warn("Flushing local queue stopped", "remaining", len(pending)-i, "error", err.Error())
				s.mu.Lock()
				rest := append(append([]protocol.Frame(nil), pending[i:]...), s.local...)
				if over := len(rest) - s.cfg.LocalQueueSize; over > 0 {
					rest = rest[over:]
				}
				s.local = rest
				s.mu.Unlock()
				return
			}
		}
	}
}

func (s *Session) replay(_ context.Context, ops []QueuedOperation) error {
	for i, op := range ops {
		if err := s.write(op.Frame); err != nil {
			return fmt.Errorf("replayed %d of %d operations: %w", i, len(ops), err)
		}
	}
	s.log.Info("Replayed offline operations", "count", len(ops))
	return nil
}

func (s *Session) ping() error {
	return s.write(protocol.Ping{Header: protocol.Header{ID: uuid.NewString()}})
}

// RequestStats asks the server for session statistics. The reply is
// available from LastStats.
func (s *Session) RequestStats() error {
	return s.write(protocol.Stats{Header: protocol.Header{ID: uuid.NewString()}})
}

// LastStats returns the most recent stats reply.
func (s *Session) LastStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

// SubscribeToEvents adds categories to the local set and asks the server
// to do the same. While disconnected only the local set changes; it is
// requested on the next connect.
func (s *Session) SubscribeToEvents(categories ...events.Category) error {
	return s.changeSubscription(protocol.TypeSubscribe, categories)
}

// UnsubscribeFromEvents removes categories locally and on the server.
func (s *Session) UnsubscribeFromEvents(categories ...events.Category) error {
	return s.changeSubscription(protocol.TypeUnsubscribe, categories)
}

func (s *Session) changeSubscription(kind string, categories []events.Category) error {
	if len(categories) == 0 {
		return nil
	}
	for _, c := range categories {
		if !c.Valid() {
			return apperrors.ValidationError(fmt.Sprintf("unknown event category %q", c))
		}
	}
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}

	id := uuid.NewString()
	var f protocol.Frame
	s.mu.Lock()
	if kind == protocol.TypeSubscribe {
		s.subs.Add(categories...)
		s.removed.Remove(categories...)
		f = protocol.Subscribe{Header: protocol.Header{ID: id}, Categories: names}
	} else {
		s.subs.Remove(categories...)
		if !s.subsKnown {
			s.removed.Add(categories...)
		}
		f = protocol.Unsubscribe{Header: protocol.Header{ID: id}, Categories: names}
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.inflight = append(s.inflight, id)
	s.mu.Unlock()

	if err := s.write(f); err != nil {
		s.forget(id)
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pending := range s.inflight {
		if pending == id {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the locally held categories, sorted.
func (s *Session) Subscriptions() []events.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.Sorted()
}

// RegisterEventHandler installs fn for categories under id, replacing any
// handler already registered under id. No categories means every category.
func (s *Session) RegisterEventHandler(id string, categories []events.Category, fn EventHandler) {
	s.handlers.register(id, categories, fn)
}

// UnregisterEventHandler removes the handler registered under id.
func (s *Session) UnregisterEventHandler(id string) bool {
	return s.handlers.unregister(id)
}

// NetworkChanged reacts to host connectivity. Going offline starts
// queueing; coming back online skips the pending reconnect delay.
func (s *Session) NetworkChanged(online bool) {
	if !online {
		s.offline.EnableOfflineMode()
		return
	}
	if s.Connected() {
		if err := s.offline.DisableOfflineMode(context.Background(), s.replay); err != nil {
			s.setError(err)
		}
		return
	}
	if s.health.ReconnectNow() {
		s.log.Info("Network back online, reconnecting now")
	}
}

// Status returns the session state for presentation.
func (s *Session) Status() SessionStatus {
	health := s.health.Snapshot()
	s.mu.Lock()
	st := SessionStatus{
		Connected:     s.conn != nil,
		SessionID:     s.sessionID,
		UserID:        s.userID,
		Role:          s.role,
		Health:        health,
		Subscriptions: s.subs.Strings(),
		LocalQueue:    len(s.local),
		LastError:     s.lastError,
	}
	s.mu.Unlock()
	st.Offline = s.offline.IsOffline()
	st.QueuedOperations = s.offline.Len()
	if st.LastError == "" {
		st.LastError = health.LastError
	}
	return st
}

func (s *Session) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// expire stops reconnection for good and tells observers once per Connect.
func (s *Session) expire(reason string) {
	s.mu.Lock()
	already := s.expired
	s.expired = true
	s.lastError = "session expired: " + reason
	s.mu.Unlock()

	s.health.SetAutoReconnect(false)
	if already {
		return
	}
	s.log.Warn("Session expired", "reason", reason)
	s.obsMu.RLock()
	observers := append([]SessionObserver(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.SessionExpired(reason)
	}
}

func (s *Session) notifyMismatch(local, server []string) {
	s.obsMu.RLock()
	observers := append([]SessionObserver(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.SubscriptionMismatch(local, server)
	}
}

package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/protocol"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/subscription"
)

// DetachHook runs after a session leaves the directory, for any reason.
type DetachHook func(user string, s Session)

// Config configures a Directory.
type Config struct {
	// IdleTimeout evicts sessions that have not been touched for this
	// long. Zero disables eviction.
	IdleTimeout time.Duration

	// SweepInterval is how often Run looks for idle sessions.
	SweepInterval time.Duration

	Clock    clock.Clock
	Recorder Recorder
	Audit    *AuditLogger
	Log      *logger.Logger
}

type entry struct {
	session    Session
	attachedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (e *entry) seen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Directory holds at most one live session per user. Attach, Detach,
// eviction and role changes for one user are serialized, so two entries
// for the same user never coexist.
type Directory struct {
	registry *subscription.Registry
	cfg      Config
	log      *logger.Logger
	locks    *keyedMutex

	mu       sync.RWMutex
	entries  map[string]*entry
	onDetach []DetachHook
}

// NewDirectory creates a directory and installs it as the registry's
// notifier, so subscription confirmations reach the owning session.
func NewDirectory(registry *subscription.Registry, cfg Config) *Directory {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	d := &Directory{
		registry: registry,
		cfg:      cfg,
		log:      cfg.Log.WithComponent("directory"),
		locks:    newKeyedMutex(),
		entries:  make(map[string]*entry),
	}
	registry.SetNotifier(d)
	return d
}

// OnDetach registers a hook. Register hooks before sessions attach.
func (d *Directory) OnDetach(h DetachHook) {
	d.mu.Lock()
	d.onDetach = append(d.onDetach, h)
	d.mu.Unlock()
}

// Attach registers s as its user's live session. A previous session for
// the same user is closed first and its subscriptions are discarded; s
// starts from the role default, which it is told about in a
// connection_established frame before any event can reach it.
func (d *Directory) Attach(ctx context.Context, s Session) error {
	user := s.UserID()
	if user == "" {
		return apperrors.ValidationError("session has no user")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := d.locks.Lock(user)
	defer unlock()

	superseded := false
	if old := d.remove(user, nil); old != nil {
		superseded = true
		old.session.Close(ReasonSuperseded)
		d.detached(user, old, ReasonSuperseded)
	}

	role := s.Role()
	set := d.registry.Reset(user, s.ID(), role)

	now := d.cfg.Clock.Now()
	err := s.Send(protocol.ConnectionEstablished{
		Header: protocol.Header{Timestamp: now},
		EstablishedData: protocol.EstablishedData{
			SessionID:  s.ID(),
			UserID:     user,
			Role:       string(role),
			EventTypes: set.Strings(),
			ServerTime: protocol.Millis(now),
		},
	})
	if err != nil {
		d.registry.Remove(user, s.ID())
		return apperrors.TransportError("greeting session", err)
	}

	e := &entry{session: s, attachedAt: now, lastSeen: now}
	d.mu.Lock()
	d.entries[user] = e
	active := len(d.entries)
	d.mu.Unlock()

	d.log.Info("Session attached",
		"user_id", user,
		"session_id", s.ID(),
		"role", string(role),
		"superseded", superseded,
	)
	if r := d.cfg.Recorder; r != nil {
		r.SessionAttached(superseded)
		r.SessionsActive(active)
	}
	d.audit(AuditAttached, s, "", map[string]any{"subscriptions": set.Strings()})
	return nil
}

// Detach removes s if it is still its user's live session. A detach from
// a session that was already superseded or evicted does nothing. The
// caller owns closing s.
func (d *Directory) Detach(user string, s Session) bool {
	return d.detach(user, s, ReasonClosed)
}

// DetachWithReason is Detach with an explicit reason for metrics and the
// audit log.
func (d *Directory) DetachWithReason(user string, s Session, reason string) bool {
	return d.detach(user, s, reason)
}

func (d *Directory) detach(user string, s Session, reason string) bool {
	unlock := d.locks.Lock(user)
	defer unlock()

	e := d.remove(user, s)
	if e == nil {
		return false
	}
	d.detached(user, e, reason)
	return true
}

// remove deletes user's entry. When s is non-nil the entry is removed
// only if it belongs to s. Callers hold the user lock.
func (d *Directory) remove(user string, s Session) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[user]
	if !ok || (s != nil && e.session.ID() != s.ID()) {
		return nil
	}
	delete(d.entries, user)
	return e
}

// detached finishes a removal. Callers hold the user lock.
func (d *Directory) detached(user string, e *entry, reason string) {
	s := e.session
	d.registry.Remove(user, s.ID())

	d.mu.RLock()
	hooks := d.onDetach
	active := len(d.entries)
	d.mu.RUnlock()
	for _, h := range hooks {
		h(user, s)
	}

	d.log.Info("Session detached",
		"user_id", user,
		"session_id", s.ID(),
		"reason", reason,
		"connected_for", d.cfg.Clock.Now().Sub(e.attachedAt).Round(time.Millisecond).String(),
	)
	if r := d.cfg.Recorder; r != nil {
		r.SessionDetached(reason)
		r.SessionsActive(active)
	}

	eventType := AuditDetached
	switch reason {
	case ReasonSuperseded:
		eventType = AuditSuperseded
	case ReasonEvicted:
		eventType = AuditEvicted
	}
	d.audit(eventType, s, reason, nil)
}

// Lookup returns user's live session.
func (d *Directory) Lookup(user string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[user]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sessions returns a snapshot of all live sessions.
func (d *Directory) Sessions() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Session, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.session)
	}
	return out
}

// Count returns the number of live sessions.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Touch records activity on user's session.
func (d *Directory) Touch(user string) {
	d.mu.RLock()
	e, ok := d.entries[user]
	d.mu.RUnlock()
	if !ok {
		return
	}
	now := d.cfg.Clock.Now()
	e.mu.Lock()
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	e.mu.Unlock()
}

// SetRole switches the role of user's live session and narrows its
// subscription right away. It reports false when user is not attached.
func (d *Directory) SetRole(user string, role events.Role) (events.Set, bool) {
	unlock := d.locks.Lock(user)
	defer unlock()

	s, ok := d.Lookup(user)
	if !ok {
		return nil, false
	}
	previous := s.Role()
	s.SetRole(role)
	set, ok := d.registry.ChangeRole(user, role)
	if !ok {
		return nil, false
	}

	d.log.Info("Session role changed",
		"user_id", user,
		"session_id", s.ID(),
		"from", string(previous),
		"to", string(role),
	)
	d.audit(AuditRoleChanged, s, "", map[string]any{
		"previous_role": string(previous),
		"subscriptions": set.Strings(),
	})
	return set, true
}

// SubscriptionChanged implements subscription.Notifier. The confirmation
// goes to session only while it is still the user's live session.
func (d *Directory) SubscriptionChanged(user, session, requestID string, set events.Set) {
	s, ok := d.Lookup(user)
	if !ok || s.ID() != session {
		return
	}
	err := s.Send(protocol.SubscriptionUpdated{
		Header: protocol.Header{Timestamp: d.cfg.Clock.Now()},
		SubscriptionData: protocol.SubscriptionData{
			EventTypes: set.Strings(),
			RequestID:  requestID,
		},
	})
	if err != nil {
		d.log.Warn("Failed to confirm subscription",
			"user_id", user,
			"session_id", session,
			"error", err.Error(),
		)
	}
}

// SessionInfo describes one live session.
type SessionInfo struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	AttachedAt    time.Time `json:"attached_at"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions []string  `json:"subscriptions"`
}

// Snapshot describes every live session, ordered by user.
func (d *Directory) Snapshot() []SessionInfo {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		s := e.session
		info := SessionInfo{
			UserID:     s.UserID(),
			SessionID:  s.ID(),
			Role:       string(s.Role()),
			RemoteAddr: s.RemoteAddr(),
			AttachedAt: e.attachedAt,
			LastSeen:   e.seen(),
		}
		if set, _, ok := d.registry.Current(s.UserID()); ok {
			info.Subscriptions = set.Strings()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// CloseAll closes and detaches every session.
func (d *Directory) CloseAll(reason string) {
	for _, s := range d.Sessions() {
		s.Close(reason)
		d.detach(s.UserID(), s, reason)
	}
}

func (d *Directory) audit(eventType string, s Session, reason string, details map[string]any) {
	if d.cfg.Audit == nil {
		return
	}
	d.cfg.Audit.Record(AuditEntry{
		Timestamp:  d.cfg.Clock.Now().UTC(),
		EventType:  eventType,
		SessionID:  s.ID(),
		UserID:     s.UserID(),
		Role:       string(s.Role()),
		Reason:     reason,
		RemoteAddr: s.RemoteAddr(),
		Details:    details,
	})
}

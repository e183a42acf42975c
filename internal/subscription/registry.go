// Package subscription holds the per-user set of subscribed event
// categories and validates changes against the user's role.
package subscription

import (
	"sync"

	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// Notifier receives the full resulting set after every successful change,
// along with the session owning the entry and the client request that
// caused it. requestID is empty for changes the server made on its own,
// such as a role change. It is called with the user's
// lock held, so confirmations reach the notifier in the order the changes
// were applied. Implementations must not block and must not call back
// into the Registry for the same user.
type Notifier interface {
	SubscriptionChanged(user, session, requestID string, set events.Set)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(user, session, requestID string, set events.Set)

// SubscriptionChanged calls f.
func (f NotifierFunc) SubscriptionChanged(user, session, requestID string, set events.Set) {
	f(user, session, requestID, set)
}

type entry struct {
	mu    sync.Mutex
	owner string // session that installed the entry
	role  events.Role
	set   events.Set
}

// Registry maps users to their subscriptions. Mutations for one user are
// serialized with each other and with View, so dispatch never observes a
// half-applied change. Requests from one user are applied in arrival
// order; the last one wins.
//
// Every entry is owned by the session that installed it. Requests carrying
// another session ID are rejected, so a superseded session cannot change
// the subscriptions of the session that replaced it.
type Registry struct {
	policy   *events.Policy
	notifier Notifier
	log      *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates a registry. notifier may be nil.
func NewRegistry(policy *events.Policy, notifier Notifier, log *logger.Logger) *Registry {
	if policy == nil {
		policy = events.DefaultPolicy()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		policy:   policy,
		notifier: notifier,
		log:      log.WithComponent("subscription"),
		entries:  make(map[string]*entry),
	}
}

// SetNotifier replaces the notifier. Call before the registry is shared.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Policy returns the role policy the registry validates against.
func (r *Registry) Policy() *events.Policy {
	return r.policy
}

// DefaultSubscription returns the default set for role.
func (r *Registry) DefaultSubscription(role events.Role) events.Set {
	return r.policy.Default(role)
}

func (r *Registry) lookup(user string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[user]
}

func (r *Registry) owned(user, session string) (*entry, error) {
	e := r.lookup(user)
	if e == nil || e.owner != session {
		return nil, apperrors.NotFoundError("subscription for " + user)
	}
	return e, nil
}

// Reset installs the role default for user on behalf of session, replacing
// any previous entry. No confirmation is emitted; attach reports the set
// itself.
func (r *Registry) Reset(user, session string, role events.Role) events.Set {
	e := &entry{owner: session, role: role, set: r.policy.Default(role)}
	r.mu.Lock()
	r.entries[user] = e
	r.mu.Unlock()
	return e.set.Clone()
}

// Remove drops user's entry if session still owns it.
func (r *Registry) Remove(user, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[user]; ok && e.owner == session {
		delete(r.entries, user)
		return true
	}
	return false
}

// Current returns a copy of user's set and role.
func (r *Registry) Current(user string) (events.Set, events.Role, bool) {
	e := r.lookup(user)
	if e == nil {
		return nil, "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set.Clone(), e.role, true
}

// View runs fn with user's role and set under the user's lock. fn must
// not retain or modify set. It returns false when user has no entry.
func (r *Registry) View(user string, fn func(role events.Role, set events.Set)) bool {
	e := r.lookup(user)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.role, e.set)
	return true
}

// ApplySubscribe adds categories to user's set. If any name is unknown or
// not permitted for the user's role, nothing changes and the error names
// the offending categories. requestID is echoed in the confirmation.
func (r *Registry) ApplySubscribe(user, session, requestID string, names []string) (events.Set, error) {
	e, err := r.owned(user, session)
	if err != nil {
		return nil, err
	}

	requested, err := events.ParseCategories(names)
	if err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if disallowed := r.policy.Disallowed(e.role, requested); len(disallowed) > 0 {
		names := make([]string, len(disallowed))
		for i, c := range disallowed {
			names[i] = string(c)
		}
		r.log.Warn("Subscription rejected",
			"user_id", user,
			"role", string(e.role),
			"disallowed", names,
		)
		return e.set.Clone(), apperrors.DisallowedCategoriesError(names)
	}

	e.set.Add(requested...)
	r.notify(user, e, requestID)
	return e.set.Clone(), nil
}

// ApplyUnsubscribe removes categories from user's set. Names that are not
// subscribed, or not known at all, are ignored.
func (r *Registry) ApplyUnsubscribe(user, session, requestID string, names []string) (events.Set, error) {
	e, err := r.owned(user, session)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, n := range names {
		e.set.Remove(events.Category(n))
	}
	r.notify(user, e, requestID)
	return e.set.Clone(), nil
}

// ChangeRole switches user to role and prunes categories the new role may
// not see. A confirmation is emitted when the set shrinks.
func (r *Registry) ChangeRole(user string, role events.Role) (events.Set, bool) {
	e := r.lookup(user)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.role = role
	pruned := false
	for c := range e.set {
		if !r.policy.Permits(role, c) {
			delete(e.set, c)
			pruned = true
		}
	}
	if pruned {
		r.notify(user, e, "")
	}
	return e.set.Clone(), true
}

// Len returns the number of users with an entry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) notify(user string, e *entry, requestID string) {
	if r.notifier != nil {
		r.notifier.SubscriptionChanged(user, e.owner, requestID, e.set.Clone())
	}
}

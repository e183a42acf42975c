package client

import (
	"fmt"
	"sync"

	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

// EventHandler receives domain events. A returned error or a panic is
// logged and does not affect other handlers.
type EventHandler func(e events.Event) error

type handlerEntry struct {
	id         string
	categories events.Set // empty means every category
	fn         EventHandler
}

func (h *handlerEntry) wants(c events.Category) bool {
	return len(h.categories) == 0 || h.categories.Has(c)
}

type handlerRegistry struct {
	log *logger.Logger

	mu      sync.RWMutex
	entries []*handlerEntry
}

func newHandlerRegistry(log *logger.Logger) *handlerRegistry {
	return &handlerRegistry{log: log}
}

func (r *handlerRegistry) register(id string, categories []events.Category, fn EventHandler) {
	e := &handlerEntry{id: id, categories: events.NewSet(categories...), fn: fn}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entries {
		if existing.id == id {
			r.entries[i] = e
			return
		}
	}
	r.entries = append(r.entries, e)
}

func (r *handlerRegistry) unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch runs every matching handler in registration order and returns
// how many completed without error.
func (r *handlerRegistry) dispatch(ev events.Event) int {
	r.mu.RLock()
	matched := make([]*handlerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.wants(ev.Category) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	ok := 0
	for _, e := range matched {
		if err := r.call(e, ev); err != nil {
			r.log.Warn("Event handler failed",
				"handler_id", e.id,
				"event_id", ev.ID,
				"category", string(ev.Category),
				"error", err.Error(),
			)
			continue
		}
		ok++
	}
	return ok
}

func (r *handlerRegistry) call(e *handlerEntry, ev events.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return e.fn(ev)
}

// handleData decodes one inbound message. Control frames are handled
// here before anything reaches user handlers.
func (s *Session) handleData(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("Dropping malformed message", "error", err.Error())
		s.setError(err)
		return
	}

	switch f := frame.(type) {
	case protocol.Pong:
		s.health.RecordPong()

	case protocol.Ping:
		if err := s.write(protocol.Pong{Header: protocol.Header{ID: f.ID}}); err != nil {
			s.log.Debug("Pong not sent", "error", err.Error())
		}

	case protocol.ConnectionEstablished:
		s.handleEstablished(f)

	case protocol.SubscriptionUpdated:
		s.reconcile(f.RequestID, f.EventTypes)

	case protocol.Error:
		s.handleError(f)

	case protocol.SessionExpired:
		s.expire(f.Reason)
		s.Disconnect()

	case protocol.Stats:
		s.mu.Lock()
		s.lastStats = f.Data
		s.mu.Unlock()

	case protocol.Batch:
		for _, e := range f.Events {
			s.deliver(e)
		}

	case protocol.EventFrame:
		s.deliver(f)

	default:
		s.log.Warn("Unexpected message from server", "type", fmt.Sprintf("%T", frame))
	}
}

func (s *Session) deliver(f protocol.EventFrame) {
	s.handlers.dispatch(events.Event{
		ID:        f.ID,
		Category:  f.Category,
		Priority:  f.Priority,
		Payload:   f.Payload,
		CreatedAt: f.Timestamp,
	})
}

// handleEstablished records the greeting and brings the server's set in
// line with the local one. On the very first connect the server's role
// default is the starting point, amended by any changes made before it.
func (s *Session) handleEstablished(f protocol.ConnectionEstablished) {
	server, _ := events.ParseCategories(f.EventTypes)
	serverSet := events.NewSet(server...)

	s.mu.Lock()
	s.sessionID = f.SessionID
	s.userID = f.UserID
	s.role = f.Role
	if !s.subsKnown {
		desired := serverSet.Clone()
		desired.Add(s.subs.Sorted()...)
		desired.Remove(s.removed.Sorted()...)
		s.subs = desired
		s.removed = events.NewSet()
		s.subsKnown = true
	}
	desired := s.subs.Clone()
	s.mu.Unlock()

	s.log.Info("Connection established",
		"session_id", f.SessionID,
		"user_id", f.UserID,
		"role", f.Role,
	)

	var extra []events.Category
	for _, c := range serverSet.Sorted() {
		if !desired.Has(c) {
			extra = append(extra, c)
		}
	}
	if len(desired) > 0 {
		if err := s.changeSubscription(protocol.TypeSubscribe, desired.Sorted()); err != nil {
			s.log.Warn("Resubscribe failed", "error", err.Error())
		}
	}
	if len(extra) > 0 {
		if err := s.changeSubscription(protocol.TypeUnsubscribe, extra); err != nil {
			s.log.Warn("Unsubscribe of role defaults failed", "error", err.Error())
		}
	}
}

// reconcile applies a server-confirmed set. Answers are matched to
// requests by id; the comparison waits for the answer to the last
// outstanding request, so the latest request wins. A confirmation without
// a request id reports a change the server made on its own; it answers
// nothing, and while requests are pending the final answer supersedes it.
func (s *Session) reconcile(requestID string, serverNames []string) {
	categories, _ := events.ParseCategories(serverNames)
	server := events.NewSet(categories...)

	s.mu.Lock()
	s.popInflightLocked(requestID)
	if len(s.inflight) > 0 {
		s.mu.Unlock()
		return
	}
	local := s.subs.Strings()
	mismatch := !server.Equal(s.subs)
	s.subs = server
	s.subsKnown = true
	if mismatch {
		s.lastError = fmt.Sprintf("subscription mismatch: local %v, server %v", local, server.Strings())
	}
	s.mu.Unlock()

	if mismatch {
		s.log.Warn("Subscription mismatch, adopting server set",
			"local", local,
			"server", server.Strings(),
		)
		s.notifyMismatch(local, server.Strings())
	}
}

func (s *Session) popInflightLocked(requestID string) {
	if requestID == "" {
		return
	}
	for i, id := range s.inflight {
		if id == requestID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

func (s *Session) handleError(f protocol.Error) {
	s.log.Warn("Server reported an error",
		"code", f.Code,
		"message", f.Message,
		"request_id", f.RequestID,
		"disallowed", f.Disallowed,
	)
	s.setError(fmt.Errorf("%s: %s", f.Code, f.Message))

	if f.RequestID == "" {
		return
	}
	s.mu.Lock()
	pending := false
	for _, id := range s.inflight {
		if id == f.RequestID {
			pending = true
			break
		}
	}
	s.mu.Unlock()
	if !pending {
		return
	}
	if f.EventTypes != nil {
		s.reconcile(f.RequestID, f.EventTypes)
		return
	}
	s.mu.Lock()
	s.popInflightLocked(f.RequestID)
	s.mu.Unlock()
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/dispatch"
	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/security"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
		apperrors.InvalidRequestError("method not allowed"))
	return false
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

// handleHealth handles GET /healthz. The process is alive if it answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Sessions: s.directory.Count(),
	})
}

// handleReady handles GET /readyz.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "not_ready", Version: s.version})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ready",
		Version:  s.version,
		Sessions: s.directory.Count(),
	})
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	Sessions      int            `json:"active_sessions"`
	Subscriptions int            `json:"subscriptions"`
	Dispatch      dispatch.Stats `json:"dispatch"`
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Sessions:      s.directory.Count(),
		Subscriptions: s.registry.Len(),
		Dispatch:      s.dispatcher.Stats(),
	})
}

// handleSessions handles GET /api/sessions. Admins only.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	sessions := s.directory.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// IngestResponse is the body of a successful POST /api/events.
type IngestResponse struct {
	ID       string          `json:"id"`
	Category events.Category `json:"category"`
}

// handleIngest handles POST /api/events: a collaborator publishes a
// domain event over HTTP instead of writing to the bus directly.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	if r.ContentLength > 0 {
		if err := security.ValidatePayloadSize(int(r.ContentLength)); err != nil {
			apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, security.MaxPayloadSize)
	var e events.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		apperrors.WriteError(w, apperrors.InvalidRequestError("invalid event body: "+err.Error()))
		return
	}
	e.Normalize(time.Now())
	if e.Source == "" {
		e.Source = id.UserID
	}
	if err := e.Validate(); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	msg, err := bus.NewEvent(bus.TypeDomainEvent, "http", string(e.Category), e)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("encoding event", err))
		return
	}
	if err := s.bus.Publish(r.Context(), s.cfg.Bus.EventsTopic, msg); err != nil {
		s.log.WithContext(r.Context()).Error("Failed to publish ingested event",
			"event_id", e.ID,
			"error", err.Error(),
		)
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("event bus"))
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{ID: e.ID, Category: e.Category})
}

// RecentEvent is one journaled domain event.
type RecentEvent struct {
	Seq      uint64       `json:"seq"`
	Recorded time.Time    `json:"recorded"`
	Event    events.Event `json:"event"`
}

// RecentResponse is the body of GET /api/events/recent.
type RecentResponse struct {
	Events  []RecentEvent `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// handleRecent handles GET /api/events/recent: the newest journaled
// domain events, for operators checking what was broadcast. Admins only.
//
// Query parameters: limit (default 50, max 500), after (sequence number)
// and since (RFC 3339 time or a duration such as 15m).
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.journal == nil {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("event journal"))
		return
	}

	q, err := parseRecentQuery(r, time.Now())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	q.Topic = s.cfg.Bus.EventsTopic

	entries, err := s.journal.Query(q)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("reading event journal", err))
		return
	}
	resp := RecentResponse{Events: make([]RecentEvent, 0, len(entries)), LastSeq: s.journal.LastSeq()}
	for _, e := range entries {
		if e.Event.Type != bus.TypeDomainEvent {
			continue
		}
		var ev events.Event
		if err := e.Event.Decode(&ev); err != nil {
			continue
		}
		resp.Events = append(resp.Events, RecentEvent{Seq: e.Seq, Recorded: e.Recorded, Event: ev})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseRecentQuery(r *http.Request, now time.Time) (bus.JournalQuery, error) {
	values := r.URL.Query()
	q := bus.JournalQuery{Limit: defaultRecentLimit, Tail: true}

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, apperrors.ValidationError("limit must be a positive integer")
		}
		q.Limit = min(n, maxRecentLimit)
	}
	if v := values.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return q, apperrors.ValidationError("after must be a sequence number")
		}
		q.AfterSeq = n
	}
	if v := values.Get("since"); v != "" {
		since, err := parseSince(v, now)
		if err != nil {
			return q, apperrors.ValidationError("since must be an RFC 3339 time or a duration")
		}
		q.Since = since
	}
	return q, nil
}

// parseSince accepts an absolute RFC 3339 time or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		apperrors.WriteError(w, err)
		return Identity{}, false
	}
	if id.Role != events.RoleAdmin {
		apperrors.WriteError(w, apperrors.ForbiddenError("admin role required"))
		return Identity{}, false
	}
	return id, true
}

// RoleChange is the payload of a role.changed bus event.
type RoleChange struct {
	UserID string      `json:"user_id"`
	Role   events.Role `json:"role"`
}

// handleRoleChange applies a role change to the user's live session, if any.
func (s *Server) handleRoleChange(_ context.Context, msg bus.Event) error {
	if msg.Type != bus.TypeRoleChanged {
		return nil
	}
	var rc RoleChange
	if err := msg.Decode(&rc); err != nil {
		s.log.Warn("Dropping undecodable role change", "bus_event_id", msg.ID, "error", err.Error())
		return nil
	}
	if !s.policy.Known(rc.Role) {
		s.log.Warn("Dropping role change to unknown role", "user_id", rc.UserID, "role", string(rc.Role))
		return nil
	}
	if _, ok := s.directory.SetRole(rc.UserID, rc.Role); !ok {
		s.log.Debug("Role change for detached user", "user_id", rc.UserID)
	}
	return nil
}

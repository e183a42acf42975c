package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/events"
	reqctx "github.com/zonedesk/zonedesk/internal/pkg/context"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/middleware"
	"github.com/zonedesk/zonedesk/internal/pkg/security"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

// handleWebSocket authenticates the request, upgrades it and runs the
// session until either side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithContext(r.Context())
	if !s.Ready() {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("realtime"))
		return
	}

	id, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		log.Info("WebSocket authentication failed",
			"url", security.MaskURL(r.URL),
			"remote_addr", middleware.ClientIP(r),
			"code", apperrors.CodeOf(err),
		)
		apperrors.WriteError(w, err)
		return
	}
	if !s.policy.Known(id.Role) {
		apperrors.WriteError(w, apperrors.ForbiddenError("unknown role"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("WebSocket upgrade failed",
			"user_id", id.UserID,
			"error", err.Error(),
			"headers", security.MaskSensitiveHeaders(r.Header),
		)
		return
	}

	sess := newSession(conn, id, middleware.ClientIP(r), SessionConfig{
		SendQueueSize:  s.cfg.Realtime.SendQueueSize,
		WriteTimeout:   s.cfg.Realtime.WriteTimeout,
		PingInterval:   s.cfg.Realtime.PingInterval,
		PongWait:       s.cfg.Realtime.PongWait,
		MaxMessageSize: s.cfg.Realtime.MaxMessageSize,
	}, s.log)
	go sess.writePump()

	ctx := reqctx.WithUserID(r.Context(), id.UserID)
	if err := s.directory.Attach(ctx, sess); err != nil {
		sess.log.Warn("Session attach failed", "error", err.Error())
		sess.Close(connection.ReasonError)
		<-sess.written
		return
	}

	var expiry *time.Timer
	if !id.ExpiresAt.IsZero() {
		expiry = time.AfterFunc(time.Until(id.ExpiresAt), func() { s.expire(sess) })
	}

	sess.readPump(
		func(data []byte) { s.handleMessage(sess, data) },
		func() { s.directory.Touch(sess.UserID()) },
	)

	if expiry != nil {
		expiry.Stop()
	}
	sess.Close(connection.ReasonClosed)
	s.directory.DetachWithReason(sess.UserID(), sess, sess.closeReason())
	<-sess.written
}

// expire tells the client its credential has run out and closes the
// session.
func (s *Server) expire(sess *wsSession) {
	_ = sess.Send(protocol.SessionExpired{
		Header: protocol.Header{Timestamp: time.Now()},
		Reason: "credential expired",
	})
	sess.Close(connection.ReasonExpired)
	s.directory.DetachWithReason(sess.UserID(), sess, connection.ReasonExpired)
}

// handleMessage processes one inbound message. A malformed message is
// answered with an error frame and the session stays open.
func (s *Server) handleMessage(sess *wsSession, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.metrics.ProtocolError()
		sess.log.Debug("Malformed message", "error", err.Error(), "message", security.Excerpt(data))
		s.replyError(sess, "", err, nil)
		return
	}

	switch f := frame.(type) {
	case protocol.Subscribe:
		s.metrics.MessageReceived(protocol.TypeSubscribe)
		s.subscribe(sess, f.ID, f.Categories)

	case protocol.Unsubscribe:
		s.metrics.MessageReceived(protocol.TypeUnsubscribe)
		_, err := s.registry.ApplyUnsubscribe(sess.UserID(), sess.ID(), f.ID, f.Categories)
		if err != nil {
			s.replyError(sess, f.ID, err, nil)
		}

	case protocol.Ping:
		s.metrics.MessageReceived(protocol.TypePing)
		s.reply(sess, protocol.Pong{Header: protocol.Header{ID: f.ID, Timestamp: time.Now()}})

	case protocol.Pong:
		s.metrics.MessageReceived(protocol.TypePong)

	case protocol.Stats:
		s.metrics.MessageReceived(protocol.TypeStats)
		s.reply(sess, protocol.Stats{
			Header: protocol.Header{ID: f.ID, Timestamp: time.Now()},
			Data:   s.sessionStats(sess),
		})

	default:
		s.metrics.ProtocolError()
		head := frame.Head()
		s.replyError(sess, head.ID, apperrors.ProtocolError("message type not accepted from clients", nil), nil)
	}
}

func (s *Server) subscribe(sess *wsSession, requestID string, names []string) {
	current, err := s.registry.ApplySubscribe(sess.UserID(), sess.ID(), requestID, names)
	if err == nil {
		return
	}
	s.replyError(sess, requestID, err, current)
}

func (s *Server) reply(sess *wsSession, f protocol.Frame) {
	if err := sess.Send(f); err != nil {
		sess.log.Debug("Reply not queued", "error", err.Error())
	}
}

// replyError sends an error frame. For rejected subscription requests
// current is the set that stays in effect.
func (s *Server) replyError(sess *wsSession, requestID string, err error, current events.Set) {
	data := protocol.ErrorData{
		Code:      apperrors.CodeOf(err),
		Message:   err.Error(),
		RequestID: requestID,
	}
	if data.Code == "" {
		data.Code = apperrors.CodeInternal
		data.Message = "internal error"
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		data.Message = appErr.Message
		if d := appErr.Details["disallowed"]; d != "" {
			data.Disallowed = strings.Split(d, ",")
		}
	}
	if current != nil {
		data.EventTypes = current.Strings()
	}
	s.reply(sess, protocol.Error{Header: protocol.Header{Timestamp: time.Now()}, ErrorData: data})
}

func (s *Server) sessionStats(sess *wsSession) map[string]any {
	stats := s.dispatcher.Stats()
	out := map[string]any{
		"session_id":         sess.ID(),
		"active_sessions":    s.directory.Count(),
		"events_dispatched":  stats.Dispatched,
		"events_delivered":   stats.Delivered,
		"events_batched":     stats.Batched,
		"batches_sent":       stats.BatchesSent,
		"events_dropped":     stats.Dropped,
		"pending_recipients": stats.PendingRecipients,
	}
	if set, role, ok := s.registry.Current(sess.UserID()); ok {
		out["event_types"] = set.Strings()
		out["role"] = string(role)
	}
	return out
}

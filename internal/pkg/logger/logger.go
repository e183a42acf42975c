// Package logger is the structured logger used across zonedesk: slog
// with helpers for the attributes every component attaches.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	reqctx "github.com/zonedesk/zonedesk/internal/pkg/context"
)

// Attribute keys shared by every component.
const (
	KeyComponent = "component"
	KeyUser      = "user"
	KeySession   = "session"
	KeyRequestID = "request_id"
	KeyError     = "error"
)

// Logger is a slog.Logger whose With variants keep returning *Logger.
type Logger struct {
	*slog.Logger
}

// New logs to stdout at level ("debug", "info", "warn", "error") in
// format ("json", anything else means text).
func New(level, format string) *Logger {
	return NewWithWriter(level, format, os.Stdout)
}

// NewWithWriter is New writing to w.
func NewWithWriter(level, format string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return &Logger{slog.New(slog.NewJSONHandler(w, opts))}
	}
	return &Logger{slog.New(slog.NewTextHandler(w, opts))}
}

// Default logs text at info level to stdout.
func Default() *Logger { return New("info", "text") }

// Discard drops every record.
func Discard() *Logger { return &Logger{slog.New(slog.DiscardHandler)} }

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// WithContext adds the request id and user carried by ctx. It returns l
// itself when ctx carries neither.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any
	if id := reqctx.GetRequestID(ctx); id != "" {
		args = append(args, KeyRequestID, id)
	}
	if user := reqctx.GetUserID(ctx); user != "" {
		args = append(args, KeyUser, user)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

func (l *Logger) WithComponent(component string) *Logger { return l.With(KeyComponent, component) }

func (l *Logger) WithUser(userID string) *Logger { return l.With(KeyUser, userID) }

func (l *Logger) WithSession(sessionID string) *Logger { return l.With(KeySession, sessionID) }

func (l *Logger) WithError(err error) *Logger { return l.With(KeyError, err.Error()) }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

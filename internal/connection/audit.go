package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/pkg/security"
)

// Audit event types.
const (
	AuditAttached    = "session.attached"
	AuditSuperseded  = "session.superseded"
	AuditDetached    = "session.detached"
	AuditEvicted     = "session.evicted"
	AuditRoleChanged = "session.role_changed"
)

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditLogger records session lifecycle changes for security auditing.
// Entries go to the application log, to an optional JSONL file and, when
// a bus is given, out as audit_log domain events.
type AuditLogger struct {
	log     *logger.Logger
	logPath string
	file    *os.File
	mu      sync.Mutex

	bus     bus.Bus
	outbox  chan AuditEntry
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// LogPath is the path to the audit log file.
	// If empty, logs to the application logger only.
	LogPath string

	// PublishEvents publishes every entry as an audit_log event.
	PublishEvents bool
}

// NewAuditLogger creates a new audit logger. eventBus may be nil.
func NewAuditLogger(cfg AuditLoggerConfig, eventBus bus.Bus, log *logger.Logger) (*AuditLogger, error) {
	if log == nil {
		log = logger.Default()
	}
	a := &AuditLogger{
		log:     log.WithComponent("audit"),
		logPath: cfg.LogPath,
	}

	if cfg.LogPath != "" {
		dir := filepath.Dir(cfg.LogPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		a.file = f
	}

	if cfg.PublishEvents && eventBus != nil {
		a.bus = eventBus
		a.outbox = make(chan AuditEntry, 256)
		a.done = make(chan struct{})
		go a.publishLoop()
	}

	return a, nil
}

// Record writes entry to the log, the file and the outbox. A zero
// timestamp is set to now.
func (a *AuditLogger) Record(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	a.log.Info("Session audit",
		"event", entry.EventType,
		"session_id", entry.SessionID,
		"user_id", entry.UserID,
		"role", entry.Role,
		"reason", entry.Reason,
		"remote_addr", entry.RemoteAddr,
	)

	if err := a.writeEntry(entry); err != nil {
		a.log.Error("Failed to write audit entry", "error", err.Error())
	}

	a.enqueue(entry)
}

func (a *AuditLogger) writeEntry(entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = a.file.Write(append(data, '\n'))
	return err
}

func (a *AuditLogger) enqueue(entry AuditEntry) {
	if a.outbox == nil {
		return
	}
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.outbox <- entry:
	default:
		a.log.Warn("Audit outbox full, dropping event", "event", entry.EventType, "session_id", entry.SessionID)
	}
}

func (a *AuditLogger) publishLoop() {
	defer close(a.done)
	for entry := range a.outbox {
		if err := a.publish(entry); err != nil {
			a.log.Warn("Failed to publish audit event", "event", entry.EventType, "error", err.Error())
		}
	}
}

func (a *AuditLogger) publish(entry AuditEntry) error {
	payload := map[string]any{
		"event":       entry.EventType,
		"session_id":  entry.SessionID,
		"user_id":     entry.UserID,
		"role":        entry.Role,
		"remote_addr": entry.RemoteAddr,
	}
	if entry.Reason != "" {
		payload["reason"] = entry.Reason
	}
	for k, v := range security.MaskSensitiveMap(entry.Details, any(security.RedactedValue)) {
		payload[k] = v
	}

	ev := events.New(events.AuditLog, events.PriorityLow, payload)
	ev.CreatedAt = entry.Timestamp
	ev.Source = "zonedesk-server"
	ev.Sensitivity = events.Confidential
	ev.FieldSensitivity = map[string]events.Sensitivity{"remote_addr": events.Secret}

	msg, err := bus.NewEvent(bus.TypeDomainEvent, ev.Source, string(ev.Category), ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.bus.Publish(ctx, bus.TopicEvents, msg)
}

// Close flushes pending audit events and closes the audit file.
func (a *AuditLogger) Close() error {
	if a.outbox != nil {
		a.closeMu.Lock()
		if !a.closed {
			a.closed = true
			close(a.outbox)
		}
		a.closeMu.Unlock()
		<-a.done
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

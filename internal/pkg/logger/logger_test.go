package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	reqctx "github.com/zonedesk/zonedesk/internal/pkg/context"
)

// record logs once through build and returns the decoded JSON line.
func record(t *testing.T, build func(*Logger) *Logger) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	build(NewWithWriter("debug", "json", &buf)).Info("zone reloaded")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %v\n%s", err, buf.String())
	}
	return rec
}

func TestAttributeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Logger) *Logger
		want  map[string]string
	}{
		{
			name:  "component",
			build: func(l *Logger) *Logger { return l.WithComponent("dispatch") },
			want:  map[string]string{KeyComponent: "dispatch"},
		},
		{
			name: "chained",
			build: func(l *Logger) *Logger {
				return l.WithComponent("directory").WithUser("bob").WithSession("s-1")
			},
			want: map[string]string{KeyComponent: "directory", KeyUser: "bob", KeySession: "s-1"},
		},
		{
			name:  "error",
			build: func(l *Logger) *Logger { return l.WithError(errors.New("zone transfer refused")) },
			want:  map[string]string{KeyError: "zone transfer refused"},
		},
		{
			name:  "arbitrary",
			build: func(l *Logger) *Logger { return l.With("zone", "example.com") },
			want:  map[string]string{"zone": "example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(t, tt.build)
			for k, v := range tt.want {
				if rec[k] != v {
					t.Errorf("%s = %v, want %q", k, rec[k], v)
				}
			}
			if rec["msg"] != "zone reloaded" {
				t.Errorf("msg = %v", rec["msg"])
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	l := Discard()
	if l.WithContext(context.Background()) != l {
		t.Error("WithContext without values should return the receiver")
	}

	ctx := reqctx.WithUserID(reqctx.WithRequestID(context.Background(), "req-123"), "alice")
	rec := record(t, func(l *Logger) *Logger { return l.WithContext(ctx) })
	if rec[KeyRequestID] != "req-123" || rec[KeyUser] != "alice" {
		t.Errorf("context attributes missing: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", "text", &buf)
	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("unexpected output at warn level: %q", out)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("info", "text", &buf).WithComponent("bus").Info("subscribed")
	if !strings.Contains(buf.String(), "component=bus") {
		t.Errorf("text output missing attribute: %q", buf.String())
	}
}

func TestDiscardAndDefault(t *testing.T) {
	Discard().Error("nobody hears this")
	if Default() == nil || Default().Logger == nil {
		t.Fatal("Default() returned an unusable logger")
	}
}

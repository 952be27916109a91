package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigure_JSONAndLevel(t *testing.T) {
	prev := DefaultLogger
	prevLevel := Level()
	t.Cleanup(func() {
		DefaultLogger = prev
		level.Set(prevLevel)
	})

	var buf bytes.Buffer
	Configure(&buf, "warn", "json")

	Info("hidden")
	ForRun("unit", "run-1").Warn("[unit] shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"run_id":"run-1"`) {
		t.Errorf("missing run_id attribute: %s", out)
	}

	SetLevel("debug")
	Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel did not lower the level of the existing handler")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != DefaultLogger {
		t.Error("empty context should yield DefaultLogger")
	}
	l := With("k", "v")
	if FromContext(NewContext(context.Background(), l)) != l {
		t.Error("FromContext did not return stored logger")
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name   string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{" error ", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		got, ok := ParseLevel(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.Debug("hidden")
	logger.Info("task started", "task_id", "t-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (debug filtered), got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "task started" || entry["task_id"] != "t-1" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")
	logger.Debug("job failed", "job_id", "web")

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "job_id=web") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestNewWarnsOnInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "loud", "text")

	if !strings.Contains(buf.String(), "invalid log level configured") {
		t.Errorf("expected warning about invalid level, got %q", buf.String())
	}
}

func TestSetupInstallsDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Setup(&buf, "warn", "json")
	if slog.Default() != logger {
		t.Error("expected Setup to install the logger as default")
	}

	slog.Info("dropped")
	slog.Warn("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("unexpected output at warn level: %q", out)
	}
}

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
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("bound endpoint", slog.String(KeyLocalAddr, "127.0.0.1:5000"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "bound endpoint" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[KeyLocalAddr] != "127.0.0.1:5000" {
		t.Errorf("%s = %v", KeyLocalAddr, entry[KeyLocalAddr])
	}
}

func TestNewLoggerWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line emitted at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn line missing")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded") // must not panic
}

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn).With("dispatcher")

	l.Infof("dropped id=%s", "a")
	l.Warnf("kept id=%s", "b")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN dispatcher: kept id=b") {
		t.Errorf("missing warn line: %q", out)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Errorf("no panic")
	l.With("x").Infof("still no panic")
}

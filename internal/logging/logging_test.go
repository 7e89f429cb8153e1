package logging

import (
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, test := range tests {
		log, err := New(test.level)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", test.level, err)
		}
		if !log.Enabled(t.Context(), test.expected) {
			t.Errorf("expected level %v enabled for %q", test.expected, test.level)
		}
		if log.Enabled(t.Context(), test.expected-1) {
			t.Errorf("expected level below %v disabled for %q", test.expected, test.level)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose"); err == nil {
		t.Errorf("expected an error for an unknown level")
	}
}

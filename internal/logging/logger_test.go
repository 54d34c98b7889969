package logging

import (
	"strings"
	"testing"
)

func TestLoggerMinLevelFilters(t *testing.T) {
	out := &strings.Builder{}
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelWarning, out)

	logger.Debug("debug line", nil)
	logger.Info("info line", nil)
	logger.Warn("warn line", nil)
	logger.Error("error line", nil)

	entries := logger.Buffer().List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning || entries[1].Level != LevelError {
		t.Fatalf("unexpected levels: %v %v", entries[0].Level, entries[1].Level)
	}
	if strings.Contains(out.String(), "info line") {
		t.Fatalf("info entry should have been filtered: %q", out.String())
	}
}

func TestLoggerWithMergesContext(t *testing.T) {
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, nil)
	child := logger.With(map[string]string{"bridge.agent_id": "agent_a"})

	child.Info("registered", map[string]string{"bridge.role": "frontend"})

	entries := logger.Buffer().List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	context := entries[0].Context
	if context["bridge.agent_id"] != "agent_a" || context["bridge.role"] != "frontend" {
		t.Fatalf("unexpected context: %v", context)
	}
}

func TestLoggerOutputFormat(t *testing.T) {
	out := &strings.Builder{}
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, out)

	logger.Info("sent", map[string]string{"bridge.message_id": "m1"})

	line := out.String()
	if !strings.Contains(line, `level=info`) || !strings.Contains(line, `msg="sent"`) {
		t.Fatalf("unexpected format: %q", line)
	}
	if !strings.Contains(line, `bridge.message_id="m1"`) {
		t.Fatalf("missing context field: %q", line)
	}
}

func TestLoggerSubscribe(t *testing.T) {
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, nil)
	ch, cancel := logger.Subscribe()
	defer cancel()

	logger.Warn("transport crashed", nil)

	select {
	case entry := <-ch:
		if entry.Message != "transport crashed" {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	default:
		t.Fatalf("expected a broadcast entry")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  Level
		ok    bool
	}{
		{"debug", LevelDebug, true},
		{" Warn ", LevelWarning, true},
		{"ERROR", LevelError, true},
		{"verbose", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.input)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseLevel(%q) = %v %v, want %v %v", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

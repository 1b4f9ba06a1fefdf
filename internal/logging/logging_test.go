package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestNewLoggerLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(Config{Level: "warn"}, &buf), "collector")

	logger.Info().Msg("hidden")
	logger.Warn().Str("chain", "1").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if entry["component"] != "collector" || entry["message"] != "visible" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "nonsense"}, &buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	if strings.Contains(buf.String(), "debug") || !strings.Contains(buf.String(), "info") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("LevelString(%v) does not parse back: %v %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: %v %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"text", true},
		{"surrounding_text", true},
		{"commit", true},
		{"preedit", true},
		{"PASSWORD", true},
		{"len", false},
		{"owner", false},
		{"generation", false},
		{"event", false},
		{"component", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestJSONFormatAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Component: "session",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create JSON logger: %v", err)
	}

	logger.Info("commit string", "text", "hunter2", "len", 7)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if record["text"] != "[REDACTED]" {
		t.Errorf("text should be redacted, got %v", record["text"])
	}
	if record["len"] != float64(7) {
		t.Errorf("len should be kept, got %v", record["len"])
	}
	if record["component"] != "session" {
		t.Errorf("expected component session, got %v", record["component"])
	}
}

func TestSetDefaultRoutesSlog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf, Component: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	SetDefault(logger)

	slog.Info("hidden")
	slog.Warn("shown", "text", "secret")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info should be filtered at warn: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=cli") {
		t.Errorf("expected warn record through slog.Default, got %q", out)
	}
	if strings.Contains(out, "secret") {
		t.Errorf("redaction not applied: %q", out)
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	child := logger.WithComponent("watcher")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") || !strings.Contains(buf.String(), "component=watcher") {
		t.Errorf("expected child debug record, got %q", buf.String())
	}
	if child.Level() != LevelDebug {
		t.Errorf("child level not shared: %v", child.Level())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "imsession.log")
	logger, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("input context connected", "owner", ":1.10")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "owner=:1.10") {
		t.Errorf("unexpected log file content %q", data)
	}
}

func TestFileOutputNeedsPath(t *testing.T) {
	if _, err := New(&Config{Output: "file"}); err == nil {
		t.Error("expected error without a file path")
	}
}

package logger

import (
	"bytes"
	"encoding/json"
	"gatekeeper/internal/models"
	"gatekeeper/internal/version"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testVersion = version.Info{Version: "1.2.3", GitCommit: "abc123", InstanceID: "inst-1"}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  slog.Level
		expectErr bool
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "uppercase", input: "DEBUG", expected: slog.LevelDebug},
		{name: "invalid", input: "invalid", expectErr: true},
		{name: "empty", input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
				return
			}
			if level != tt.expected {
				t.Errorf("expected level %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestSetupStdStreams(t *testing.T) {
	for _, output := range []string{"stdout", "stderr"} {
		t.Run(output, func(t *testing.T) {
			cfg := models.LoggingConfig{Level: "info", Format: "json", Output: output}

			logger, closer, err := Setup(cfg, "gatekeeper", testVersion)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if closer != nil {
				t.Errorf("expected nil closer for %s", output)
			}
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestSetupFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gatekeeper.log")

	cfg := models.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	}

	logger, closer, err := Setup(cfg, "gatekeeper", testVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closer == nil {
		t.Fatal("expected non-nil closer for file output")
	}
	defer closer.Close()

	logger.Warn("Request rejected", "ip", "192.0.2.1", "reason", "RATE_LIMIT_EXCEEDED")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}

	want := map[string]string{
		"msg":         "Request rejected",
		"ip":          "192.0.2.1",
		"reason":      "RATE_LIMIT_EXCEEDED",
		"service":     "gatekeeper",
		"version":     "1.2.3",
		"git_commit":  "abc123",
		"instance_id": "inst-1",
	}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("expected %s=%q, got %v", k, v, record[k])
		}
	}
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.LoggingConfig
	}{
		{"file without path", models.LoggingConfig{Level: "info", Format: "json", Output: "file"}},
		{"unwritable file", models.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: "/nonexistent/directory/path/test.log"}},
		{"invalid level", models.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Setup(tt.cfg, "gatekeeper", testVersion); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewFormats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer

	New(&jsonBuf, "json", slog.LevelInfo).Info("hello", "component", "ratelimit")
	New(&textBuf, "text", slog.LevelInfo).Info("hello", "component", "ratelimit")

	if !strings.HasPrefix(jsonBuf.String(), "{") {
		t.Errorf("expected JSON output, got %s", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "component=ratelimit") {
		t.Errorf("expected text output, got %s", textBuf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "text", slog.LevelWarn)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("info message should have been filtered by warn level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("warn message should have appeared")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see")
}

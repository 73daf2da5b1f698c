package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesToFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nested", "test.log")

	logger, err := New(logPath)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer logger.Close()

	logger.Info("test message")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}

	if !strings.Contains(string(content), "test message") {
		t.Errorf("log file should contain 'test message', got: %s", content)
	}
}

func TestLogger_RespectsDebugLevel(t *testing.T) {
	t.Setenv("RBROKER_DEBUG", "")

	var buf bytes.Buffer
	logger := NewWriter(&buf)

	logger.Debug("debug message")
	if strings.Contains(buf.String(), "debug message") {
		t.Errorf("debug message should not appear when debug disabled")
	}
}

func TestLogger_DebugEnabled(t *testing.T) {
	t.Setenv("RBROKER_DEBUG", "debug")

	var buf bytes.Buffer
	logger := NewWriter(&buf)

	logger.Debugf("debug %s", "message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("debug message should appear when RBROKER_DEBUG=debug, got: %s", buf.String())
	}
}

func TestLogger_LevelsAndFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf)

	logger.Infof("formatted %s %d", "message", 42)
	logger.Warnf("slow %s", "client")
	logger.Errorf("error: %s (code %d)", "not found", 404)

	out := buf.String()
	for _, want := range []string{"INFO: formatted message 42", "WARN: slow client", "ERROR: error: not found (code 404)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q, got: %s", want, out)
		}
	}
}

func TestLogger_NamedPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf).Named("session").Named("pump")

	logger.Info("started")
	if !strings.Contains(buf.String(), "INFO: session.pump: started") {
		t.Errorf("expected component prefix, got: %s", buf.String())
	}
}

func TestLogf_NilLoggerIsNop(t *testing.T) {
	var logger *Logger
	logf := logger.Logf()
	logf("must not panic %d", 1)

	OrNop(nil)("also fine")
}

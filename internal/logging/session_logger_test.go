package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSessionLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewSessionLogger(base, "", "dropwire-send", "transfer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when sessionLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewSessionLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "dropwire-send", "ABC123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify the command directory was created.
	cmdDir := filepath.Join(dir, "dropwire-send")
	if _, err := os.Stat(cmdDir); os.IsNotExist(err) {
		t.Fatalf("cmd dir not created: %s", cmdDir)
	}

	// Verify the returned path is correct.
	expectedPath := filepath.Join(cmdDir, "ABC123.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")

	// Close the transfer log file to force a flush.
	closer.Close()

	// Verify the log appears in the base handler's buffer.
	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	// Verify the log appears in the transfer file.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading session log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in session file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in session file: %s", content)
	}
}

func TestNewSessionLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Base logger at INFO level — doesn't accept DEBUG.
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "dropwire-receive", "sess-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	// DEBUG must NOT appear in the base handler (filtered by its INFO level).
	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	// INFO must appear in the base handler.
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	// Both must appear in the transfer file (DEBUG level).
	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from session file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from session file: %s", content)
	}
}

func TestRemoveSessionLog(t *testing.T) {
	dir := t.TempDir()
	cmdDir := filepath.Join(dir, "dropwire-send")
	os.MkdirAll(cmdDir, 0755)

	logPath := filepath.Join(cmdDir, "transfer-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveSessionLog(dir, "dropwire-send", "transfer-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("session log file should have been removed")
	}
}

func TestRemoveSessionLog_NoOpWhenEmpty(t *testing.T) {
	// Must not panic or error when sessionLogDir is empty.
	RemoveSessionLog("", "dropwire-send", "transfer")
}

func TestRemoveSessionLog_NoOpWhenFileMissing(t *testing.T) {
	// Must not panic or error when the file doesn't exist.
	RemoveSessionLog(t.TempDir(), "dropwire-send", "nonexistent-transfer")
}

func TestNewSessionLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "dropwire-send", "sess-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Add attrs to the session logger with logger.With.
	enriched := logger.With("code", "sess-attrs", "role", "sender")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "sess-attrs") {
		t.Error("code attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "sess-attrs") {
		t.Errorf("code attr missing from session file: %s", content)
	}
	if !strings.Contains(content, "sender") {
		t.Errorf("role attr missing from session file: %s", content)
	}
}

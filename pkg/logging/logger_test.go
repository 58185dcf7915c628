package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDir points the package at a temporary log directory and resets
// global state for the duration of the test.
func setupTestDir(t *testing.T) {
	t.Helper()

	origLogDir := logDir
	origInitErr := initErr
	origSessionID := sessionID

	logDir = t.TempDir()
	initErr = nil
	initOnce = sync.Once{}
	sessionID = ""
	sessionIDOnce = sync.Once{}

	t.Cleanup(func() {
		logDir = origLogDir
		initErr = origInitErr
		sessionID = origSessionID
		initOnce = sync.Once{}
		sessionIDOnce = sync.Once{}
	})
}

func readLog(t *testing.T, l *Logger) string {
	t.Helper()
	content, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test-component")
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, "test-component", logger.component)
	assert.NotEmpty(t, logger.SessionID())
	assert.NotEmpty(t, logger.LogPath())
	assert.FileExists(t, logger.LogPath())
}

func TestLoggerFormatting(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)
	defer logger.Close()

	logger.Printf("Test message %d", 123)
	logger.Debugf("Debug message")
	logger.Infof("Info message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")

	logContent := readLog(t, logger)
	for _, pattern := range []string{
		"[test] [INFO] Test message 123",
		"[test] [DEBUG] Debug message",
		"[test] [INFO] Info message",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
	} {
		assert.Contains(t, logContent, pattern)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("filtered")
	require.NoError(t, err)
	defer logger.Close()

	logger.SetLevel(slog.LevelWarn)
	logger.Debugf("hidden debug")
	logger.Infof("hidden info")
	logger.Warnf("shown warning")

	logContent := readLog(t, logger)
	assert.NotContains(t, logContent, "hidden")
	assert.Contains(t, logContent, "shown warning")
}

func TestSlogBridge(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("engine")
	require.NoError(t, err)
	defer logger.Close()

	sl := logger.Slog()
	sl.Debug("chainstore: appended block", "chain", "journal", "index", 3)

	logger.SetLevel(slog.LevelError)
	sl.Warn("should be filtered")

	logContent := readLog(t, logger)
	assert.Contains(t, logContent, "chainstore: appended block")
	assert.Contains(t, logContent, "chain=journal")
	assert.Contains(t, logContent, "component=engine")
	assert.NotContains(t, logContent, "should be filtered")
}

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"quiet", slog.LevelError, false},
		{"normal", slog.LevelWarn, false},
		{"", slog.LevelWarn, false},
		{"Verbose", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"chatty", slog.LevelWarn, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerbosity(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMultipleComponents(t *testing.T) {
	setupTestDir(t)

	logger1, err := NewLogger("component1")
	require.NoError(t, err)
	defer logger1.Close()

	logger2, err := NewLogger("component2")
	require.NoError(t, err)
	defer logger2.Close()

	// They should share the same session ID and log file
	assert.Equal(t, logger1.SessionID(), logger2.SessionID())
	assert.Equal(t, logger1.LogPath(), logger2.LogPath())

	logger1.Printf("Message from component1")
	logger2.Printf("Message from component2")

	logContent := readLog(t, logger1)
	assert.Contains(t, logContent, "[component1]")
	assert.Contains(t, logContent, "[component2]")
}

func TestGetSessionID(t *testing.T) {
	setupTestDir(t)

	id1 := GetSessionID()
	id2 := GetSessionID()
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)
}

func TestGetLogDirectory(t *testing.T) {
	setupTestDir(t)

	dir, err := GetLogDirectory()
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestLoggerClose(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)

	assert.NoError(t, logger.Close())
	// Close again should be safe
	assert.NoError(t, logger.Close())
}

func TestLogPathFormat(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)
	defer logger.Close()

	// Verify log file name format: <session-id>-soulchain.log
	fileName := filepath.Base(logger.LogPath())
	require.True(t, strings.HasSuffix(fileName, "-soulchain.log"), fileName)

	sessionPart := strings.TrimSuffix(fileName, "-soulchain.log")
	assert.Equal(t, logger.SessionID(), sessionPart)
}

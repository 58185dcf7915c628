package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger provides leveled logging for soulchain components.
// All logs are written to a session-specific file in ~/.soulchain/logs/
//
// Messages below the logger's level are dropped. Slog exposes the same
// destination to the engine packages, which take a *slog.Logger.
type Logger struct {
	sessionID string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
	level     slog.Level
}

var (
	// Global session ID for the current execution
	sessionID     string
	sessionIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	// initOnce ensures directory initialization happens once
	initOnce sync.Once

	// initErr stores any error from directory initialization
	initErr error
)

// getSessionID returns or creates the session ID for this execution
func getSessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

// initLogDirectory ensures the log directory exists. A directory chosen with
// SetLogDirectory wins over the default.
func initLogDirectory() error {
	initOnce.Do(func() {
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".soulchain", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

// SetLogDirectory overrides the log directory. It only has an effect before
// the first logger is created.
func SetLogDirectory(dir string) {
	logDir = dir
}

// ParseVerbosity maps a configured verbosity to a level.
//
//	quiet   -> errors only
//	normal  -> warnings and errors
//	verbose -> info and up
//	debug   -> everything
func ParseVerbosity(verbosity string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "quiet":
		return slog.LevelError, nil
	case "", "normal":
		return slog.LevelWarn, nil
	case "verbose":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return slog.LevelWarn, fmt.Errorf("unknown verbosity %q", verbosity)
	}
}

// NewLogger creates a new logger for a specific component.
// The logger writes to ~/.soulchain/logs/<session-id>-soulchain.log
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
// Callers can check the error to detect fallback mode and log warnings.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		// Fallback to stderr if we can't create the log directory
		return newFallbackLogger(component, err), err
	}

	sessID := getSessionID()
	logFileName := fmt.Sprintf("%s-soulchain.log", sessID)
	logPath := filepath.Join(logDir, logFileName)

	// Open log file in append mode (multiple components may write to same file)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(component, fmt.Errorf("failed to open log file: %w", err)), err
	}

	logger := log.New(file, "", 0) // We'll format timestamps ourselves

	return &Logger{
		sessionID: sessID,
		component: component,
		file:      file,
		logger:    logger,
		logPath:   logPath,
		level:     slog.LevelDebug,
	}, nil
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lshortfile)
	logger.Printf("WARNING: Failed to initialize file logging: %v", err)
	logger.Printf("Falling back to stderr logging")

	return &Logger{
		sessionID: getSessionID(),
		component: component,
		file:      nil, // No file, using stderr
		logger:    logger,
		logPath:   "",
		level:     slog.LevelWarn,
	}
}

// SetLevel drops messages below level.
func (l *Logger) SetLevel(level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// formatLogEntry creates a structured log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) logf(level slog.Level, label, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	message := fmt.Sprintf(format, v...)
	entry := l.formatLogEntry(label, message)
	l.logger.Println(entry)
}

// Printf logs a formatted message
func (l *Logger) Printf(format string, v ...interface{}) {
	l.logf(slog.LevelInfo, "INFO", format, v...)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(slog.LevelDebug, "DEBUG", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(slog.LevelInfo, "INFO", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(slog.LevelWarn, "WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(slog.LevelError, "ERROR", format, v...)
}

// Slog returns a *slog.Logger writing text records to the same destination,
// tagged with this component and filtered at the logger's current level.
func (l *Logger) Slog() *slog.Logger {
	h := slog.NewTextHandler(l.Writer(), &slog.HandlerOptions{Level: levelFunc(l.Level)})
	return slog.New(h).With("component", l.component, "session", l.sessionID)
}

// levelFunc adapts a getter to slog.Leveler so SetLevel also applies to
// loggers handed out earlier by Slog.
type levelFunc func() slog.Level

func (f levelFunc) Level() slog.Level { return f() }

// Writer returns an io.Writer that writes to this logger
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return os.Stderr
}

// SessionID returns the current session ID
func (l *Logger) SessionID() string {
	return l.sessionID
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetSessionID returns the current global session ID
func GetSessionID() string {
	return getSessionID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}

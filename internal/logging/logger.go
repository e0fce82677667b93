// Package logging provides persistent file logging for diagnosing activation
// issues when the app is launched by the notification manager or a deep link,
// without console access.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxLogFileSize = 10 * 1024 * 1024 // 10MB
	maxLogFiles    = 5                // Keep 5 rotated log files

	logFileName = "activation-host.log"
)

var (
	globalLogger *FileLogger
	mu           sync.Mutex

	base = logrus.New()
)

// FileLogger handles persistent logging to a file with rotation.
type FileLogger struct {
	logPath  string
	file     *os.File
	mu       sync.Mutex
	size     int64
	multiOut io.Writer // Writes to both file and stdout
}

// Init initializes the global file logger and points logrus at it.
// logDir is the directory where logs will be stored; level is a logrus level
// name ("debug", "info", ...). Calling Init twice is a no-op.
func Init(logDir, level string) error {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger != nil {
		return nil
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	base.SetLevel(lvl)

	if logDir == "" {
		return fmt.Errorf("log directory must be set")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	logger := &FileLogger{
		logPath: filepath.Join(logDir, logFileName),
	}
	if err := logger.openLogFile(); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	globalLogger = logger
	base.SetOutput(logger.multiOut)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})

	For("logging").WithField("path", logger.logPath).Info("File logging initialized")
	return nil
}

// For returns a logger entry tagged with the given component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Discard returns an entry that drops everything. Used as the fallback when
// a component is built without a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Close closes the log file. Logrus falls back to stderr afterwards.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger == nil {
		return nil
	}

	For("logging").Info("Closing log file")
	base.SetOutput(os.Stderr)

	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	if globalLogger.file != nil {
		if err := globalLogger.file.Close(); err != nil {
			return err
		}
		globalLogger.file = nil
	}

	globalLogger = nil
	return nil
}

// openLogFile opens (or creates) the log file and sets up multi-writer.
func (l *FileLogger) openLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	info, err := os.Stat(l.logPath)
	if err == nil {
		l.size = info.Size()
		if l.size >= maxLogFileSize {
			if err := l.rotateLogsLocked(); err != nil {
				return fmt.Errorf("failed to rotate logs: %w", err)
			}
			l.size = 0
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", l.logPath, err)
	}

	l.file = file
	l.multiOut = io.MultiWriter(os.Stdout, &trackingWriter{logger: l})

	return nil
}

// trackingWriter wraps the file writer and tracks bytes written for rotation.
type trackingWriter struct {
	logger *FileLogger
}

func (tw *trackingWriter) Write(p []byte) (n int, err error) {
	tw.logger.mu.Lock()
	defer tw.logger.mu.Unlock()

	if tw.logger.file == nil {
		return 0, fmt.Errorf("log file not open")
	}

	n, err = tw.logger.file.Write(p)
	if err != nil {
		return n, err
	}

	tw.logger.size += int64(n)

	if tw.logger.size >= maxLogFileSize {
		if rotateErr := tw.logger.rotateLogsLocked(); rotateErr != nil {
			// The record is already written; report and keep going.
			fmt.Fprintf(os.Stderr, "Failed to rotate logs: %v\n", rotateErr)
		} else {
			tw.logger.size = 0
		}
	}

	return n, nil
}

// rotateLogsLocked rotates log files (must be called with lock held).
// activation-host.log -> activation-host.log.1
// activation-host.log.1 -> activation-host.log.2
// ...
// activation-host.log.4 -> deleted
func (l *FileLogger) rotateLogsLocked() error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		l.file = nil
	}

	oldestLog := fmt.Sprintf("%s.%d", l.logPath, maxLogFiles-1)
	os.Remove(oldestLog)

	for i := maxLogFiles - 2; i >= 1; i-- {
		oldName := fmt.Sprintf("%s.%d", l.logPath, i)
		newName := fmt.Sprintf("%s.%d", l.logPath, i+1)
		os.Rename(oldName, newName)
	}

	if err := os.Rename(l.logPath, l.logPath+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename current log: %w", err)
	}

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %w", err)
	}

	l.file = file

	marker := fmt.Sprintf("\n=== Log rotated at %s ===\n\n", time.Now().Format(time.RFC3339))
	l.file.WriteString(marker)

	return nil
}

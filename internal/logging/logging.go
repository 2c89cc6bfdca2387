// Package logging implements a small leveled logger over the standard
// library's log package. The Session Supervisor juggles several accounts
// at once, so every line a Logger writes is tagged with the account it came
// from via WithAccount, rather than left to the caller to prefix by hand.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string from config, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled, account-tagged lines to a file and/or stderr.
// account is empty for the root logger returned by New; WithAccount derives
// a scoped child that shares the same sink.
type Logger struct {
	level   Level
	account string
	file    *os.File
	logger  *log.Logger
}

// Config describes where a Logger writes and at what verbosity.
type Config struct {
	Level   string
	File    string
	Console bool
}

// New opens cfg.File (if set) and/or wires stderr (if cfg.Console, or if
// neither sink is configured), and returns the root Logger.
func New(cfg Config) (*Logger, error) {
	l := &Logger{level: ParseLevel(cfg.Level)}

	var writers []io.Writer

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	l.logger = log.New(writer, "", 0)
	return l, nil
}

// WithAccount returns a child Logger that tags every line with bareJID,
// sharing this Logger's sink and level. The Supervisor holds one per
// connected account so interleaved reconnects in the log stay attributable.
func (l *Logger) WithAccount(bareJID string) *Logger {
	return &Logger{level: l.level, account: bareJID, file: l.file, logger: l.logger}
}

// Close closes the underlying log file, if one is open.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	if l.account != "" {
		l.logger.Printf("%s [%s] [%s] %s", timestamp, level.String(), l.account, message)
		return
	}
	l.logger.Printf("%s [%s] %s", timestamp, level.String(), message)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

var defaultLogger *Logger

// Init sets the process-wide default Logger, used by the package-level
// Debug/Info/Warn/Error helpers and as the base WithAccount derives from.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// Default returns the process-wide Logger set by Init, or nil if Init was
// never called.
func Default() *Logger {
	return defaultLogger
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(format, args...)
	}
}

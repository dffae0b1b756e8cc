// Package logging provides the Logger collaborator (spec.md §6): a
// leveled structured logger. Records are written synchronously. It wraps
// github.com/charmbracelet/log the way the teacher's log.go wraps a plain
// os.File, but emits structured key/value fields instead of CSV rows.
package logging

import (
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors the five severities in spec.md §3's log_level config key.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// ParseLevel converts a config string to a Level, defaulting to Info for
// anything unrecognized.
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
	case "critical":
		return LevelCritical
	default:
		return LevelInfo
	}
}

func (l Level) charm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError, LevelCritical:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Logger is the process-wide structured logger. Every call formats its
// record and writes it to stderr on the caller's goroutine, under
// charmlog's internal lock; there is no background writer or queue, so a
// slow stderr blocks the caller.
type Logger struct {
	mu     sync.Mutex
	base   *charmlog.Logger
	module string
}

// New creates a root Logger at the given level, writing to stderr.
func New(level Level) *Logger {
	base := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level.charm(),
	})
	return &Logger{base: base}
}

// SetLevel changes the active log level at runtime; log_level is a hot
// configuration key (spec.md §3) and may change without stopping a scan.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetLevel(level.charm())
}

// For returns a child Logger tagged with a module name, mirroring the
// "module" field required by spec.md §7's structured log record.
func (l *Logger) For(module string) *Logger {
	return &Logger{base: l.base, module: module}
}

func (l *Logger) with(fields []any) *charmlog.Logger {
	entry := l.base.With("module", l.module)
	if len(fields) > 0 {
		entry = entry.With(fields...)
	}
	return entry
}

func (l *Logger) Debug(msg string, fields ...any)    { l.with(fields).Debug(msg) }
func (l *Logger) Info(msg string, fields ...any)     { l.with(fields).Info(msg) }
func (l *Logger) Warn(msg string, fields ...any)     { l.with(fields).Warn(msg) }
func (l *Logger) Error(msg string, fields ...any)    { l.with(fields).Error(msg) }
func (l *Logger) Critical(msg string, fields ...any) { l.with(fields).Error(msg, "severity", "critical") }

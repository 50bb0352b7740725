// Package logging wraps log/slog with the leveled, component-scoped
// loggers the rest of tapbridge takes by reference instead of reaching
// for a process-wide global.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is a re-export of slog.Level so callers don't need to import slog.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger wraps slog.Logger with a settable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
}

// DefaultConfig returns the default configuration: info level, console
// output to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr, JSON: false}
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}

	return &Logger{Logger: slog.New(handler), level: levelVar}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide default logger, creating it on first use.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// SetLevel changes the logger's level dynamically.
func (l *Logger) SetLevel(level Level) { l.level.Set(level) }

// WithComponent returns a logger tagged with a "component" field, the
// convention every package in this module uses to scope its log lines.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), level: l.level}
}

// Package logger provides structured logging for the mmm agent and its
// development server.
//
// It uses Go's standard log/slog package with support for multiple output formats
// (text, color, JSON), configurable log levels, and context-aware logging.
//
// The global logger is thread-safe. Loggers built from configuration share one
// slog.LevelVar so a configuration reload can change verbosity in place.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"mmmagent/config"
)

// Global logger instance with atomic access for thread safety
var globalLogger atomic.Pointer[slog.Logger]

// reloadable is the level of every logger built from a config section.
var reloadable = new(slog.LevelVar)

// Config represents the logger configuration
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // text, color, json
	Quiet   bool   // suppress all but errors
	Verbose bool   // enable debug logs
	Output  io.Writer
}

// Get returns the global logger instance, initializing it with defaults if necessary
func Get() *slog.Logger {
	logger := globalLogger.Load()
	if logger == nil {
		SetDefault()
		logger = globalLogger.Load()
	}
	return logger
}

// Set atomically updates the global logger
func Set(logger *slog.Logger) {
	globalLogger.Store(logger)
}

// SetDefault initializes the global logger with default settings
func SetDefault() {
	Set(New(Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
	}))
}

// New creates a new logger from the provided configuration
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return slog.New(createHandler(cfg.Format, parseLevel(cfg), cfg.Output))
}

// Discard returns a logger that drops every record. Packages fall back to it
// when no logger is injected.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewFromLoggingConfig creates a logger writing to stderr whose level can
// later be changed with ApplyLevel.
func NewFromLoggingConfig(cfg config.LoggingConfig) *slog.Logger {
	ApplyLevel(cfg)
	return slog.New(createHandler(cfg.Format, reloadable, os.Stderr))
}

// NewFromAgentConfig creates a logger from the agent configuration.
func NewFromAgentConfig(cfg *config.AgentConfig) *slog.Logger {
	return NewFromLoggingConfig(cfg.Logging)
}

// ApplyLevel updates the shared level from a reloaded logging configuration.
// Format changes require a restart.
func ApplyLevel(cfg config.LoggingConfig) slog.Level {
	l := parseLevel(Config{Level: cfg.Level, Quiet: cfg.Quiet, Verbose: cfg.Verbose})
	reloadable.Set(l)
	return l
}

// parseLevel converts string level and flags to slog.Level
func parseLevel(cfg Config) slog.Level {
	// Verbose flag overrides to debug
	if cfg.Verbose {
		return slog.LevelDebug
	}

	// Quiet flag overrides to error only
	if cfg.Quiet {
		return slog.LevelError
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Info logs an informational message using the global logger
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning message using the global logger
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message using the global logger
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Debug logs a debug message using the global logger
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

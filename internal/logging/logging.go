// Package logging provides the engine's structured logging setup: a
// JSON logger on stdout for machine consumption, a text logger on
// stderr for humans, and rotating per-service file loggers.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	initOnce sync.Once

	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger

	// levelVar drives both global handlers so SetLevel is safe while
	// loggers are in use.
	levelVar slog.LevelVar
)

// Custom levels outside the slog defaults.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// replaceLevelNames renames the custom levels in handler output.
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		label, ok := levelNames[level]
		if !ok {
			label = level.String()
		}
		a.Value = slog.StringValue(label)
	}
	return a
}

// Init configures the global loggers: JSON to stdout (set as the slog
// default) and human-readable text to stderr. Safe to call more than
// once; only the first call takes effect.
func Init() {
	initOnce.Do(func() {
		levelVar.Set(slog.LevelInfo)

		structuredLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       &levelVar,
			ReplaceAttr: replaceLevelNames,
		}))
		humanReadableLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       &levelVar,
			ReplaceAttr: replaceLevelNames,
		}))

		slog.SetDefault(structuredLogger)
	})
}

// SetLevel sets the minimum level for the global loggers.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// Structured returns the global structured (JSON) logger, or nil before Init.
func Structured() *slog.Logger {
	return structuredLogger
}

// HumanReadable returns the global text logger, or nil before Init.
func HumanReadable() *slog.Logger {
	return humanReadableLogger
}

// ForService returns a child of the structured logger carrying a
// 'service' attribute. Returns nil before Init; callers fall back to
// slog.Default in that case.
func ForService(serviceName string) *slog.Logger {
	if structuredLogger == nil {
		return nil
	}
	return structuredLogger.With("service", serviceName)
}

// Debug logs a debug message on the default logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message on the default logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message on the default logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message on the default logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs at the custom FATAL level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs at the custom TRACE level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// RotationPolicy controls file log rotation for NewFileLogger.
type RotationPolicy struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultRotation is used when no policy has been installed.
var DefaultRotation = RotationPolicy{
	MaxSizeMB:  100,
	MaxBackups: 3,
	MaxAgeDays: 28,
}

var (
	rotationMu sync.RWMutex
	rotation   = DefaultRotation
)

// SetFileRotation installs the rotation policy applied to file loggers
// created afterwards. Loggers already created keep their policy.
func SetFileRotation(p RotationPolicy) {
	rotationMu.Lock()
	defer rotationMu.Unlock()
	if p.MaxSizeMB > 0 {
		rotation.MaxSizeMB = p.MaxSizeMB
	}
	if p.MaxBackups > 0 {
		rotation.MaxBackups = p.MaxBackups
	}
	if p.MaxAgeDays > 0 {
		rotation.MaxAgeDays = p.MaxAgeDays
	}
}

// NewFileLogger creates a JSON logger writing to filePath with
// lumberjack rotation and a 'service' attribute on every record. It
// returns the logger, a close function for the underlying writer, and
// an error if the log directory cannot be created.
func NewFileLogger(filePath, serviceName string, level slog.Level) (*slog.Logger, func() error, error) {
	// lumberjack does not create directories.
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	rotationMu.RLock()
	policy := rotation
	rotationMu.RUnlock()

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    policy.MaxSizeMB,
		MaxBackups: policy.MaxBackups,
		MaxAge:     policy.MaxAgeDays,
		Compress:   false,
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})

	logger := slog.New(fileHandler).With("service", serviceName)

	closeFunc := func() error {
		return logWriter.Close()
	}

	return logger, closeFunc, nil
}

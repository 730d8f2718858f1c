// Package logging provides the level-filtered structured logger used
// across the core. It wraps log/slog with child-context loggers, an
// optional rotating file sink, and a health probe with a stderr
// fallback.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction. Zero value logs INFO+ to stderr.
type Config struct {
	MinLevel    string // debug | info | warn | error
	LogDir      string // directory for the file sink; empty disables files
	Console     bool
	File        bool
	MaxFiles    int // rotated files kept
	MaxFileSize int // megabytes per file
	NoColors    bool
}

// Logger is the structured logger handed to every component.
type Logger struct {
	sl      *slog.Logger
	level   slog.Level
	file    *lumberjack.Logger
	healthy atomic.Bool
}

// New builds a logger per config. A file sink that cannot be created is
// not fatal: the logger falls back to stderr and reports unhealthy.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.MinLevel)

	var sinks []io.Writer
	l := &Logger{level: level}
	l.healthy.Store(true)

	if cfg.Console || (!cfg.File && cfg.LogDir == "") {
		sinks = append(sinks, os.Stderr)
	}
	if cfg.File && cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot create %s, falling back to stderr: %v\n", cfg.LogDir, err)
			l.healthy.Store(false)
			if len(sinks) == 0 {
				sinks = append(sinks, os.Stderr)
			}
		} else {
			maxSize := cfg.MaxFileSize
			if maxSize <= 0 {
				maxSize = 10
			}
			maxFiles := cfg.MaxFiles
			if maxFiles <= 0 {
				maxFiles = 5
			}
			l.file = &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "trellis.log"),
				MaxSize:    maxSize,
				MaxBackups: maxFiles,
				Compress:   false,
			}
			sinks = append(sinks, l.file)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, os.Stderr)
	}

	handler := slog.NewTextHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{Level: level})
	l.sl = slog.New(handler)
	return l
}

// NewSilent returns a logger that discards everything, for tests.
func NewSilent() *Logger {
	l := &Logger{sl: slog.New(slog.DiscardHandler), level: slog.LevelError}
	l.healthy.Store(true)
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Child returns a logger carrying extra context attributes.
func (l *Logger) Child(args ...any) *Logger {
	c := &Logger{sl: l.sl.With(args...), level: l.level, file: l.file}
	c.healthy.Store(l.healthy.Load())
	return c
}

// Healthy reports whether the configured sinks are operational.
func (l *Logger) Healthy() bool { return l.healthy.Load() }

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.sl.Info(msg, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.sl.Warn(msg, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

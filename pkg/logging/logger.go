// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for QueryLoom components.
//
// The package is built on Go's standard library slog, with two outputs:
// stderr for CLI compatibility and an optional per-service JSON log file.
// Enterprise deployments can additionally attach a LogExporter to ship
// entries to an external system.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("request admitted", "request_id", id)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.queryloom/logs",
//	    Service: "gateway",
//	})
//	defer logger.Close()
//
// This creates log files named {service}_{date}.log in JSON format.
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Callers must never log
// DSNs, API keys, or generated SQL containing user literals.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", or "ERROR".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEntry is the unit handed to a LogExporter.
type LogEntry struct {
	Time    time.Time
	Level   Level
	Message string
	Attrs   map[string]any
	Service string
}

// LogExporter ships log entries to an external system (GCS, Loki, Datadog).
// Implementations receive entries asynchronously and should buffer
// internally for efficiency.
type LogExporter interface {
	Export(entry LogEntry)
	Close() error
}

// Config configures the Logger. A zero-value Config creates a logger that
// writes Info+ messages to stderr.
type Config struct {
	Level Level

	// LogDir enables JSON file logging when non-empty. A leading ~ is
	// expanded to the home directory.
	LogDir string

	// Service tags log file names and exported entries.
	Service string

	// Exporter, when set, receives every entry at or above Level.
	Exporter LogExporter
}

// Logger wraps slog with multi-destination output.
//
// Thread Safety: safe for concurrent use.
type Logger struct {
	slogger  *slog.Logger
	file     *os.File
	exporter LogExporter
	service  string
	level    Level
	mu       sync.Mutex
}

// Default returns a stderr-only logger at Info level.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

// New creates a Logger from cfg. File creation failures degrade to
// stderr-only logging rather than failing startup.
func New(cfg Config) *Logger {
	writers := []io.Writer{os.Stderr}

	var file *os.File
	if cfg.LogDir != "" {
		if f, err := openLogFile(cfg.LogDir, cfg.Service); err == nil {
			file = f
			writers = append(writers, f)
		} else {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		}
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: cfg.Level.toSlogLevel(),
	})

	return &Logger{
		slogger:  slog.New(handler),
		file:     file,
		exporter: cfg.Exporter,
		service:  cfg.Service,
		level:    cfg.Level,
	}
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger { return l.slogger }

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	switch level {
	case LevelDebug:
		l.slogger.Debug(msg, args...)
	case LevelWarn:
		l.slogger.Warn(msg, args...)
	case LevelError:
		l.slogger.Error(msg, args...)
	default:
		l.slogger.Info(msg, args...)
	}

	if l.exporter != nil {
		go l.exporter.Export(LogEntry{
			Time:    time.Now(),
			Level:   level,
			Message: msg,
			Attrs:   attrsToMap(args),
			Service: l.service,
		})
	}
}

// Close flushes and closes the log file and exporter, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			firstErr = err
		}
		l.file = nil
	}
	if l.exporter != nil {
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand log dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "queryloom"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
}

func attrsToMap(args []any) map[string]any {
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs[key] = args[i+1]
	}
	return attrs
}

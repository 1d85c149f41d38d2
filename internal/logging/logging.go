// Package logging builds the structured logger shared by every Seed component.
//
// Records fan out to two charmbracelet/log handlers: the console at the
// configured level and a debug log file that always captures everything, so a
// failed run can be diagnosed after the fact.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Options selects console verbosity and the debug log destination.
type Options struct {
	Level  string
	Format string

	// File is the debug log path; empty disables the file handler
	File string
}

// Logger is the slog front end plus the file it owns.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates a logger writing to console and, when opts.File is set, to the debug log.
func New(console io.Writer, opts Options) (*Logger, error) {
	if console == nil {
		console = os.Stderr
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	consoleHandler := log.NewWithOptions(console, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Formatter:       formatter(opts.Format),
	})

	handlers := []slog.Handler{consoleHandler}

	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open debug log: %w", err)
		}
		handlers = append(handlers, log.NewWithOptions(file, log.Options{
			Level:           log.DebugLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Formatter:       log.LogfmtFormatter,
		}))
	}

	return &Logger{Logger: slog.New(fanout(handlers)), file: file}, nil
}

// Close flushes and closes the debug log.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(log.New(io.Discard))
}

// DefaultFile returns the debug log path for a run started at now.
func DefaultFile(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("seed-%s.log", now.UTC().Format("20060102-150405")))
}

// ParseLevel converts a level name to a charmbracelet/log level.
func ParseLevel(raw string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

func formatter(format string) log.Formatter {
	if strings.EqualFold(format, "json") {
		return log.JSONFormatter
	}
	return log.TextFormatter
}

// fanout dispatches each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

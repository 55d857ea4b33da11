// Package log builds the slog loggers used across quern.
//
// Loggers are injected, never global: every component receives one via its
// constructor and narrows it with logger.With("component", ...). The one
// exception is cmd, which sets a process default for third-party code that
// logs through slog.Default().
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger aliases *slog.Logger so constructors read as log.Logger without a
// custom interface in between.
type Logger = *slog.Logger

// Config controls logger construction.
type Config struct {
	// Level is the minimum level as text: debug, info, warn, error.
	// Empty means info.
	Level string

	// Format selects the handler: "json" or "text". Empty means text.
	Format string

	// AddSource attaches file:line to every record.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) (Logger, error) {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Tests pass a bytes.Buffer to
// inspect output.
func NewWithWriter(w io.Writer, cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// ParseLevel converts a textual level into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewNop returns a logger that discards everything. Test use only; production
// callers go through New so misconfiguration is visible.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

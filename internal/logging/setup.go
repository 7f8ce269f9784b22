// Package logging configures structured logging for the gateway using log/slog.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Options selects the handler for the default logger.
type Options struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string
	// Format is json or text (default: json).
	Format string
	// File, when set, receives log output instead of stderr. The file is
	// opened in append mode.
	File string
}

// Setup installs the default slog logger described by opts and bridges the
// standard library "log" package into it. The returned closer releases the
// log file, if any; it is never nil.
func Setup(opts Options) (io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = f
	}

	SetupWithConfig(opts.Level, opts.Format, w)
	return closer, nil
}

// SetupWithConfig configures slog with explicit parameters (useful for testing).
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: &Level}

	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", "gemini-gateway")
	slog.SetDefault(logger)

	// Third-party packages that still use log.Printf end up in the same stream.
	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

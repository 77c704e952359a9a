// Package logging builds the process-wide slog logger. Stdout carries the
// downstream JSON-RPC stream, so diagnostics go to stderr or to the file
// named in the logging config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// EnvTrace forces debug-level logging when set to a non-empty value.
const EnvTrace = "MCPMAN_TRACE"

// Options mirror the settings logging block.
type Options struct {
	Level string
	File  string
}

// New returns a logger honoring Options and MCPMAN_TRACE, plus a closer
// for the log file when one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := parseLevel(opts.Level)
	if os.Getenv(EnvTrace) != "" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closer := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		w = f
		closer = f.Close
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

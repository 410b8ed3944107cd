// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Aleutian components.
//
// The package is a thin layer over Go's standard slog: it maps the
// engine's logging configuration (level name plus "json" or "text"
// format) onto a ready slog.Logger writing to stderr, following Unix
// conventions for CLI tools.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: "info", Format: "json", Service: "enhance"})
//	logger.Info("engine started", slog.String("addr", addr))
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure PII, tokens, and secrets are not logged.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Unknown values
	// fall back to info.
	Level string

	// Format is "json" or "text". Unknown values fall back to json.
	Format string

	// Service, when set, is attached to every record as the "service"
	// attribute.
	Service string

	// Output defaults to stderr.
	Output io.Writer
}

// ParseLevel maps a level name to its slog level. Unknown names map to
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// New builds a logger from the config.
//
// Outputs:
//   - *slog.Logger: Ready logger. Never nil.
func New(config Config) *slog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if config.Service != "" {
		logger = logger.With(slog.String("service", config.Service))
	}
	return logger
}

// Default returns an info-level JSON logger on stderr.
func Default() *slog.Logger {
	return New(Config{})
}

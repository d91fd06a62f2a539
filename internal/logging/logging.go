// Package logging configures the process-wide slog default used by the
// capture library and CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, output format, and optional rotating log
// file. The zero value logs text at info level to stderr.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // rotating log file; empty logs to stderr only

	MaxSizeMB  int // rotate after this many megabytes (default 20)
	MaxBackups int // rotated files to keep (default 5)
	MaxAgeDays int // days to keep rotated files (default 7)
}

// Init installs the configured logger as the slog default. The returned
// close function flushes and closes the rotating file, if any.
func Init(cfg Config) (func() error, error) {
	writer, closeFn, err := resolveWriter(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

func resolveWriter(cfg Config) (io.Writer, func() error, error) {
	if cfg.File == "" {
		return os.Stderr, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, nil, err
	}

	rot := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    fallback(cfg.MaxSizeMB, 20),
		MaxBackups: fallback(cfg.MaxBackups, 5),
		MaxAge:     fallback(cfg.MaxAgeDays, 7),
		Compress:   true,
	}
	// Log to both so interactive runs still show output.
	return io.MultiWriter(os.Stderr, rot), rot.Close, nil
}

func fallback(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

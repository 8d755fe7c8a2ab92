// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes log output.
type Config struct {
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// File appends logs to a file instead of stderr.
	File string `yaml:"file"`
	// LLMDebug logs prompts and replies at debug level.
	LLMDebug bool `yaml:"llm_debug"`
}

// New returns a logger for cfg writing to stderr or cfg.File. The returned
// func closes the file, if any.
func New(cfg Config) (zerolog.Logger, func() error, error) {
	closeFn := func() error { return nil }
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), closeFn, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}
	logger, err := NewWriter(cfg, out)
	if err != nil {
		_ = closeFn()
		return zerolog.Nop(), func() error { return nil }, err
	}
	return logger, closeFn, nil
}

// NewWriter returns a logger for cfg writing to out.
func NewWriter(cfg Config, out io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if cfg.LLMDebug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
